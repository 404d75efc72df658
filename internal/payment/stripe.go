package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bakeoff/internal/domain"
)

// Stripe talks to the Stripe REST API with form-encoded requests.
type Stripe struct {
	APIBase    string
	SecretKey  string
	Currency   string
	SuccessURL string
	CancelURL  string
	Client     *http.Client
}

func (s Stripe) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (s Stripe) do(ctx context.Context, method, path string, form url.Values, out any) error {
	endpoint := strings.TrimSuffix(s.APIBase, "/") + path
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.SecretKey, "")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	res, err := s.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(data, &apiErr)
		return fmt.Errorf("stripe %s %s: status %d: %s", method, path, res.StatusCode, apiErr.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func withTask(tmpl, taskID string) string {
	return strings.ReplaceAll(tmpl, "{task_id}", url.PathEscape(taskID))
}

func (s Stripe) CreateCheckout(ctx context.Context, task domain.Task) (Session, error) {
	currency := s.Currency
	if currency == "" {
		currency = "usd"
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", task.ID)
	form.Set("metadata[task_id]", task.ID)
	form.Set("success_url", withTask(s.SuccessURL, task.ID))
	form.Set("cancel_url", withTask(s.CancelURL, task.ID))
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(task.Bounty, 10))
	form.Set("line_items[0][price_data][product_data][name]", "Bake: "+task.Title)
	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, &out); err != nil {
		return Session{}, err
	}
	return Session{ID: out.ID, URL: out.URL}, nil
}

func (s Stripe) Refund(ctx context.Context, task domain.Task) error {
	if task.CheckoutSessionID == nil || *task.CheckoutSessionID == "" {
		return errors.New("task has no checkout session")
	}
	var session struct {
		PaymentIntent string `json:"payment_intent"`
	}
	if err := s.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(*task.CheckoutSessionID), nil, &session); err != nil {
		return err
	}
	if session.PaymentIntent == "" {
		return errors.New("checkout session has no payment intent")
	}
	form := url.Values{}
	form.Set("payment_intent", session.PaymentIntent)
	form.Set("metadata[task_id]", task.ID)
	return s.do(ctx, http.MethodPost, "/v1/refunds", form, nil)
}
