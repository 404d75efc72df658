// Package notify delivers best-effort e-mail for ledger events.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Message is one outbound e-mail.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Mailer is the transactional e-mail collaborator.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Nop drops every message.
type Nop struct{}

func (Nop) Send(context.Context, Message) error { return nil }

// LogMailer writes messages to the structured log instead of sending them.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(_ context.Context, msg Message) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail", "to", msg.To, "subject", msg.Subject)
	return nil
}

// HTTPMailer posts messages as JSON to a provider endpoint.
type HTTPMailer struct {
	Endpoint string
	APIKey   string
	From     string
	Client   *http.Client
}

const defaultMailTimeout = 5 * time.Second

func (m HTTPMailer) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(struct {
		From string `json:"from"`
		Message
	}{From: m.From, Message: msg})
	if err != nil {
		return err
	}
	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: defaultMailTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(m.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+m.APIKey)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
