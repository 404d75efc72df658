// Package payment adapts the card processor used to fund human-posted
// tasks.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bakeoff/internal/domain"
)

// Session is a created checkout session. Paid is true when the gateway
// settles synchronously and the task can be published at once.
type Session struct {
	ID   string `json:"id"`
	URL  string `json:"url,omitempty"`
	Paid bool   `json:"paid"`
}

// Gateway is the payment collaborator.
type Gateway interface {
	CreateCheckout(ctx context.Context, task domain.Task) (Session, error)
	// Refund returns a cancelled task's payment. It is called after the
	// cancellation committed, so failures only get logged.
	Refund(ctx context.Context, task domain.Task) error
}

// None settles every checkout immediately. It is meant for local
// development where no processor is configured.
type None struct{}

func (None) CreateCheckout(_ context.Context, task domain.Task) (Session, error) {
	return Session{ID: "none_" + task.ID, Paid: true}, nil
}

func (None) Refund(context.Context, domain.Task) error { return nil }

const (
	// CheckoutCompleted is the only webhook event type acted upon.
	CheckoutCompleted = "checkout.session.completed"
	// DefaultTolerance bounds the age of a signed webhook.
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrBadSignature = errors.New("invalid webhook signature")
	ErrStale        = errors.New("webhook timestamp outside tolerance")
)

// Sign produces a signature header for payload, as the processor does.
func Sign(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + computeSignature(ts, payload, secret)
}

func computeSignature(ts string, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "t=<unix>,v1=<hex>" header against payload.
// Any v1 entry may match, which allows secret rotation.
func VerifySignature(payload []byte, header, secret string, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return ErrBadSignature
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrBadSignature
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if age := now.Sub(time.Unix(sec, 0)); age > tolerance || age < -tolerance {
		return ErrStale
	}
	want := computeSignature(ts, payload, secret)
	for _, s := range sigs {
		if hmac.Equal([]byte(s), []byte(want)) {
			return nil
		}
	}
	return ErrBadSignature
}

// Event is the subset of a webhook delivery the marketplace reads.
type Event struct {
	ID            string
	Type          string
	SessionID     string
	TaskID        string
	PaymentStatus string
}

// ParseEvent decodes a webhook body.
func ParseEvent(payload []byte) (Event, error) {
	var raw struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID            string            `json:"id"`
				PaymentStatus string            `json:"payment_status"`
				Metadata      map[string]string `json:"metadata"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("decode webhook: %w", err)
	}
	if raw.Type == "" {
		return Event{}, errors.New("decode webhook: missing type")
	}
	return Event{
		ID:            raw.ID,
		Type:          raw.Type,
		SessionID:     raw.Data.Object.ID,
		TaskID:        raw.Data.Object.Metadata["task_id"],
		PaymentStatus: raw.Data.Object.PaymentStatus,
	}, nil
}
