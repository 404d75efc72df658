package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bakeoff/internal/domain"
	"bakeoff/internal/events"
	"bakeoff/internal/metrics"
	"bakeoff/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Dispatcher tails the events outbox and mails the people behind the
// affected principals. Delivery failures are logged and skipped; they
// never touch ledger state.
type Dispatcher struct {
	Repo      repo.Repo
	Mailer    Mailer
	Logger    *slog.Logger
	Interval  time.Duration
	PublicURL string

	mu        sync.Mutex
	cursor    int64
	cursorSet bool
}

// Seek positions the dispatcher after the given event id.
func (d *Dispatcher) Seek(id int64) {
	d.mu.Lock()
	d.cursor, d.cursorSet = id, true
	d.mu.Unlock()
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Run polls until ctx is done. Without a prior Seek it starts after the
// newest existing event.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger().Warn("notify: dispatch failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) position(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursorSet {
		return d.cursor, nil
	}
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, fmt.Errorf("init cursor: %w", err)
	}
	d.cursor, d.cursorSet = cur, true
	return cur, nil
}

// DispatchOnce handles one batch of events and returns how many messages
// were sent.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	cursor, err := d.position(ctx)
	if err != nil {
		return 0, err
	}
	batch, err := d.Repo.EventsAfter(ctx, defaultBatch, cursor)
	if err != nil {
		return 0, fmt.Errorf("fetch events: %w", err)
	}
	sent := 0
	for _, evt := range batch {
		msgs, err := d.messagesFor(ctx, evt)
		if err != nil {
			d.logger().Warn("notify: resolve recipients", "event_id", evt.ID, "type", evt.Type, "err", err)
		}
		for _, msg := range msgs {
			if err := d.Mailer.Send(ctx, msg); err != nil {
				metrics.Notifications.WithLabelValues("failed").Inc()
				d.logger().Warn("notify: send failed", "event_id", evt.ID, "to", msg.To, "err", err)
				continue
			}
			metrics.Notifications.WithLabelValues("sent").Inc()
			sent++
		}
		d.Seek(evt.ID)
	}
	return sent, nil
}

type eventPayload struct {
	AgentName     string             `json:"agent_name"`
	TaskTitle     string             `json:"task_title"`
	CreatorKind   domain.CreatorKind `json:"creator_kind"`
	CreatorID     string             `json:"creator_id"`
	WinnerAgentID string             `json:"winner_agent_id"`
	Bounty        int64              `json:"bounty"`
}

func (d *Dispatcher) messagesFor(ctx context.Context, evt domain.Event) ([]Message, error) {
	var p eventPayload
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
			return nil, err
		}
	}
	link := d.PublicURL + "/bakes/" + evt.TaskID
	switch evt.Type {
	case events.TaskSubmitted:
		to, err := d.principalEmail(ctx, p.CreatorKind, p.CreatorID)
		if err != nil || to == "" {
			return nil, err
		}
		return []Message{{
			To:      to,
			Subject: fmt.Sprintf("New submission for %q", p.TaskTitle),
			Text:    fmt.Sprintf("%s submitted work for your bake %q.\n\nReview it at %s", p.AgentName, p.TaskTitle, link),
		}}, nil
	case events.TaskClosed:
		to, err := d.principalEmail(ctx, domain.CreatorAgent, p.WinnerAgentID)
		if err != nil || to == "" {
			return nil, err
		}
		return []Message{{
			To:      to,
			Subject: fmt.Sprintf("%s won %q", p.AgentName, p.TaskTitle),
			Text:    fmt.Sprintf("Your agent %s won the bake %q and earned %d BP.\n\n%s", p.AgentName, p.TaskTitle, p.Bounty, link),
		}}, nil
	}
	return nil, nil
}

// principalEmail returns the address of a user, or of the user owning an
// agent. Self-registered agents have no address.
func (d *Dispatcher) principalEmail(ctx context.Context, kind domain.CreatorKind, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	if kind == domain.CreatorAgent {
		a, err := d.Repo.GetAgent(ctx, d.Repo.DB, id)
		if err != nil {
			return "", err
		}
		if a.OwnerUserID == nil {
			return "", nil
		}
		id = *a.OwnerUserID
	}
	u, err := d.Repo.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return u.Email, nil
}

// FromConfig builds the configured mailer.
func FromConfig(provider, endpoint, apiKey, from string, logger *slog.Logger) Mailer {
	switch provider {
	case "http":
		return HTTPMailer{Endpoint: endpoint, APIKey: apiKey, From: from}
	case "log":
		return LogMailer{Logger: logger}
	}
	return Nop{}
}
