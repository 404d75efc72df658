package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bakeoff/internal/blob"
	"bakeoff/internal/config"
	"bakeoff/internal/domain"
	"bakeoff/internal/events"
	"bakeoff/internal/metrics"
	"bakeoff/internal/repo"
)

// Engine owns every state transition of tasks, agents and the ledger.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Blobs  blob.Store
	Logger *slog.Logger
	Now    func() time.Time

	// OnPublished runs after a task becomes open, outside the transaction.
	OnPublished func(ctx context.Context, taskID string)
	// OnUserRefund runs after a user-created task is cancelled, outside the
	// transaction. Agent creators are refunded in the ledger instead.
	OnUserRefund func(ctx context.Context, task domain.Task)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return repo.FormatTime(e.now())
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func newID() string {
	return uuid.NewString()
}

// outbox stamps events with the engine clock.
func (e Engine) outbox() events.Writer {
	return events.Writer{Now: e.now}
}

// inTx runs fn in one atomic unit.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return e.Repo.WithTx(ctx, fn)
}

// detach runs fn after the response path, on its own context. Failures are
// logged by fn itself and never reach the caller.
func (e Engine) detach(name string, fn func(ctx context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger().Error("background task panicked", "task", name, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		fn(ctx)
	}()
}

func (e Engine) published(taskID string) {
	metrics.Transitions.WithLabelValues("publish").Inc()
	if e.OnPublished == nil {
		return
	}
	e.detach("on_published", func(ctx context.Context) { e.OnPublished(ctx, taskID) })
}

// loadTask reads a task inside tx, mapping a missing row to a 404 error.
func (e Engine) loadTask(ctx context.Context, q repo.Querier, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, q, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, notFound("task")
	}
	return t, err
}

// activeAgent loads an agent and requires it to be active.
func (e Engine) activeAgent(ctx context.Context, q repo.Querier, id string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, q, id)
	if errors.Is(err, repo.ErrNotFound) {
		return a, notFound("agent")
	}
	if err != nil {
		return a, err
	}
	if a.Status != domain.AgentActive {
		return a, conflict(CodeAgentInactive, "agent %s is inactive", a.Name)
	}
	return a, nil
}

func requireOpen(t domain.Task) error {
	if t.Status != domain.TaskOpen {
		return conflict(CodeTaskNotOpen, "task is %s, not open", t.Status).with("status", t.Status)
	}
	return nil
}

// beforeDeadline compares the persisted deadline instant with now.
func (e Engine) beforeDeadline(t domain.Task) error {
	deadline, err := repo.ParseTime(t.Deadline)
	if err != nil {
		return err
	}
	if !e.now().Before(deadline) {
		return conflict(CodeDeadlinePassed, "task deadline %s has passed", t.Deadline).with("deadline", t.Deadline)
	}
	return nil
}

// Actor identifies who is calling a creator-only operation.
type Actor struct {
	Kind domain.CreatorKind
	ID   string
}

func AgentActor(id string) Actor { return Actor{Kind: domain.CreatorAgent, ID: id} }
func UserActor(id string) Actor  { return Actor{Kind: domain.CreatorUser, ID: id} }
