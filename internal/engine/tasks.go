package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"bakeoff/internal/domain"
	"bakeoff/internal/events"
	"bakeoff/internal/repo"
)

// TaskInput carries the editable fields of a task.
type TaskInput struct {
	Title       string
	Description string
	Category    string
	Bounty      int64
	TargetRepo  string
	Deadline    time.Time
	Attachments []domain.Attachment
}

const maxAttachments = 10

func (e Engine) validateTask(in *TaskInput) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Category = strings.ToLower(strings.TrimSpace(in.Category))
	if n := utf8.RuneCountInString(in.Title); n < 3 || n > 200 {
		return invalid("title must be 3-200 characters")
	}
	if n := utf8.RuneCountInString(in.Description); n < 1 || n > 20000 {
		return invalid("description must be 1-20000 characters")
	}
	if !domain.ValidCategory(in.Category) {
		return invalid("category must be one of %s", strings.Join(domain.Categories, ", ")).with("allowed", domain.Categories)
	}
	if in.Bounty < e.Config.Ledger.MinBounty {
		return invalid("bounty must be at least %d", e.Config.Ledger.MinBounty)
	}
	if in.Deadline.IsZero() || !in.Deadline.After(e.now()) {
		return invalid("deadline must be in the future")
	}
	if in.TargetRepo != "" {
		repoPath, err := normalizeTargetRepo(in.TargetRepo)
		if err != nil {
			return err
		}
		in.TargetRepo = repoPath
	}
	if len(in.Attachments) > maxAttachments {
		return invalid("at most %d attachments are allowed", maxAttachments)
	}
	for _, a := range in.Attachments {
		if a.Filename == "" || a.URL == "" {
			return invalid("attachments need filename and url")
		}
	}
	return nil
}

func (e Engine) newTask(kind domain.CreatorKind, creatorID string, in TaskInput, status domain.TaskStatus) domain.Task {
	now := e.stamp()
	t := domain.Task{
		ID:          newID(),
		CreatorKind: kind,
		CreatorID:   creatorID,
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Bounty:      in.Bounty,
		TargetRepo:  in.TargetRepo,
		Deadline:    repo.FormatTime(in.Deadline),
		Status:      status,
		Attachments: in.Attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Attachments == nil {
		t.Attachments = []domain.Attachment{}
	}
	if status == domain.TaskOpen {
		t.PublishedAt = &now
	}
	return t
}

// CreateDraft stores a human-created task awaiting payment.
func (e Engine) CreateDraft(ctx context.Context, userID string, in TaskInput) (domain.Task, error) {
	if err := e.validateTask(&in); err != nil {
		return domain.Task{}, err
	}
	t := e.newTask(domain.CreatorUser, userID, in, domain.TaskDraft)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return err
		}
		return e.outbox().Append(ctx, tx, events.TaskCreated, t.ID, "task", t.ID, userID, events.Payload{"status": t.Status})
	})
	return t, err
}

// CreateAgentTask opens a task paid from the creating agent's balance.
func (e Engine) CreateAgentTask(ctx context.Context, agentID string, in TaskInput) (domain.Task, error) {
	if err := e.validateTask(&in); err != nil {
		return domain.Task{}, err
	}
	t := e.newTask(domain.CreatorAgent, agentID, in, domain.TaskOpen)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.activeAgent(ctx, tx, agentID); err != nil {
			return err
		}
		if interval := e.Config.Limits.BakeCreateInterval; interval > 0 {
			notAfter := repo.FormatTime(e.now().Add(-interval))
			ok, err := e.Repo.ClaimBakeSlot(ctx, tx, agentID, t.CreatedAt, notAfter)
			if err != nil {
				return err
			}
			if !ok {
				return newError(KindRateLimited, CodeThrottled, "an agent may create one task every %s", interval).
					with("retry_after_seconds", int(interval.Seconds()))
			}
		}
		balance, err := e.Repo.Balance(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if balance < in.Bounty {
			return conflict(CodeInsufficientBalance, "balance %d is below bounty %d", balance, in.Bounty).
				with("balance", balance)
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return err
		}
		taskID := t.ID
		if err := e.Repo.InsertTransaction(ctx, tx, domain.Transaction{
			ID: newID(), AgentID: agentID, TaskID: &taskID, Type: domain.TxBakeCreated, Amount: -in.Bounty, CreatedAt: t.CreatedAt,
		}); err != nil {
			return err
		}
		return e.outbox().Append(ctx, tx, events.TaskCreated, t.ID, "task", t.ID, agentID, events.Payload{"status": t.Status, "bounty": t.Bounty})
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.published(t.ID)
	return t, nil
}

// TaskPatch holds optional draft edits.
type TaskPatch struct {
	Title       *string
	Description *string
	Category    *string
	Bounty      *int64
	TargetRepo  *string
	Deadline    *time.Time
	Attachments *[]domain.Attachment
}

func (e Engine) ownedDraft(ctx context.Context, q repo.Querier, userID, taskID string) (domain.Task, error) {
	t, err := e.loadTask(ctx, q, taskID)
	if err != nil {
		return t, err
	}
	if !t.CreatedBy(domain.CreatorUser, userID) {
		return t, forbidden(CodeNotCreator, "only the task creator may modify it")
	}
	if t.Status != domain.TaskDraft {
		return t, conflict(CodeTaskNotDraft, "task is %s; only drafts can be edited", t.Status).with("status", t.Status)
	}
	return t, nil
}

func (e Engine) UpdateDraft(ctx context.Context, userID, taskID string, p TaskPatch) (domain.Task, error) {
	var out domain.Task
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		t, err := e.ownedDraft(ctx, tx, userID, taskID)
		if err != nil {
			return err
		}
		deadline, err := repo.ParseTime(t.Deadline)
		if err != nil {
			return err
		}
		in := TaskInput{
			Title: t.Title, Description: t.Description, Category: t.Category, Bounty: t.Bounty,
			TargetRepo: t.TargetRepo, Deadline: deadline, Attachments: t.Attachments,
		}
		if p.Title != nil {
			in.Title = *p.Title
		}
		if p.Description != nil {
			in.Description = *p.Description
		}
		if p.Category != nil {
			in.Category = *p.Category
		}
		if p.Bounty != nil {
			in.Bounty = *p.Bounty
		}
		if p.TargetRepo != nil {
			in.TargetRepo = *p.TargetRepo
		}
		if p.Deadline != nil {
			in.Deadline = *p.Deadline
		}
		if p.Attachments != nil {
			in.Attachments = *p.Attachments
		}
		if err := e.validateTask(&in); err != nil {
			return err
		}
		t.Title, t.Description, t.Category, t.Bounty = in.Title, in.Description, in.Category, in.Bounty
		t.TargetRepo, t.Deadline, t.Attachments = in.TargetRepo, repo.FormatTime(in.Deadline), in.Attachments
		t.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateDraft(ctx, tx, t); err != nil {
			if errors.Is(err, repo.ErrStatusChanged) {
				return conflict(CodeTaskNotDraft, "task is no longer a draft")
			}
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (e Engine) DeleteDraft(ctx context.Context, userID, taskID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.ownedDraft(ctx, tx, userID, taskID); err != nil {
			return err
		}
		if err := e.Repo.DeleteDraft(ctx, tx, taskID); err != nil {
			if errors.Is(err, repo.ErrStatusChanged) {
				return conflict(CodeTaskNotDraft, "task is no longer a draft")
			}
			return err
		}
		return nil
	})
}

// DraftForCheckout returns an owned draft ready for a payment session.
func (e Engine) DraftForCheckout(ctx context.Context, userID, taskID string) (domain.Task, error) {
	return e.ownedDraft(ctx, e.DB, userID, taskID)
}

// AttachCheckout records the payment session created for a draft.
func (e Engine) AttachCheckout(ctx context.Context, taskID, sessionID string) error {
	err := e.Repo.SetCheckoutSession(ctx, taskID, sessionID, e.stamp())
	if errors.Is(err, repo.ErrStatusChanged) {
		return conflict(CodeTaskNotDraft, "task is no longer a draft")
	}
	return err
}

// PublishTask is the payment-confirmed draft->open transition. It is
// idempotent: a task that already left draft is returned unchanged with
// changed=false.
func (e Engine) PublishTask(ctx context.Context, taskID string) (domain.Task, bool, error) {
	var out domain.Task
	changed := false
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		t, err := e.loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskDraft {
			out = t
			return nil
		}
		now := e.stamp()
		if err := e.Repo.TransitionTask(ctx, tx, taskID, domain.TaskDraft, domain.TaskOpen, now); err != nil {
			return err
		}
		if err := e.outbox().Append(ctx, tx, events.TaskPublished, taskID, "task", taskID, t.CreatorID, events.Payload{"bounty": t.Bounty}); err != nil {
			return err
		}
		t.Status = domain.TaskOpen
		t.PublishedAt = &now
		t.UpdatedAt = now
		out = t
		changed = true
		return nil
	})
	if err != nil {
		return domain.Task{}, false, err
	}
	if changed {
		e.published(taskID)
	}
	return out, changed, nil
}

func (e Engine) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return e.loadTask(ctx, e.DB, taskID)
}

// TaskView is a task with counts and the viewer's own participation.
type TaskView struct {
	domain.Task
	AcceptanceCount int                 `json:"acceptance_count"`
	SubmissionCount int                 `json:"submission_count"`
	CommentCount    int                 `json:"comment_count"`
	Submissions     []domain.Submission `json:"submissions,omitempty"`
	Acceptances     []domain.Acceptance `json:"acceptances,omitempty"`
	MyAcceptance    *domain.Acceptance  `json:"my_acceptance,omitempty"`
	MySubmission    *domain.Submission  `json:"my_submission,omitempty"`
}

// ViewTask renders a task for a viewer. Drafts are visible only to their
// creator. While a task is open its submissions and acceptance details are
// shown to the creator only.
func (e Engine) ViewTask(ctx context.Context, viewer Actor, taskID string) (TaskView, error) {
	t, err := e.loadTask(ctx, e.DB, taskID)
	if err != nil {
		return TaskView{}, err
	}
	isCreator := t.CreatedBy(viewer.Kind, viewer.ID)
	if t.Status == domain.TaskDraft && !isCreator {
		return TaskView{}, notFound("task")
	}
	v := TaskView{Task: t}
	if v.AcceptanceCount, err = e.Repo.CountAcceptances(ctx, taskID); err != nil {
		return v, err
	}
	if v.SubmissionCount, err = e.Repo.CountSubmissions(ctx, e.DB, taskID); err != nil {
		return v, err
	}
	if v.CommentCount, err = e.Repo.CountComments(ctx, taskID); err != nil {
		return v, err
	}
	subs, err := e.Repo.ListSubmissionsByTask(ctx, taskID)
	if err != nil {
		return v, err
	}
	if isCreator || t.Status.Terminal() {
		v.Submissions = subs
	}
	if isCreator {
		accs, err := e.Repo.ListAcceptances(ctx, taskID)
		if err != nil {
			return v, err
		}
		v.Acceptances = accs
		return v, nil
	}
	if viewer.Kind != domain.CreatorAgent {
		return v, nil
	}
	acc, err := e.Repo.GetAcceptance(ctx, e.DB, taskID, viewer.ID)
	switch {
	case err == nil:
		v.MyAcceptance = &acc
	case !errors.Is(err, repo.ErrNotFound):
		return v, err
	}
	for i := range subs {
		if subs[i].AgentID == viewer.ID {
			v.MySubmission = &subs[i]
		}
	}
	return v, nil
}

// ListOpen pages open tasks newest first. since limits to tasks published
// after that instant.
func (e Engine) ListOpen(ctx context.Context, category string, since time.Time, limit, offset int) ([]domain.Task, error) {
	f := repo.TaskFilters{Status: domain.TaskOpen, Category: category, Limit: clampLimit(limit), Offset: max(offset, 0)}
	if !since.IsZero() {
		f.Since = repo.FormatTime(since)
	}
	return e.Repo.ListTasks(ctx, f)
}

// ListCreated pages tasks created by a principal, in any status.
func (e Engine) ListCreated(ctx context.Context, creator Actor, status domain.TaskStatus, limit, offset int) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, repo.TaskFilters{
		Status: status, CreatorKind: creator.Kind, CreatorID: creator.ID, Limit: clampLimit(limit), Offset: max(offset, 0),
	})
}

// Submissions returns every submission of a task to its creator.
func (e Engine) Submissions(ctx context.Context, viewer Actor, taskID string) ([]domain.Submission, error) {
	t, err := e.loadTask(ctx, e.DB, taskID)
	if err != nil {
		return nil, err
	}
	if !t.CreatedBy(viewer.Kind, viewer.ID) {
		return nil, forbidden(CodeNotCreator, "only the task creator may review submissions")
	}
	return e.Repo.ListSubmissionsByTask(ctx, taskID)
}

func (e Engine) MySubmissions(ctx context.Context, agentID string, limit, offset int) ([]repo.AgentSubmission, error) {
	return e.Repo.ListSubmissionsByAgent(ctx, agentID, clampLimit(limit), max(offset, 0))
}

// SetResearch stores the enrichment state of a task.
func (e Engine) SetResearch(ctx context.Context, taskID string, rs domain.Research) error {
	rs.UpdatedAt = e.stamp()
	return e.Repo.SetResearch(ctx, taskID, rs)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 20
	case limit > 100:
		return 100
	}
	return limit
}
