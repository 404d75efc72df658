package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode/utf8"

	"bakeoff/internal/domain"
	"bakeoff/internal/events"
	"bakeoff/internal/metrics"
	"bakeoff/internal/repo"
)

// participant loads the task and agent for accept/submit/plan/progress
// and applies the checks those operations share.
func (e Engine) participant(ctx context.Context, tx *sql.Tx, agentID, taskID string) (domain.Task, domain.Agent, error) {
	agent, err := e.activeAgent(ctx, tx, agentID)
	if err != nil {
		return domain.Task{}, agent, err
	}
	t, err := e.loadTask(ctx, tx, taskID)
	if err != nil {
		return t, agent, err
	}
	if t.Status == domain.TaskDraft {
		return t, agent, notFound("task")
	}
	if t.CreatedBy(domain.CreatorAgent, agentID) {
		return t, agent, forbidden(CodeCreatorForbidden, "the task creator cannot participate in its own task")
	}
	if err := requireOpen(t); err != nil {
		return t, agent, err
	}
	return t, agent, nil
}

// Accept records that the agent commits to attempt the task.
func (e Engine) Accept(ctx context.Context, agentID, taskID string) (domain.Acceptance, error) {
	var acc domain.Acceptance
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		t, _, err := e.participant(ctx, tx, agentID, taskID)
		if err != nil {
			return err
		}
		if err := e.beforeDeadline(t); err != nil {
			return err
		}
		acc = domain.Acceptance{ID: newID(), TaskID: taskID, AgentID: agentID, AcceptedAt: e.stamp()}
		if err := e.Repo.InsertAcceptance(ctx, tx, acc); err != nil {
			if repo.IsUniqueViolation(err) {
				return conflict(CodeAlreadyAccepted, "agent already accepted this task")
			}
			return err
		}
		if err := e.Repo.IncrementAttempted(ctx, tx, agentID, acc.AcceptedAt); err != nil {
			return err
		}
		return e.outbox().Append(ctx, tx, events.TaskAccepted, taskID, "acceptance", acc.ID, agentID, nil)
	})
	if err != nil {
		return domain.Acceptance{}, err
	}
	metrics.Transitions.WithLabelValues("accept").Inc()
	return acc, nil
}

type SubmitInput struct {
	Type domain.SubmissionType
	URL  string
}

// Submit stores the agent's single submission for the task.
func (e Engine) Submit(ctx context.Context, agentID, taskID string, in SubmitInput) (domain.Submission, error) {
	var sub domain.Submission
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		t, agent, err := e.participant(ctx, tx, agentID, taskID)
		if err != nil {
			return err
		}
		if err := e.beforeDeadline(t); err != nil {
			return err
		}
		if _, err := e.Repo.GetAcceptance(ctx, tx, taskID, agentID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return conflict(CodeNotAccepted, "accept the task before submitting")
			}
			return err
		}
		pr, err := validateSubmission(in.Type, in.URL, t.TargetRepo)
		if err != nil {
			return err
		}
		sub = domain.Submission{
			ID:             newID(),
			TaskID:         taskID,
			AgentID:        agentID,
			AgentName:      agent.Name,
			SubmissionType: in.Type,
			SubmissionURL:  strings.TrimSpace(in.URL),
			PRNumber:       pr,
			SubmittedAt:    e.stamp(),
		}
		if err := e.Repo.InsertSubmission(ctx, tx, sub); err != nil {
			if repo.IsUniqueViolation(err) {
				return conflict(CodeAlreadySubmitted, "agent already submitted to this task")
			}
			return err
		}
		return e.outbox().Append(ctx, tx, events.TaskSubmitted, taskID, "submission", sub.ID, agentID, events.Payload{
			"agent_name": agent.Name, "task_title": t.Title, "creator_kind": t.CreatorKind, "creator_id": t.CreatorID,
		})
	})
	if err != nil {
		return domain.Submission{}, err
	}
	metrics.Transitions.WithLabelValues("submit").Inc()
	return sub, nil
}

// editableAcceptance returns the acceptance if the pair has not submitted.
func (e Engine) editableAcceptance(ctx context.Context, tx *sql.Tx, agentID, taskID string) (domain.Acceptance, error) {
	if _, _, err := e.participant(ctx, tx, agentID, taskID); err != nil {
		return domain.Acceptance{}, err
	}
	acc, err := e.Repo.GetAcceptance(ctx, tx, taskID, agentID)
	if errors.Is(err, repo.ErrNotFound) {
		return acc, conflict(CodeNotAccepted, "accept the task first")
	}
	if err != nil {
		return acc, err
	}
	submitted, err := e.Repo.HasSubmission(ctx, tx, taskID, agentID)
	if err != nil {
		return acc, err
	}
	if submitted {
		return acc, conflict(CodeSubmissionLocked, "plan and progress are frozen after submission")
	}
	return acc, nil
}

// SetPlan overwrites the agent's plan for the task.
func (e Engine) SetPlan(ctx context.Context, agentID, taskID, text string) (domain.Acceptance, error) {
	text = strings.TrimSpace(text)
	if n := utf8.RuneCountInString(text); n < 1 || n > 5000 {
		return domain.Acceptance{}, invalid("plan must be 1-5000 characters")
	}
	var acc domain.Acceptance
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if acc, err = e.editableAcceptance(ctx, tx, agentID, taskID); err != nil {
			return err
		}
		acc.Plan = &domain.Plan{Text: text, SubmittedAt: e.stamp()}
		return e.Repo.UpdatePlan(ctx, tx, taskID, agentID, *acc.Plan)
	})
	return acc, err
}

// ReportProgress overwrites the agent's progress for the task.
func (e Engine) ReportProgress(ctx context.Context, agentID, taskID string, percentage int, message string) (domain.Acceptance, error) {
	if percentage < 0 || percentage > 100 {
		return domain.Acceptance{}, invalid("percentage must be between 0 and 100")
	}
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) > 1000 {
		return domain.Acceptance{}, invalid("message must be at most 1000 characters")
	}
	var acc domain.Acceptance
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if acc, err = e.editableAcceptance(ctx, tx, agentID, taskID); err != nil {
			return err
		}
		acc.Progress = &domain.Progress{Percentage: percentage, Message: message, UpdatedAt: e.stamp()}
		return e.Repo.UpdateProgress(ctx, tx, taskID, agentID, *acc.Progress)
	})
	return acc, err
}

func (e Engine) creatorTask(ctx context.Context, q repo.Querier, actor Actor, taskID string) (domain.Task, error) {
	t, err := e.loadTask(ctx, q, taskID)
	if err != nil {
		return t, err
	}
	if !t.CreatedBy(actor.Kind, actor.ID) {
		if t.Status == domain.TaskDraft {
			return t, notFound("task")
		}
		return t, forbidden(CodeNotCreator, "only the task creator may do this")
	}
	return t, nil
}

// statusConflict turns a lost compare-and-swap into a caller error naming
// the state the task moved to.
func (e Engine) statusConflict(ctx context.Context, tx *sql.Tx, taskID string) error {
	t, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return conflict(CodeTaskNotOpen, "task changed state concurrently")
	}
	return conflict(CodeTaskNotOpen, "task was already %s", t.Status).with("status", t.Status)
}

// refund appends a ledger entry returning the bounty to an agent creator.
func (e Engine) refund(ctx context.Context, tx *sql.Tx, t domain.Task, kind domain.TransactionType, now string) error {
	if t.CreatorKind != domain.CreatorAgent {
		return nil
	}
	taskID := t.ID
	return e.Repo.InsertTransaction(ctx, tx, domain.Transaction{
		ID: newID(), AgentID: t.CreatorID, TaskID: &taskID, Type: kind, Amount: t.Bounty, CreatedAt: now,
	})
}

func (e Engine) userRefund(t domain.Task) {
	if t.CreatorKind != domain.CreatorUser || e.OnUserRefund == nil {
		return
	}
	e.detach("user_refund", func(ctx context.Context) { e.OnUserRefund(ctx, t) })
}

// Cancel moves an open task without submissions to cancelled and refunds
// the bounty.
func (e Engine) Cancel(ctx context.Context, actor Actor, taskID string) (domain.Task, error) {
	var out domain.Task
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		t, err := e.creatorTask(ctx, tx, actor, taskID)
		if err != nil {
			return err
		}
		if err := requireOpen(t); err != nil {
			return err
		}
		if err := e.beforeDeadline(t); err != nil {
			return err
		}
		n, err := e.Repo.CountSubmissions(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if n > 0 {
			return conflict(CodeHasSubmissions, "task has %d submissions and can no longer be cancelled", n).with("submissions", n)
		}
		now := e.stamp()
		if err := e.Repo.TransitionTask(ctx, tx, taskID, domain.TaskOpen, domain.TaskCancelled, now); err != nil {
			if errors.Is(err, repo.ErrStatusChanged) {
				return e.statusConflict(ctx, tx, taskID)
			}
			return err
		}
		if err := e.refund(ctx, tx, t, domain.TxBakeCancelled, now); err != nil {
			return err
		}
		if err := e.outbox().Append(ctx, tx, events.TaskCancelled, taskID, "task", taskID, actor.ID, events.Payload{"bounty": t.Bounty}); err != nil {
			return err
		}
		t.Status = domain.TaskCancelled
		t.ClosedAt = &now
		t.UpdatedAt = now
		out = t
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	metrics.Transitions.WithLabelValues("cancel").Inc()
	e.userRefund(out)
	return out, nil
}

// SelectWinner closes the task in favour of one submission and credits
// the bounty to its agent.
func (e Engine) SelectWinner(ctx context.Context, actor Actor, taskID, submissionID string) (domain.Task, error) {
	var out domain.Task
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		t, err := e.creatorTask(ctx, tx, actor, taskID)
		if err != nil {
			return err
		}
		if err := requireOpen(t); err != nil {
			return err
		}
		sub, err := e.Repo.GetSubmission(ctx, tx, submissionID)
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("submission")
		}
		if err != nil {
			return err
		}
		if sub.TaskID != taskID {
			return invalid("submission %s does not belong to this task", submissionID).withCode(CodeSubmissionMismatch)
		}
		if _, err := e.activeAgent(ctx, tx, sub.AgentID); err != nil {
			if IsCode(err, CodeAgentInactive) {
				return conflict(CodeAgentInactive, "the submitting agent is inactive; choose another submission")
			}
			return err
		}
		now := e.stamp()
		if err := e.Repo.CloseWithWinner(ctx, tx, taskID, sub.ID, sub.AgentID, now); err != nil {
			if errors.Is(err, repo.ErrStatusChanged) {
				return e.statusConflict(ctx, tx, taskID)
			}
			return err
		}
		if err := e.Repo.MarkWinner(ctx, tx, taskID, sub.ID); err != nil {
			return err
		}
		if err := e.Repo.InsertTransaction(ctx, tx, domain.Transaction{
			ID: newID(), AgentID: sub.AgentID, TaskID: &t.ID, Type: domain.TxBakeWon, Amount: t.Bounty, CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := e.Repo.RecordWin(ctx, tx, sub.AgentID, t.Bounty, now); err != nil {
			return err
		}
		if err := e.outbox().Append(ctx, tx, events.TaskClosed, taskID, "submission", sub.ID, actor.ID, events.Payload{
			"winner_agent_id": sub.AgentID, "agent_name": sub.AgentName, "bounty": t.Bounty, "task_title": t.Title,
		}); err != nil {
			return err
		}
		t.Status = domain.TaskClosed
		t.WinnerSubmissionID = &sub.ID
		t.WinnerAgentID = &sub.AgentID
		t.ClosedAt = &now
		t.UpdatedAt = now
		out = t
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	metrics.Transitions.WithLabelValues("select_winner").Inc()
	return out, nil
}

// ExpireOverdue cancels open tasks whose deadline passed without any
// submission, refunding agent creators. Tasks with submissions stay open
// for the creator to judge. It returns the number of tasks expired.
func (e Engine) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	due, err := e.Repo.ListExpiredOpen(ctx, e.stamp(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, candidate := range due {
		var done domain.Task
		err := e.inTx(ctx, func(tx *sql.Tx) error {
			t, err := e.Repo.GetTask(ctx, tx, candidate.ID)
			if err != nil {
				return err
			}
			if t.Status != domain.TaskOpen || e.beforeDeadline(t) == nil {
				return nil
			}
			n, err := e.Repo.CountSubmissions(ctx, tx, t.ID)
			if err != nil || n > 0 {
				return err
			}
			now := e.stamp()
			if err := e.Repo.TransitionTask(ctx, tx, t.ID, domain.TaskOpen, domain.TaskCancelled, now); err != nil {
				if errors.Is(err, repo.ErrStatusChanged) {
					return nil
				}
				return err
			}
			if err := e.refund(ctx, tx, t, domain.TxBakeExpired, now); err != nil {
				return err
			}
			if err := e.outbox().Append(ctx, tx, events.TaskExpired, t.ID, "task", t.ID, "system", events.Payload{"bounty": t.Bounty}); err != nil {
				return err
			}
			t.Status = domain.TaskCancelled
			done = t
			return nil
		})
		if err != nil {
			e.logger().Error("expire task", "task_id", candidate.ID, "err", err)
			continue
		}
		if done.ID != "" {
			expired++
			metrics.Transitions.WithLabelValues("expire").Inc()
			e.userRefund(done)
		}
	}
	return expired, nil
}
