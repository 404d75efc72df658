package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bakeoff/internal/domain"
)

// ErrStatusChanged is returned when a compare-and-swap on tasks.status
// finds a different current status than expected.
var ErrStatusChanged = errors.New("task status changed concurrently")

const taskColumns = `id,creator_kind,creator_id,title,description,category,bounty,COALESCE(target_repo,''),deadline,status,attachments_json,
winner_submission_id,winner_agent_id,checkout_session_id,research_json,published_at,closed_at,created_at,updated_at`

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var attachments string
	var winnerSub, winnerAgent, checkout, research, published, closed sql.NullString
	err := row.Scan(&t.ID, &t.CreatorKind, &t.CreatorID, &t.Title, &t.Description, &t.Category, &t.Bounty, &t.TargetRepo,
		&t.Deadline, &t.Status, &attachments, &winnerSub, &winnerAgent, &checkout, &research, &published, &closed,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Attachments = []domain.Attachment{}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &t.Attachments); err != nil {
			return t, fmt.Errorf("decode attachments for task %s: %w", t.ID, err)
		}
	}
	if research.Valid && research.String != "" {
		var rs domain.Research
		if err := json.Unmarshal([]byte(research.String), &rs); err == nil {
			t.Research = &rs
		}
	}
	t.WinnerSubmissionID = stringPtr(winnerSub)
	t.WinnerAgentID = stringPtr(winnerAgent)
	t.CheckoutSessionID = stringPtr(checkout)
	t.PublishedAt = stringPtr(published)
	t.ClosedAt = stringPtr(closed)
	return t, nil
}

func marshalAttachments(list []domain.Attachment) (string, error) {
	if list == nil {
		list = []domain.Attachment{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	attachments, err := marshalAttachments(t.Attachments)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,creator_kind,creator_id,title,description,category,bounty,target_repo,deadline,status,attachments_json,published_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CreatorKind, t.CreatorID, t.Title, t.Description, t.Category, t.Bounty, nullable(t.TargetRepo), t.Deadline,
		t.Status, attachments, nullableStringPtr(t.PublishedAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, q Querier, id string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// UpdateDraft rewrites the editable fields of a task that is still a draft.
func (r Repo) UpdateDraft(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	attachments, err := marshalAttachments(t.Attachments)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, category=?, bounty=?, target_repo=?, deadline=?, attachments_json=?, updated_at=?
WHERE id=? AND status='draft'`,
		t.Title, t.Description, t.Category, t.Bounty, nullable(t.TargetRepo), t.Deadline, attachments, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	return casResult(res)
}

// DeleteDraft hard-deletes a draft task.
func (r Repo) DeleteDraft(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=? AND status='draft'`, id)
	if err != nil {
		return err
	}
	return casResult(res)
}

// TransitionTask moves a task from one status to another with a
// compare-and-swap on the current status. closedAt/publishedAt are stamped
// according to the target state.
func (r Repo) TransitionTask(ctx context.Context, tx *sql.Tx, id string, from, to domain.TaskStatus, now string) error {
	var query string
	switch to {
	case domain.TaskOpen:
		query = `UPDATE tasks SET status=?, published_at=?, updated_at=? WHERE id=? AND status=?`
	case domain.TaskCancelled:
		query = `UPDATE tasks SET status=?, closed_at=?, updated_at=? WHERE id=? AND status=?`
	default:
		return fmt.Errorf("transition to %s requires a dedicated write", to)
	}
	res, err := tx.ExecContext(ctx, query, to, now, now, id, from)
	if err != nil {
		return err
	}
	return casResult(res)
}

// CloseWithWinner is the open->closed compare-and-swap.
func (r Repo) CloseWithWinner(ctx context.Context, tx *sql.Tx, id, submissionID, agentID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='closed', winner_submission_id=?, winner_agent_id=?, closed_at=?, updated_at=?
WHERE id=? AND status='open'`, submissionID, agentID, now, now, id)
	if err != nil {
		return err
	}
	return casResult(res)
}

func (r Repo) SetCheckoutSession(ctx context.Context, id, sessionID, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET checkout_session_id=?, updated_at=? WHERE id=? AND status='draft'`, sessionID, now, id)
	if err != nil {
		return err
	}
	return casResult(res)
}

func (r Repo) SetResearch(ctx context.Context, id string, rs domain.Research) error {
	b, err := json.Marshal(rs)
	if err != nil {
		return err
	}
	return expectOne(r.DB.ExecContext(ctx, `UPDATE tasks SET research_json=? WHERE id=?`, string(b), id))
}

func casResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusChanged
	}
	return nil
}

type TaskFilters struct {
	Status      domain.TaskStatus
	Category    string
	CreatorKind domain.CreatorKind
	CreatorID   string
	// Since restricts to tasks published strictly after this timestamp.
	Since  string
	Limit  int
	Offset int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.CreatorKind != "" {
		clauses = append(clauses, "creator_kind=? AND creator_id=?")
		args = append(args, f.CreatorKind, f.CreatorID)
	}
	if f.Since != "" {
		clauses = append(clauses, "published_at>?")
		args = append(args, f.Since)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY COALESCE(published_at, created_at) DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListExpiredOpen returns open tasks whose deadline is at or before now.
func (r Repo) ListExpiredOpen(ctx context.Context, now string, limit int) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status='open' AND deadline<=? ORDER BY deadline ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CategoryRates aggregates bounties of every published task by category.
func (r Repo) CategoryRates(ctx context.Context) ([]domain.CategoryRate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT category, COUNT(*), MIN(bounty), MAX(bounty), AVG(bounty)
FROM tasks WHERE status<>'draft' GROUP BY category ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CategoryRate
	for rows.Next() {
		var cr domain.CategoryRate
		if err := rows.Scan(&cr.Category, &cr.Count, &cr.MinBounty, &cr.MaxBounty, &cr.AvgBounty); err != nil {
			return nil, err
		}
		res = append(res, cr)
	}
	return res, rows.Err()
}
