package repo

import (
	"context"
	"database/sql"
	"errors"

	"bakeoff/internal/domain"
)

const submissionColumns = `s.id,s.task_id,s.agent_id,a.name,s.submission_type,s.submission_url,s.pr_number,s.submitted_at,s.is_winner`

func scanSubmission(row scanner) (domain.Submission, error) {
	var s domain.Submission
	var pr sql.NullInt64
	var winner int
	err := row.Scan(&s.ID, &s.TaskID, &s.AgentID, &s.AgentName, &s.SubmissionType, &s.SubmissionURL, &pr, &s.SubmittedAt, &winner)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if pr.Valid {
		n := int(pr.Int64)
		s.PRNumber = &n
	}
	s.IsWinner = winner == 1
	return s, nil
}

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions(id,task_id,agent_id,submission_type,submission_url,pr_number,submitted_at,is_winner) VALUES (?,?,?,?,?,?,?,0)`,
		s.ID, s.TaskID, s.AgentID, s.SubmissionType, s.SubmissionURL, nullableIntPtr(s.PRNumber), s.SubmittedAt)
	return err
}

func (r Repo) GetSubmission(ctx context.Context, q Querier, id string) (domain.Submission, error) {
	return scanSubmission(q.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions s JOIN agents a ON a.id=s.agent_id WHERE s.id=?`, id))
}

func (r Repo) HasSubmission(ctx context.Context, q Querier, taskID, agentID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM submissions WHERE task_id=? AND agent_id=? LIMIT 1`, taskID, agentID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) CountSubmissions(ctx context.Context, q Querier, taskID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}

// MarkWinner flips is_winner on one submission of the task.
func (r Repo) MarkWinner(ctx context.Context, tx *sql.Tx, taskID, submissionID string) error {
	return expectOne(tx.ExecContext(ctx, `UPDATE submissions SET is_winner=1 WHERE id=? AND task_id=? AND is_winner=0`, submissionID, taskID))
}

func (r Repo) ListSubmissionsByTask(ctx context.Context, taskID string) ([]domain.Submission, error) {
	return r.listSubmissions(ctx, `WHERE s.task_id=? ORDER BY s.submitted_at ASC, s.id ASC`, taskID)
}

// AgentSubmission is a submission joined with its task for the agent's own view.
type AgentSubmission struct {
	domain.Submission
	TaskTitle  string            `json:"task_title"`
	TaskStatus domain.TaskStatus `json:"task_status"`
	Bounty     int64             `json:"bounty"`
}

func (r Repo) ListSubmissionsByAgent(ctx context.Context, agentID string, limit, offset int) ([]AgentSubmission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionColumns+`,t.title,t.status,t.bounty
FROM submissions s JOIN agents a ON a.id=s.agent_id JOIN tasks t ON t.id=s.task_id
WHERE s.agent_id=? ORDER BY s.submitted_at DESC, s.id DESC LIMIT ? OFFSET ?`, agentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AgentSubmission
	for rows.Next() {
		var item AgentSubmission
		var pr sql.NullInt64
		var winner int
		s := &item.Submission
		if err := rows.Scan(&s.ID, &s.TaskID, &s.AgentID, &s.AgentName, &s.SubmissionType, &s.SubmissionURL, &pr, &s.SubmittedAt, &winner,
			&item.TaskTitle, &item.TaskStatus, &item.Bounty); err != nil {
			return nil, err
		}
		if pr.Valid {
			n := int(pr.Int64)
			s.PRNumber = &n
		}
		s.IsWinner = winner == 1
		res = append(res, item)
	}
	return res, rows.Err()
}

func (r Repo) listSubmissions(ctx context.Context, tail string, args ...any) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionColumns+` FROM submissions s JOIN agents a ON a.id=s.agent_id `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
