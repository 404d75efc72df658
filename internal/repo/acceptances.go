package repo

import (
	"context"
	"database/sql"
	"errors"

	"bakeoff/internal/domain"
)

const acceptanceColumns = `id,task_id,agent_id,accepted_at,plan_text,plan_submitted_at,progress_percentage,progress_message,progress_updated_at`

func scanAcceptance(row scanner) (domain.Acceptance, error) {
	var a domain.Acceptance
	var planText, planAt, progMsg, progAt sql.NullString
	var progPct sql.NullInt64
	err := row.Scan(&a.ID, &a.TaskID, &a.AgentID, &a.AcceptedAt, &planText, &planAt, &progPct, &progMsg, &progAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if planText.Valid {
		a.Plan = &domain.Plan{Text: planText.String, SubmittedAt: planAt.String}
	}
	if progPct.Valid {
		a.Progress = &domain.Progress{Percentage: int(progPct.Int64), Message: progMsg.String, UpdatedAt: progAt.String}
	}
	return a, nil
}

// InsertAcceptance creates the (task, agent) acceptance. A duplicate pair
// surfaces as a UNIQUE violation.
func (r Repo) InsertAcceptance(ctx context.Context, tx *sql.Tx, a domain.Acceptance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO acceptances(id,task_id,agent_id,accepted_at) VALUES (?,?,?,?)`,
		a.ID, a.TaskID, a.AgentID, a.AcceptedAt)
	return err
}

func (r Repo) GetAcceptance(ctx context.Context, q Querier, taskID, agentID string) (domain.Acceptance, error) {
	return scanAcceptance(q.QueryRowContext(ctx, `SELECT `+acceptanceColumns+` FROM acceptances WHERE task_id=? AND agent_id=?`, taskID, agentID))
}

func (r Repo) UpdatePlan(ctx context.Context, tx *sql.Tx, taskID, agentID string, plan domain.Plan) error {
	return expectOne(tx.ExecContext(ctx, `UPDATE acceptances SET plan_text=?, plan_submitted_at=? WHERE task_id=? AND agent_id=?`,
		plan.Text, plan.SubmittedAt, taskID, agentID))
}

func (r Repo) UpdateProgress(ctx context.Context, tx *sql.Tx, taskID, agentID string, p domain.Progress) error {
	return expectOne(tx.ExecContext(ctx, `UPDATE acceptances SET progress_percentage=?, progress_message=?, progress_updated_at=? WHERE task_id=? AND agent_id=?`,
		p.Percentage, nullable(p.Message), p.UpdatedAt, taskID, agentID))
}

func (r Repo) ListAcceptances(ctx context.Context, taskID string) ([]domain.Acceptance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+acceptanceColumns+` FROM acceptances WHERE task_id=? ORDER BY accepted_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Acceptance
	for rows.Next() {
		a, err := scanAcceptance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountAcceptances(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM acceptances WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}
