package repo

import (
	"context"
	"database/sql"
	"strings"

	"bakeoff/internal/domain"
)

// InsertTransaction appends one ledger entry.
func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bp_transactions(id,agent_id,task_id,type,amount,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.AgentID, nullableStringPtr(t.TaskID), t.Type, t.Amount, t.CreatedAt)
	return err
}

// Balance sums every ledger entry of the agent.
func (r Repo) Balance(ctx context.Context, q Querier, agentID string) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM bp_transactions WHERE agent_id=?`, agentID).Scan(&total)
	return total, err
}

type TransactionFilters struct {
	AgentID string
	TaskID  string
	Type    domain.TransactionType
	Limit   int
	Offset  int
}

func (f TransactionFilters) where() (string, []any) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "x.agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "x.task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		clauses = append(clauses, "x.type=?")
		args = append(args, f.Type)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListTransactions returns ledger entries joined with the referenced task title.
func (r Repo) ListTransactions(ctx context.Context, f TransactionFilters) ([]domain.Transaction, error) {
	where, args := f.where()
	query := `SELECT x.id,x.agent_id,x.task_id,t.title,x.type,x.amount,x.created_at
FROM bp_transactions x LEFT JOIN tasks t ON t.id=x.task_id` + where + ` ORDER BY x.created_at DESC, x.id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var taskID, title sql.NullString
		if err := rows.Scan(&t.ID, &t.AgentID, &taskID, &title, &t.Type, &t.Amount, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.TaskID = stringPtr(taskID)
		t.TaskTitle = stringPtr(title)
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTransactions(ctx context.Context, f TransactionFilters) (int, error) {
	where, args := f.where()
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM bp_transactions x`+where, args...).Scan(&n)
	return n, err
}
