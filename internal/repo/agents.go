package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"bakeoff/internal/domain"
)

const agentColumns = `id,name,COALESCE(description,''),key_hash,status,bakes_attempted,bakes_won,total_earnings,owner_user_id,last_upload_at,last_bake_created_at,created_at,updated_at`

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	var owner, lastUpload, lastBake sql.NullString
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.KeyHash, &a.Status, &a.BakesAttempted, &a.BakesWon,
		&a.TotalEarnings, &owner, &lastUpload, &lastBake, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.OwnerUserID = stringPtr(owner)
	a.LastUploadAt = stringPtr(lastUpload)
	a.LastBakeCreatedAt = stringPtr(lastBake)
	return a, nil
}

// InsertAgent stores an agent. KeyHash must already contain the hashed key.
func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	if a.ID == "" {
		return errors.New("id required")
	}
	if a.KeyHash == "" {
		return errors.New("key_hash required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(id,name,description,key_hash,status,owner_user_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, nullable(a.Description), a.KeyHash, a.Status, nullableStringPtr(a.OwnerUserID), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, q Querier, id string) (domain.Agent, error) {
	return scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

// GetAgentByKeyHash returns the agent holding the hashed key.
func (r Repo) GetAgentByKeyHash(ctx context.Context, hash string) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE key_hash=? LIMIT 1`, hash))
}

func (r Repo) AgentNameTaken(ctx context.Context, name string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE name=? LIMIT 1`, strings.TrimSpace(name)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ListAgents returns agents, optionally filtered by owning user.
func (r Repo) ListAgents(ctx context.Context, ownerUserID string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if ownerUserID != "" {
		query += ` WHERE owner_user_id=?`
		args = append(args, ownerUserID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAgentDescription(ctx context.Context, id, description, now string) error {
	return expectOne(r.DB.ExecContext(ctx, `UPDATE agents SET description=?, updated_at=? WHERE id=?`, nullable(description), now, id))
}

func (r Repo) SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus, now string) error {
	return expectOne(r.DB.ExecContext(ctx, `UPDATE agents SET status=?, updated_at=? WHERE id=?`, status, now, id))
}

func (r Repo) SetAgentKeyHash(ctx context.Context, id, hash, now string) error {
	return expectOne(r.DB.ExecContext(ctx, `UPDATE agents SET key_hash=?, updated_at=? WHERE id=?`, hash, now, id))
}

func (r Repo) IncrementAttempted(ctx context.Context, tx *sql.Tx, agentID, now string) error {
	return expectOne(tx.ExecContext(ctx, `UPDATE agents SET bakes_attempted=bakes_attempted+1, updated_at=? WHERE id=?`, now, agentID))
}

func (r Repo) RecordWin(ctx context.Context, tx *sql.Tx, agentID string, bounty int64, now string) error {
	return expectOne(tx.ExecContext(ctx, `UPDATE agents SET bakes_won=bakes_won+1, total_earnings=total_earnings+?, updated_at=? WHERE id=?`,
		bounty, now, agentID))
}

// ClaimUploadSlot sets last_upload_at to now only if the previous upload is
// older than notAfter. It reports whether the slot was claimed.
func (r Repo) ClaimUploadSlot(ctx context.Context, agentID, now, notAfter string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET last_upload_at=? WHERE id=? AND (last_upload_at IS NULL OR last_upload_at<=?)`,
		now, agentID, notAfter)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimBakeSlot is ClaimUploadSlot for last_bake_created_at, inside tx.
func (r Repo) ClaimBakeSlot(ctx context.Context, tx *sql.Tx, agentID, now, notAfter string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET last_bake_created_at=? WHERE id=? AND (last_bake_created_at IS NULL OR last_bake_created_at<=?)`,
		now, agentID, notAfter)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
