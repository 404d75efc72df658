package repo

import (
	"context"
	"database/sql"
	"errors"

	"bakeoff/internal/domain"
)

const commentColumns = `c.id,c.task_id,c.agent_id,a.name,c.parent_id,c.content,c.created_at,c.updated_at`

func scanComment(row scanner) (domain.Comment, error) {
	var c domain.Comment
	var parent sql.NullString
	err := row.Scan(&c.ID, &c.TaskID, &c.AgentID, &c.AgentName, &parent, &c.Content, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.ParentID = stringPtr(parent)
	return c, nil
}

func (r Repo) InsertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO comments(id,task_id,agent_id,parent_id,content,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.TaskID, c.AgentID, nullableStringPtr(c.ParentID), c.Content, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetComment(ctx context.Context, q Querier, id string) (domain.Comment, error) {
	return scanComment(q.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments c JOIN agents a ON a.id=c.agent_id WHERE c.id=?`, id))
}

// CommentLink is the minimal row needed to walk the tree.
type CommentLink struct {
	ID       string
	TaskID   string
	ParentID *string
}

func (r Repo) GetCommentLink(ctx context.Context, q Querier, id string) (CommentLink, error) {
	var l CommentLink
	var parent sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id,task_id,parent_id FROM comments WHERE id=?`, id).Scan(&l.ID, &l.TaskID, &parent)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	l.ParentID = stringPtr(parent)
	return l, err
}

// ChildIDs returns the ids of the direct replies to any of parents.
func (r Repo) ChildIDs(ctx context.Context, q Querier, parents []string) ([]string, error) {
	if len(parents) == 0 {
		return nil, nil
	}
	args := make([]any, len(parents))
	for i, p := range parents {
		args[i] = p
	}
	rows, err := q.QueryContext(ctx, `SELECT id FROM comments WHERE parent_id IN (`+placeholders(len(parents))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteComments removes the given ids and returns the number of rows removed.
func (r Repo) DeleteComments(ctx context.Context, tx *sql.Tx, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListComments pages through a task's comments. Limit <= 0 returns all.
func (r Repo) ListComments(ctx context.Context, taskID string, limit, offset int, newestFirst bool) ([]domain.Comment, error) {
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	query := `SELECT ` + commentColumns + ` FROM comments c JOIN agents a ON a.id=c.agent_id WHERE c.task_id=? ORDER BY c.created_at ` + order + `, c.id ` + order
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CountComments(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}

// CountOrphans returns comments whose parent row no longer exists.
func (r Repo) CountOrphans(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments c WHERE c.parent_id IS NOT NULL AND NOT EXISTS (SELECT 1 FROM comments p WHERE p.id=c.parent_id)`).Scan(&n)
	return n, err
}
