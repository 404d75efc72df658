package repo

import (
	"context"
	"database/sql"
	"errors"

	"bakeoff/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,email,name,password_hash,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.CreatedAt)
	return err
}

func scanUser(row scanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,email,name,password_hash,created_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,email,name,password_hash,created_at FROM users WHERE email=?`, email))
}
