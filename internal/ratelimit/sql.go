package ratelimit

import (
	"context"
	"database/sql"
	"time"
)

// SQLStore keeps counters in the rate_limits table so several instances
// sharing one database see the same windows.
type SQLStore struct {
	DB *sql.DB
}

func (s SQLStore) Incr(ctx context.Context, key string, length time.Duration, now time.Time) (int, time.Time, error) {
	nowMS := now.UnixMilli()
	resetMS := now.Add(length).UnixMilli()
	var count int
	var resetAt int64
	err := s.DB.QueryRowContext(ctx, `INSERT INTO rate_limits(key,count,reset_at) VALUES (?,1,?)
ON CONFLICT(key) DO UPDATE SET
  count=CASE WHEN rate_limits.reset_at<=? THEN 1 ELSE rate_limits.count+1 END,
  reset_at=CASE WHEN rate_limits.reset_at<=? THEN excluded.reset_at ELSE rate_limits.reset_at END
RETURNING count, reset_at`, key, resetMS, nowMS, nowMS).Scan(&count, &resetAt)
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, time.UnixMilli(resetAt), nil
}

// Sweep deletes expired windows.
func (s SQLStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM rate_limits WHERE reset_at<=?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
