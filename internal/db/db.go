package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const defaultDBName = "bakeoff.db"

type Config struct {
	// Path is the database file. Empty means <DataDir>/bakeoff.db.
	Path        string
	DataDir     string
	BusyTimeout time.Duration
	MaxOpen     int
}

func (c Config) path() string {
	if c.Path != "" {
		return c.Path
	}
	dir := c.DataDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, defaultDBName)
}

// Open opens the SQLite database in WAL mode with foreign keys on.
// Every transaction begins IMMEDIATE so concurrent writers queue on the
// busy timeout instead of failing on lock upgrade.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 10 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		path, busy.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpen
	if maxOpen <= 0 {
		maxOpen = 8
	}
	conn.SetMaxOpenConns(maxOpen)
	return conn, nil
}

// Path returns the resolved database path.
func Path(cfg Config) string {
	return cfg.path()
}
