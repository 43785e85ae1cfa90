package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Config selects where the event journal lives. An empty Path keeps it in
// memory for the lifetime of the process.
type Config struct {
	Path string
}

func (c Config) inMemory() bool {
	return c.Path == "" || c.Path == ":memory:"
}

func dsn(cfg Config) string {
	if cfg.inMemory() {
		return "file::memory:?_pragma=foreign_keys(1)"
	}
	if strings.HasPrefix(cfg.Path, "file:") {
		return cfg.Path
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", cfg.Path)
}

// Open opens the SQLite journal database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if !cfg.inMemory() && !strings.HasPrefix(cfg.Path, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
	}
	conn, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, err
	}
	// Every pooled connection to :memory: would get its own empty database.
	if cfg.inMemory() {
		conn.SetMaxOpenConns(1)
	}
	return conn, nil
}
