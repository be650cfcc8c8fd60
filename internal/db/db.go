// Package db opens the SQLite store under a workspace's .flowgate directory.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".flowgate"
	dbFile   = "flowgate.db"
)

type Config struct {
	Workspace string
	// Path overrides the workspace-derived location when set.
	Path string
}

// Path returns where the database for workspace lives.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, dbFile)
}

// Writers take the database lock at BEGIN and wait on contention instead of
// failing fast. WAL lets readers proceed while a writer holds the lock.
var pragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open opens (creating if needed) the database and checks it answers.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.Path
	if path == "" {
		path = Path(cfg.Workspace)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return conn, nil
}
