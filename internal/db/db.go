package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDirName  = ".changegate"
	defaultDBName = "changegate.db"
)

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDirName, defaultDBName)
}

// stateIgnore keeps the store, checkpoints and PR bodies out of the working
// copy. Merge records stay visible so a materialized branch can commit them.
const stateIgnore = `*
!artifacts/
!artifacts/merged/
!artifacts/merged/**
`

// EnsureWorkspace creates the workspace state directory and its .gitignore
// if missing. An existing .gitignore is left alone.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, stateDirName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	ignore := filepath.Join(path, ".gitignore")
	if _, err := os.Stat(ignore); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte(stateIgnore), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", ignore, err)
		}
	} else if err != nil {
		return "", err
	}
	return path, nil
}

// StateDir returns the workspace state directory without creating it.
func StateDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDirName)
}

// Open opens the SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection: callers must not query through conn while holding a tx.
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
