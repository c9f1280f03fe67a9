package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"changegate/internal/config"
	"changegate/internal/db"
	"changegate/internal/engine"
	"changegate/internal/logging"
	"changegate/internal/migrate"
	"changegate/internal/notify"
	"changegate/internal/vcs"
)

// Options select the workspace and logger for an engine session.
type Options struct {
	Workspace string
	Logger    *slog.Logger
	// RequireConfig fails when changegate.yml is missing instead of using defaults.
	RequireConfig bool
}

// OpenEngine loads the workspace config, opens and migrates the state store
// and returns an engine wired to it. The returned func closes the store.
func OpenEngine(ctx context.Context, opts Options) (engine.Engine, func(), error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	load := config.LoadOptional
	if opts.RequireConfig {
		load = config.Load
	}
	cfg, err := load(workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.Engine{}, nil, fmt.Errorf("ensure workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	e, err := engine.New(conn, cfg, workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	if opts.Logger != nil {
		withLogger(&e, opts.Logger)
	}
	if err := ctx.Err(); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	return e, func() { conn.Close() }, nil
}

func withLogger(e *engine.Engine, l *slog.Logger) {
	e.Logger = logging.Component(l, "engine")
	e.Gate.Logger = logging.Component(l, "policy")
	if git, ok := e.VCS.(*vcs.Git); ok {
		git.Logger = logging.Component(l, "vcs")
	}
	if outbox, ok := e.Notifier.(notify.Outbox); ok {
		outbox.Logger = logging.Component(l, "notify")
		e.Notifier = outbox
	}
}

// InitConfig writes the default changegate.yml into workspace. An existing
// file is left alone unless force is set.
func InitConfig(workspace string, force bool) (string, error) {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("%s already exists; use --force to overwrite", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return path, err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return path, err
	}
	return path, nil
}
