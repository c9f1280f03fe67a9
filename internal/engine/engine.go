package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"changegate/internal/checkpoint"
	"changegate/internal/config"
	"changegate/internal/db"
	"changegate/internal/domain"
	"changegate/internal/engine/auth"
	"changegate/internal/events"
	"changegate/internal/exec"
	"changegate/internal/notify"
	"changegate/internal/policy"
	"changegate/internal/repo"
	"changegate/internal/scanner"
	"changegate/internal/vcs"
)

// workingCopyMu serializes every operation that mutates the git working copy.
var workingCopyMu sync.Mutex

// plannerRuns collapses concurrent planner triggers per workspace.
var plannerRuns singleflight.Group

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Auth      auth.Service
	Gate      policy.Gate
	VCS       vcs.PatchApplier
	Runner    exec.CommandRunner
	Notifier  notify.Notifier
	Workspace string
	Logger    *slog.Logger
	Now       func() time.Time
}

// New wires an engine for workspace from cfg. The scanner picks up the
// extra rules file and the doctrine honours the env deny list.
func New(conn *sql.DB, cfg *config.Config, workspace string) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if workspace == "" {
		workspace = "."
	}
	var extra []scanner.RuleSet
	if path := cfg.Scanner.ExtraRulesFile; path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspace, path)
		}
		rs, err := scanner.LoadRuleFile(path)
		if err != nil {
			return Engine{}, fmt.Errorf("load scanner rules: %w", err)
		}
		extra = append(extra, rs)
	}
	sc, err := scanner.New(extra...)
	if err != nil {
		return Engine{}, err
	}
	doctrine, err := policy.NewDoctrine(cfg.Doctrine.Rules)
	if err != nil {
		return Engine{}, err
	}
	logger := slog.Default()
	git := vcs.NewGit(workspace, logger)
	if cfg.Git.Binary != "" {
		git.Binary = cfg.Git.Binary
	}
	return Engine{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{DB: conn},
		Config:    cfg,
		Auth:      auth.Service{Config: cfg},
		Gate:      policy.Gate{Scanner: sc, Evaluator: doctrine.FromEnv(os.LookupEnv), Logger: logger},
		VCS:       git,
		Runner:    exec.NewRealRunner(),
		Notifier:  notify.Outbox{DB: conn, Logger: logger},
		Workspace: workspace,
		Logger:    logger,
		Now:       time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) artifactsDir(sub string) string {
	return filepath.Join(e.config().ArtifactsDir(e.Workspace), sub)
}

func (e Engine) checkpoints() checkpoint.Manager {
	return checkpoint.Manager{
		Repo: e.Repo,
		VCS:  e.VCS,
		Dir:  filepath.Join(db.StateDir(e.Workspace), "checkpoints"),
		Now:  e.now,
	}
}

// ValidationError reports bad caller input. Nothing was written.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// TransitionError reports a state change the lifecycle does not allow.
type TransitionError struct {
	Entity string
	From   string
	To     string
	Msg    string
}

func (e TransitionError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}

func ensureSubmissionTransition(from, to string) error {
	switch from {
	case domain.StatusBlocked:
		if to == domain.StatusPendingApproval || to == domain.StatusRejected {
			return nil
		}
	case domain.StatusPendingApproval:
		if to == domain.StatusApproved || to == domain.StatusRejected {
			return nil
		}
	case domain.StatusApproved:
		if to == domain.StatusMerged {
			return nil
		}
	}
	if to == domain.StatusMerged {
		return TransitionError{Entity: "submission", From: from, To: to, Msg: "only approved submissions can be merged"}
	}
	return TransitionError{Entity: "submission", From: from, To: to}
}

func ensureProposalTransition(from, to string) error {
	if from == domain.StatusPendingApproval && (to == domain.StatusApproved || to == domain.StatusRejected) {
		return nil
	}
	return TransitionError{Entity: "proposal", From: from, To: to}
}

// record appends the event and queues notifications inside tx.
func (e Engine) record(ctx context.Context, tx *sql.Tx, evtType, kind, id string, actor domain.Actor, payload events.EventPayload, title string) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	if _, err := w.Append(ctx, tx, evtType, kind, id, actor, payload); err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	if e.Notifier == nil {
		return nil
	}
	return e.Notifier.Notify(ctx, tx, notify.Message{
		Roles:      e.Auth.NotifyRoles(),
		EventType:  evtType,
		EntityKind: kind,
		EntityID:   id,
		Title:      title,
	})
}

// inTx runs fn in one transaction.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func newID(prefix string, now time.Time) string {
	return prefix + "-" + strconv.FormatInt(now.UnixMilli(), 36) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// IsNotFound reports whether err wraps repo.ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
