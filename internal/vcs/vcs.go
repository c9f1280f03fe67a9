// Package vcs wraps the git operations the patch engine and drafter need.
package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"changegate/internal/exec"
	"changegate/internal/metrics"
)

var tracer = otel.Tracer("changegate.vcs")

// Outcome reports a git command that ran. OK is false on non-zero exit and
// Output carries git's diagnostic.
type Outcome struct {
	OK       bool   `json:"ok"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

// FileStat is one line of `git apply --numstat`. Binary files report -1.
type FileStat struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// PatchApplier is the version-control surface used by changegate.
type PatchApplier interface {
	Branch(ctx context.Context) (string, error)
	Revision(ctx context.Context) (string, error)
	Status(ctx context.Context) (string, error)
	Check(ctx context.Context, patchPath string) (Outcome, error)
	Stat(ctx context.Context, patchPath string) (string, error)
	NumStat(ctx context.Context, patchPath string) ([]FileStat, error)
	Apply(ctx context.Context, patchPath string) (Outcome, error)
	Restore(ctx context.Context, branch, revision string) (Outcome, error)
	CheckoutBranch(ctx context.Context, name string) (Outcome, error)
	Checkout(ctx context.Context, ref string) (Outcome, error)
	Reverse(ctx context.Context, patchPath string) (Outcome, error)
	Add(ctx context.Context, paths ...string) (Outcome, error)
	Commit(ctx context.Context, message string) (Outcome, error)
	Push(ctx context.Context, remote, branch string) (Outcome, error)
}

// DetachedHead is what `rev-parse --abbrev-ref HEAD` prints without a branch.
const DetachedHead = "HEAD"

// Git runs the git binary in Dir.
type Git struct {
	Runner exec.CommandRunner
	Dir    string
	Binary string
	Logger *slog.Logger
}

// NewGit returns a Git over the real command runner.
func NewGit(dir string, logger *slog.Logger) *Git {
	return &Git{Runner: exec.NewRealRunner(), Dir: dir, Binary: "git", Logger: logger}
}

// nonInteractiveEnv keeps git and gh from prompting.
func nonInteractiveEnv() map[string]string {
	return map[string]string{
		"GIT_TERMINAL_PROMPT": "0",
		"GH_PROMPT_DISABLED":  "1",
		"CI":                  "1",
	}
}

func (g *Git) run(ctx context.Context, args ...string) (exec.CmdResult, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	sub := ""
	if len(args) > 0 {
		sub = args[0]
	}
	ctx, span := tracer.Start(ctx, "git."+sub, trace.WithAttributes(
		attribute.String("git.subcommand", sub),
		attribute.String("git.work_dir", g.Dir),
	))
	defer span.End()

	start := time.Now()
	res, err := g.Runner.Run(ctx, bin, args, exec.RunOpts{Dir: g.Dir, Env: nonInteractiveEnv()})
	elapsed := time.Since(start)
	metrics.GitCommand(sub, elapsed, err == nil && res.ExitCode == 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("git %s: %w", sub, err)
	}
	span.SetAttributes(attribute.Int("git.exit_code", res.ExitCode))
	if res.ExitCode != 0 {
		span.SetStatus(codes.Error, "non-zero exit")
		g.logger().Debug("git command failed", "subcommand", sub, "exit_code", res.ExitCode, "stderr", clip(res.Stderr, 512))
	}
	return res, nil
}

func (g *Git) outcome(ctx context.Context, args ...string) (Outcome, error) {
	res, err := g.run(ctx, args...)
	if err != nil {
		return Outcome{ExitCode: -1, Output: err.Error()}, err
	}
	out := strings.TrimSpace(res.Stderr)
	if out == "" {
		out = strings.TrimSpace(res.Stdout)
	}
	return Outcome{OK: res.ExitCode == 0, ExitCode: res.ExitCode, Output: out}, nil
}

// query runs a read-only command that must succeed.
func (g *Git) query(ctx context.Context, args ...string) (string, error) {
	res, err := g.run(ctx, args...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git %s: exit %d: %s", strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

func (g *Git) Branch(ctx context.Context) (string, error) {
	out, err := g.query(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	return strings.TrimSpace(out), err
}

func (g *Git) Revision(ctx context.Context) (string, error) {
	out, err := g.query(ctx, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

func (g *Git) Status(ctx context.Context) (string, error) {
	out, err := g.query(ctx, "status", "--porcelain")
	return strings.TrimRight(out, "\n"), err
}

func (g *Git) Check(ctx context.Context, patchPath string) (Outcome, error) {
	return g.outcome(ctx, "apply", "--check", patchPath)
}

func (g *Git) Stat(ctx context.Context, patchPath string) (string, error) {
	out, err := g.query(ctx, "apply", "--stat", patchPath)
	return strings.TrimRight(out, "\n"), err
}

func (g *Git) NumStat(ctx context.Context, patchPath string) ([]FileStat, error) {
	out, err := g.query(ctx, "apply", "--numstat", patchPath)
	if err != nil {
		return nil, err
	}
	return ParseNumStat(out), nil
}

func (g *Git) Apply(ctx context.Context, patchPath string) (Outcome, error) {
	return g.outcome(ctx, "apply", "--index", patchPath)
}

// Restore moves the working copy back to a checkpoint. A detached checkpoint
// is restored with a detached checkout.
func (g *Git) Restore(ctx context.Context, branch, revision string) (Outcome, error) {
	if branch == "" || branch == DetachedHead {
		return g.outcome(ctx, "checkout", "--detach", revision)
	}
	out, err := g.outcome(ctx, "checkout", branch)
	if err != nil || !out.OK {
		return out, err
	}
	return g.outcome(ctx, "reset", "--hard", revision)
}

func (g *Git) CheckoutBranch(ctx context.Context, name string) (Outcome, error) {
	return g.outcome(ctx, "checkout", "-B", name)
}

// Checkout switches to an existing ref, carrying local changes along.
func (g *Git) Checkout(ctx context.Context, ref string) (Outcome, error) {
	return g.outcome(ctx, "checkout", ref)
}

// Reverse unapplies a patch from the index and working tree.
func (g *Git) Reverse(ctx context.Context, patchPath string) (Outcome, error) {
	return g.outcome(ctx, "apply", "-R", "--index", patchPath)
}

func (g *Git) Add(ctx context.Context, paths ...string) (Outcome, error) {
	args := append([]string{"add", "--"}, paths...)
	return g.outcome(ctx, args...)
}

func (g *Git) Commit(ctx context.Context, message string) (Outcome, error) {
	return g.outcome(ctx, "commit", "-m", message)
}

func (g *Git) Push(ctx context.Context, remote, branch string) (Outcome, error) {
	return g.outcome(ctx, "push", "-u", remote, branch)
}

// RestoreCommand renders the shell equivalent of Restore.
func RestoreCommand(branch, revision string) string {
	if branch == "" || branch == DetachedHead {
		return "git checkout --detach " + revision
	}
	return "git checkout " + branch + " && git reset --hard " + revision
}

// ParseNumStat parses `git apply --numstat` output.
func ParseNumStat(out string) []FileStat {
	var stats []FileStat
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		stats = append(stats, FileStat{Path: fields[2], Added: numField(fields[0]), Removed: numField(fields[1])})
	}
	return stats
}

func numField(s string) int {
	if s == "-" {
		return -1
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

func (g *Git) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
