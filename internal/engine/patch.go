package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"changegate/internal/domain"
	"changegate/internal/events"
	"changegate/internal/metrics"
	"changegate/internal/vcs"
)

// Apply stages.
const (
	StageCheck      = "check"
	StageCheckpoint = "checkpoint"
	StageApply      = "apply"
	StageTests      = "tests"
	StageDone       = "done"
)

// PreviewResult describes whether a submission's patch applies cleanly.
type PreviewResult struct {
	OK      bool             `json:"ok"`
	Error   string           `json:"error,omitempty"`
	Stat    string           `json:"stat,omitempty"`
	NumStat []vcs.FileStat   `json:"numstat"`
	Files   []vcs.FileChange `json:"files"`
	Added   int              `json:"added"`
	Removed int              `json:"removed"`
}

// ApplyInput overrides the auto-test setting when RunTests is set.
type ApplyInput struct {
	RunTests *bool `json:"run_tests,omitempty"`
}

// ApplyResult is the outcome of one apply attempt. Checkpoint is set once
// the working copy was snapshotted, even if a later stage failed.
type ApplyResult struct {
	OK         bool               `json:"ok"`
	Stage      string             `json:"stage"`
	Error      string             `json:"error,omitempty"`
	Preview    PreviewResult      `json:"preview"`
	Checkpoint *domain.Checkpoint `json:"checkpoint,omitempty"`
	Tests      *vcs.TestRun       `json:"tests,omitempty"`
}

// patchable loads a submission whose patch may be previewed or applied.
func (e Engine) patchable(ctx context.Context, id, action string) (domain.Submission, error) {
	s, err := e.Repo.GetSubmission(ctx, id)
	if err != nil {
		return domain.Submission{}, err
	}
	if s.Status != domain.StatusApproved && s.Status != domain.StatusMerged {
		return s, TransitionError{Entity: "submission", From: s.Status, Msg: fmt.Sprintf("only approved or merged submissions can be %s", action)}
	}
	if strings.TrimSpace(s.CodeText) == "" {
		return s, ValidationError{Field: "code_text", Msg: "submission has no patch"}
	}
	return s, nil
}

// writePatch stores patch in a temp file for git. The caller runs cleanup.
func writePatch(patch string) (string, func(), error) {
	f, err := os.CreateTemp("", "changegate-*.patch")
	if err != nil {
		return "", func() {}, fmt.Errorf("create patch file: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if !strings.HasSuffix(patch, "\n") {
		patch += "\n"
	}
	if _, err := f.WriteString(patch); err != nil {
		f.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("write patch file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, err
	}
	return f.Name(), cleanup, nil
}

// Preview dry-runs the patch against the working copy. It changes nothing
// and records no event.
func (e Engine) Preview(ctx context.Context, actor domain.Actor, id string) (PreviewResult, error) {
	if err := e.Auth.EnsureActor(actor); err != nil {
		return PreviewResult{}, err
	}
	s, err := e.patchable(ctx, id, "previewed")
	if err != nil {
		return PreviewResult{}, err
	}
	return e.preview(ctx, s)
}

func (e Engine) preview(ctx context.Context, s domain.Submission) (PreviewResult, error) {
	res := PreviewResult{NumStat: []vcs.FileStat{}, Files: []vcs.FileChange{}}
	if sum, err := vcs.ParsePatch(s.CodeText); err == nil {
		res.Files, res.Added, res.Removed = sum.Files, sum.Added, sum.Removed
	} else {
		e.logger().Debug("patch not parseable", "id", s.ID, "error", err)
	}
	path, cleanup, err := writePatch(s.CodeText)
	if err != nil {
		return res, err
	}
	defer cleanup()
	check, err := e.VCS.Check(ctx, path)
	if err != nil {
		return res, err
	}
	if !check.OK {
		res.Error = strings.TrimSpace(check.Output)
		if res.Error == "" {
			res.Error = fmt.Sprintf("git apply --check failed (exit %d)", check.ExitCode)
		}
		return res, nil
	}
	if res.Stat, err = e.VCS.Stat(ctx, path); err != nil {
		return res, err
	}
	stats, err := e.VCS.NumStat(ctx, path)
	if err != nil {
		return res, err
	}
	if stats != nil {
		res.NumStat = stats
	}
	res.OK = true
	return res, nil
}

// Apply checks, checkpoints and applies a submission's patch, then runs the
// configured test command when requested. One apply runs at a time.
func (e Engine) Apply(ctx context.Context, actor domain.Actor, id string, in ApplyInput) (ApplyResult, error) {
	if err := e.Auth.RequireReviewer(actor, "apply submissions"); err != nil {
		return ApplyResult{}, err
	}
	s, err := e.patchable(ctx, id, "applied")
	if err != nil {
		return ApplyResult{}, err
	}
	settings, err := e.Repo.GetSettings(ctx)
	if err != nil {
		return ApplyResult{}, err
	}
	runTests := settings.AutoTestOnMerge
	if in.RunTests != nil {
		runTests = *in.RunTests
	}

	workingCopyMu.Lock()
	defer workingCopyMu.Unlock()

	res := ApplyResult{Stage: StageCheck}
	// fail records a runner error against the stage it happened in.
	fail := func(err error) (ApplyResult, error) {
		res.Error = err.Error()
		if rerr := e.recordApply(context.WithoutCancel(ctx), actor, s.ID, res); rerr != nil {
			return res, errors.Join(err, rerr)
		}
		return res, err
	}
	res.Preview, err = e.preview(ctx, s)
	if err != nil {
		return fail(err)
	}
	if !res.Preview.OK {
		res.Error = res.Preview.Error
		return res, e.recordApply(ctx, actor, s.ID, res)
	}

	res.Stage = StageCheckpoint
	cp, err := e.checkpoints().Create(ctx, "before apply "+s.ID, s.ID)
	if err != nil {
		return fail(err)
	}
	res.Checkpoint = &cp

	// the working copy is about to change; finish regardless of the caller
	ctx = context.WithoutCancel(ctx)
	res.Stage = StageApply
	path, cleanup, err := writePatch(s.CodeText)
	if err != nil {
		return fail(err)
	}
	defer cleanup()
	out, err := e.VCS.Apply(ctx, path)
	if err != nil {
		return fail(err)
	}
	if !out.OK {
		res.Error = strings.TrimSpace(out.Output)
		if res.Error == "" {
			res.Error = fmt.Sprintf("git apply failed (exit %d)", out.ExitCode)
		}
		return res, e.recordApply(ctx, actor, s.ID, res)
	}

	if runTests {
		command := e.config().Patch.TestCommand
		if command == "" {
			e.logger().Warn("tests requested but patch.test_command is empty", "id", s.ID)
		} else {
			res.Stage = StageTests
			run, err := vcs.RunTests(ctx, e.Runner, e.Workspace, command, e.config().TestTimeout())
			if err != nil {
				res.Error = err.Error()
				return res, e.recordApply(ctx, actor, s.ID, res)
			}
			res.Tests = &run
			if run.TimedOut {
				res.Error = "test command timed out after " + e.config().TestTimeout().String()
				return res, e.recordApply(ctx, actor, s.ID, res)
			}
			if run.ExitCode != 0 {
				res.Error = fmt.Sprintf("test command exited %d", run.ExitCode)
				return res, e.recordApply(ctx, actor, s.ID, res)
			}
		}
	}
	res.Stage = StageDone
	res.OK = true
	return res, e.recordApply(ctx, actor, s.ID, res)
}

// recordApply stores lastApply on the current submission row and appends
// the applied or apply.failed event.
func (e Engine) recordApply(ctx context.Context, actor domain.Actor, id string, res ApplyResult) error {
	metrics.Apply(res.OK, res.Stage)
	rec := domain.ApplyRecord{At: e.stamp(), OK: res.OK, Stage: res.Stage}
	payload := events.EventPayload{"stage": res.Stage}
	if res.Checkpoint != nil {
		rec.CheckpointID = res.Checkpoint.ID
		payload["checkpoint_id"] = res.Checkpoint.ID
	}
	if res.Tests != nil {
		code := res.Tests.ExitCode
		rec.TestExitCode = &code
		payload["test_exit_code"] = code
	}
	evtType, title := events.SubmissionApplied, "Patch applied"
	if !res.OK {
		evtType, title = events.SubmissionApplyFailed, "Patch apply failed"
		payload["error"] = clip(res.Error, 2000)
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Repo.GetSubmissionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		cur.LastApply = &rec
		cur.UpdatedAt = rec.At
		if err := e.Repo.UpdateSubmission(ctx, tx, &cur); err != nil {
			return err
		}
		return e.record(ctx, tx, evtType, events.KindSubmission, id, actor, payload, title+": "+cur.Title)
	})
	if err != nil {
		return fmt.Errorf("record apply outcome: %w", err)
	}
	e.logger().Info("apply finished", "id", id, "ok", res.OK, "stage", res.Stage)
	return nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
