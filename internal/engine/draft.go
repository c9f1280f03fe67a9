package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"changegate/internal/domain"
	"changegate/internal/drafter"
	"changegate/internal/events"
	"changegate/internal/vcs"
)

// DraftInput controls PR drafting. Push implies Materialize.
type DraftInput struct {
	Materialize bool   `json:"materialize,omitempty"`
	Push        bool   `json:"push,omitempty"`
	Remote      string `json:"remote,omitempty"`
	Base        string `json:"base,omitempty"`
}

// DraftResult always carries the body path and gh hint. Git failures are
// reported in MaterializeError and PushError.
type DraftResult struct {
	Branch           string           `json:"branch"`
	Base             string           `json:"base"`
	Remote           string           `json:"remote,omitempty"`
	BodyPath         string           `json:"body_path"`
	Hint             string           `json:"hint"`
	Files            []vcs.FileChange `json:"files"`
	Materialized     bool             `json:"materialized"`
	Pushed           bool             `json:"pushed"`
	MaterializeError string           `json:"materialize_error,omitempty"`
	PushError        string           `json:"push_error,omitempty"`
}

// DraftPR writes the PR description for an approved or merged submission and
// optionally commits and pushes a feature branch.
func (e Engine) DraftPR(ctx context.Context, actor domain.Actor, id string, in DraftInput) (DraftResult, error) {
	if err := e.Auth.RequireReviewer(actor, "draft pull requests"); err != nil {
		return DraftResult{}, err
	}
	s, err := e.Repo.GetSubmission(ctx, id)
	if err != nil {
		return DraftResult{}, err
	}
	if s.Status != domain.StatusApproved && s.Status != domain.StatusMerged {
		return DraftResult{}, TransitionError{Entity: "submission", From: s.Status, Msg: "only approved or merged submissions can be drafted"}
	}
	if in.Push {
		in.Materialize = true
	}
	cfg := e.config()
	res := DraftResult{Branch: drafter.BranchName(s.Title, s.ID), Files: []vcs.FileChange{}}
	res.Base = e.draftBase(ctx, in.Base)

	var stat string
	if strings.TrimSpace(s.CodeText) != "" {
		if sum, err := vcs.ParsePatch(s.CodeText); err == nil {
			res.Files = sum.Files
		}
		if pv, err := e.preview(ctx, s); err == nil && pv.OK {
			stat = pv.Stat
		}
	}
	dir := e.artifactsDir("pr")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return DraftResult{}, fmt.Errorf("create pr artifacts dir: %w", err)
	}
	res.BodyPath = filepath.Join(dir, drafter.FileSlug(s.ID)+".md")
	body := drafter.RenderBody(drafter.BodyInput{Submission: s, Files: res.Files, Stat: stat, GeneratedAt: e.now()})
	if err := os.WriteFile(res.BodyPath, []byte(body), 0o644); err != nil {
		return DraftResult{}, fmt.Errorf("write pr body: %w", err)
	}
	res.Hint = drafter.Hint(res.Base, res.Branch, s.Title, res.BodyPath)

	if in.Materialize {
		workingCopyMu.Lock()
		res.MaterializeError = e.materialize(ctx, s, res.Branch)
		res.Materialized = res.MaterializeError == ""
		if in.Push && res.Materialized {
			remote := in.Remote
			if remote == "" {
				remote = cfg.Git.Remote
			}
			if remote == "" {
				remote = "origin"
			}
			res.Remote = drafter.Sanitize(remote, drafter.MaxBranchLen)
			out, err := e.VCS.Push(ctx, res.Remote, res.Branch)
			switch {
			case err != nil:
				res.PushError = err.Error()
			case !out.OK:
				res.PushError = outcomeError("git push", out)
			default:
				res.Pushed = true
			}
		}
		workingCopyMu.Unlock()
	}

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		return e.record(ctx, tx, events.SubmissionPRDrafted, events.KindSubmission, s.ID, actor, events.EventPayload{
			"branch":            res.Branch,
			"base":              res.Base,
			"body_path":         res.BodyPath,
			"materialized":      res.Materialized,
			"pushed":            res.Pushed,
			"materialize_error": res.MaterializeError,
			"push_error":        res.PushError,
		}, "PR drafted: "+s.Title)
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

func (e Engine) draftBase(ctx context.Context, requested string) string {
	if strings.TrimSpace(requested) != "" {
		return drafter.Sanitize(requested, drafter.MaxBranchLen)
	}
	if e.VCS != nil {
		if branch, err := e.VCS.Branch(ctx); err == nil && branch != "" && branch != vcs.DetachedHead {
			return drafter.Sanitize(branch, drafter.MaxBranchLen)
		}
	}
	if base := e.config().Git.BaseBranch; base != "" {
		return drafter.Sanitize(base, drafter.MaxBranchLen)
	}
	return "main"
}

// materialize creates the feature branch and commits the patch files and
// merge artifact. A patch that was never applied is applied to the index
// first. On failure the working copy goes back to the starting branch and
// the failure is returned as text.
func (e Engine) materialize(ctx context.Context, s domain.Submission, branch string) string {
	origBranch, err := e.VCS.Branch(ctx)
	if err != nil {
		return err.Error()
	}
	origRef := origBranch
	if origBranch == "" || origBranch == vcs.DetachedHead {
		if origRef, err = e.VCS.Revision(ctx); err != nil {
			return err.Error()
		}
	}
	out, err := e.VCS.CheckoutBranch(ctx, branch)
	if err != nil {
		return err.Error()
	}
	if !out.OK {
		return outcomeError("git checkout", out)
	}

	var patchPath string
	applied := false
	rollback := func(msg string) string {
		if applied {
			if out, err := e.VCS.Reverse(ctx, patchPath); err != nil || !out.OK {
				e.logger().Warn("unapply after failed materialize", "id", s.ID, "error", err, "output", out.Output)
			}
		}
		if out, err := e.VCS.Checkout(ctx, origRef); err != nil || !out.OK {
			e.logger().Warn("return to branch after failed materialize", "id", s.ID, "branch", origRef, "error", err, "output", out.Output)
		}
		return msg
	}

	if strings.TrimSpace(s.CodeText) != "" && (s.LastApply == nil || !s.LastApply.OK) {
		path, cleanup, err := writePatch(s.CodeText)
		if err != nil {
			return rollback(err.Error())
		}
		defer cleanup()
		patchPath = path
		out, err = e.VCS.Check(ctx, path)
		if err != nil {
			return rollback(err.Error())
		}
		if !out.OK {
			return rollback(outcomeError("git apply --check", out))
		}
		out, err = e.VCS.Apply(ctx, path)
		if err != nil {
			return rollback(err.Error())
		}
		if !out.OK {
			return rollback(outcomeError("git apply", out))
		}
		applied = true
	}

	var paths []string
	if sum, err := vcs.ParsePatch(s.CodeText); err == nil {
		for _, f := range sum.Files {
			if f.Op != "delete" {
				paths = append(paths, f.Path)
			}
		}
	}
	if s.Merge != nil && s.Merge.ArtifactPath != "" {
		if rel, err := filepath.Rel(e.Workspace, s.Merge.ArtifactPath); err == nil && !strings.HasPrefix(rel, "..") {
			paths = append(paths, rel)
		}
	}
	if len(paths) > 0 {
		out, err = e.VCS.Add(ctx, paths...)
		if err != nil {
			return rollback(err.Error())
		}
		if !out.OK {
			return rollback(outcomeError("git add", out))
		}
	}
	out, err = e.VCS.Commit(ctx, s.Title)
	if err != nil {
		return rollback(err.Error())
	}
	if !out.OK {
		return rollback(outcomeError("git commit", out))
	}
	return ""
}

func outcomeError(cmd string, out vcs.Outcome) string {
	msg := strings.TrimSpace(out.Output)
	if msg == "" {
		return fmt.Sprintf("%s failed (exit %d)", cmd, out.ExitCode)
	}
	return msg
}
