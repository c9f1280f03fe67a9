package engine

import (
	"context"
	"database/sql"
	"fmt"

	"changegate/internal/domain"
	"changegate/internal/events"
	"changegate/internal/vcs"
)

func (e Engine) ListCheckpoints(ctx context.Context, submissionID string, limit int) ([]domain.Checkpoint, error) {
	return e.checkpoints().List(ctx, submissionID, limit)
}

func (e Engine) GetCheckpoint(ctx context.Context, id string) (domain.Checkpoint, error) {
	return e.checkpoints().Get(ctx, id)
}

// RestoreResult reports a checkpoint restore. Git failures are returned in
// Outcome, not as an error.
type RestoreResult struct {
	Checkpoint domain.Checkpoint `json:"checkpoint"`
	Outcome    vcs.Outcome       `json:"outcome"`
}

// RestoreCheckpoint moves the working copy back to a checkpoint. The founder
// must confirm explicitly; the working copy lock is shared with Apply.
func (e Engine) RestoreCheckpoint(ctx context.Context, actor domain.Actor, id string, confirm bool) (RestoreResult, error) {
	if err := e.Auth.RequireFounder(actor, "restore checkpoints"); err != nil {
		return RestoreResult{}, err
	}
	if !confirm {
		return RestoreResult{}, ValidationError{Field: "confirm", Msg: "restore discards working copy changes; confirmation required"}
	}
	cp, err := e.checkpoints().Get(ctx, id)
	if err != nil {
		return RestoreResult{}, err
	}
	workingCopyMu.Lock()
	defer workingCopyMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	out, err := e.VCS.Restore(ctx, cp.Branch, cp.Revision)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("restore checkpoint %s: %w", cp.ID, err)
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		return e.record(ctx, tx, events.CheckpointRestored, events.KindCheckpoint, cp.ID, actor, events.EventPayload{
			"ok":            out.OK,
			"branch":        cp.Branch,
			"revision":      cp.Revision,
			"submission_id": cp.SubmissionID,
		}, "Checkpoint restored: "+cp.Label)
	})
	if err != nil {
		return RestoreResult{}, err
	}
	e.logger().Warn("checkpoint restored", "id", cp.ID, "ok", out.OK, "by", actor.ID)
	return RestoreResult{Checkpoint: cp, Outcome: out}, nil
}
