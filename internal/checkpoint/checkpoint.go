// Package checkpoint snapshots the working-copy position before risky
// operations so it can be restored later.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"changegate/internal/domain"
	"changegate/internal/repo"
	"changegate/internal/vcs"
)

// Manager creates and looks up checkpoints. Checkpoints are immutable.
type Manager struct {
	Repo repo.Repo
	VCS  vcs.PatchApplier
	// Dir holds the JSON artifacts, usually <workspace>/.changegate/checkpoints.
	Dir string
	Now func() time.Time
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// NewID returns a sortable checkpoint id.
func NewID(now time.Time) string {
	return "cp-" + now.UTC().Format("20060102T150405") + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Create records the current branch, revision and porcelain status.
func (m Manager) Create(ctx context.Context, label, submissionID string) (domain.Checkpoint, error) {
	branch, err := m.VCS.Branch(ctx)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint branch: %w", err)
	}
	rev, err := m.VCS.Revision(ctx)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint revision: %w", err)
	}
	status, err := m.VCS.Status(ctx)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint status: %w", err)
	}
	now := m.now()
	cp := domain.Checkpoint{
		ID:             NewID(now),
		Label:          label,
		Branch:         branch,
		Revision:       rev,
		StatusText:     status,
		CreatedAt:      now.UTC().Format(time.RFC3339),
		RestoreCommand: vcs.RestoreCommand(branch, rev),
		SubmissionID:   submissionID,
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return domain.Checkpoint{}, err
	}
	cp.ArtifactPath = filepath.Join(m.Dir, cp.ID+".json")
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if err := os.WriteFile(cp.ArtifactPath, append(data, '\n'), 0o644); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("write checkpoint artifact: %w", err)
	}
	if err := m.Repo.InsertCheckpoint(ctx, nil, cp); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("index checkpoint: %w", err)
	}
	return cp, nil
}

func (m Manager) Get(ctx context.Context, id string) (domain.Checkpoint, error) {
	return m.Repo.GetCheckpoint(ctx, id)
}

func (m Manager) List(ctx context.Context, submissionID string, limit int) ([]domain.Checkpoint, error) {
	return m.Repo.ListCheckpoints(ctx, submissionID, limit)
}
