package repo

import (
	"context"
	"database/sql"
	"errors"

	"changegate/internal/domain"
)

const checkpointColumns = `id,label,branch,revision,status_text,created_at,restore_command,artifact_path,COALESCE(submission_id,'')`

func scanCheckpoint(row rowScanner) (domain.Checkpoint, error) {
	var c domain.Checkpoint
	err := row.Scan(&c.ID, &c.Label, &c.Branch, &c.Revision, &c.StatusText, &c.CreatedAt, &c.RestoreCommand, &c.ArtifactPath, &c.SubmissionID)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// InsertCheckpoint stores the index row; checkpoints are never updated.
func (r Repo) InsertCheckpoint(ctx context.Context, tx *sql.Tx, c domain.Checkpoint) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO checkpoints(id,label,branch,revision,status_text,created_at,restore_command,artifact_path,submission_id) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Label, c.Branch, c.Revision, c.StatusText, c.CreatedAt, c.RestoreCommand, c.ArtifactPath, nullable(c.SubmissionID))
	return err
}

func (r Repo) GetCheckpoint(ctx context.Context, id string) (domain.Checkpoint, error) {
	return scanCheckpoint(r.DB.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id=?`, id))
}

func (r Repo) ListCheckpoints(ctx context.Context, submissionID string, limit int) ([]domain.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints`
	var args []any
	if submissionID != "" {
		query += ` WHERE submission_id=?`
		args = append(args, submissionID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Checkpoint{}
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
