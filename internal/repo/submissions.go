package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"changegate/internal/domain"
)

const submissionColumns = `id,title,feature_text,code_text,metadata_json,scan_json,status,review_json,merge_json,last_apply_json,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (domain.Submission, error) {
	var s domain.Submission
	var code, review, merge, lastApply, metadata, scan sql.NullString
	err := row.Scan(&s.ID, &s.Title, &s.FeatureText, &code, &metadata, &scan, &s.Status, &review, &merge, &lastApply, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if code.Valid {
		s.CodeText = code.String
	}
	if err := decodeJSON("metadata", metadata, &s.Metadata); err != nil {
		return s, err
	}
	if err := decodeJSON("scan", scan, &s.Scan); err != nil {
		return s, err
	}
	if review.Valid {
		s.Review = &domain.Review{}
		if err := decodeJSON("review", review, s.Review); err != nil {
			return s, err
		}
	}
	if merge.Valid {
		s.Merge = &domain.Merge{}
		if err := decodeJSON("merge", merge, s.Merge); err != nil {
			return s, err
		}
	}
	if lastApply.Valid {
		s.LastApply = &domain.ApplyRecord{}
		if err := decodeJSON("last_apply", lastApply, s.LastApply); err != nil {
			return s, err
		}
	}
	if s.Scan.Signals == nil {
		s.Scan.Signals = []string{}
	}
	return s, nil
}

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	metadata, err := mustJSON(s.Metadata)
	if err != nil {
		return err
	}
	scan, err := mustJSON(s.Scan)
	if err != nil {
		return err
	}
	review, err := nullableJSON(s.Review)
	if err != nil {
		return err
	}
	merge, err := nullableJSON(s.Merge)
	if err != nil {
		return err
	}
	lastApply, err := nullableJSON(s.LastApply)
	if err != nil {
		return err
	}
	if s.Version == 0 {
		s.Version = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO submissions(id,title,feature_text,code_text,metadata_json,scan_json,severity,status,review_json,merge_json,last_apply_json,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Title, s.FeatureText, nullable(s.CodeText), metadata, scan, s.Scan.Severity, s.Status, review, merge, lastApply, s.Version, s.CreatedAt, s.UpdatedAt)
	return err
}

// UpdateSubmission writes s if the stored version still equals s.Version and
// bumps s.Version on success.
func (r Repo) UpdateSubmission(ctx context.Context, tx *sql.Tx, s *domain.Submission) error {
	scan, err := mustJSON(s.Scan)
	if err != nil {
		return err
	}
	review, err := nullableJSON(s.Review)
	if err != nil {
		return err
	}
	merge, err := nullableJSON(s.Merge)
	if err != nil {
		return err
	}
	lastApply, err := nullableJSON(s.LastApply)
	if err != nil {
		return err
	}
	q := r.q(tx)
	res, err := q.ExecContext(ctx, `UPDATE submissions SET scan_json=?, severity=?, status=?, review_json=?, merge_json=?, last_apply_json=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		scan, s.Scan.Severity, s.Status, review, merge, lastApply, s.UpdatedAt, s.ID, s.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return versionMiss(ctx, q, "submissions", s.ID)
	}
	s.Version++
	return nil
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	return scanSubmission(r.DB.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id))
}

func (r Repo) GetSubmissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Submission, error) {
	return scanSubmission(tx.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id))
}

type SubmissionFilters struct {
	Status          string
	Severity        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListSubmissions(ctx context.Context, f SubmissionFilters) ([]domain.Submission, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + submissionColumns + ` FROM submissions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Submission{}
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountSubmissionsByStatus returns the number of submissions in each status.
func (r Repo) CountSubmissionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM submissions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}
