package repo

import (
	"context"
	"database/sql"
	"errors"

	"changegate/internal/domain"
)

const proposalColumns = `id,created_at,placeholder_count,candidate_modules_json,rationale_json,status,review_json,version`

func scanProposal(row rowScanner) (domain.AutoProposal, error) {
	var p domain.AutoProposal
	var modules, rationale, review sql.NullString
	err := row.Scan(&p.ID, &p.CreatedAt, &p.PlaceholderCount, &modules, &rationale, &p.Status, &review, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := decodeJSON("candidate_modules", modules, &p.CandidateModules); err != nil {
		return p, err
	}
	if err := decodeJSON("rationale", rationale, &p.Rationale); err != nil {
		return p, err
	}
	if review.Valid {
		p.Review = &domain.Review{}
		if err := decodeJSON("review", review, p.Review); err != nil {
			return p, err
		}
	}
	if p.CandidateModules == nil {
		p.CandidateModules = []string{}
	}
	if p.Rationale == nil {
		p.Rationale = []string{}
	}
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.AutoProposal) error {
	modules, err := mustJSON(nonNil(p.CandidateModules))
	if err != nil {
		return err
	}
	rationale, err := mustJSON(nonNil(p.Rationale))
	if err != nil {
		return err
	}
	review, err := nullableJSON(p.Review)
	if err != nil {
		return err
	}
	if p.Version == 0 {
		p.Version = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO auto_proposals(id,created_at,placeholder_count,candidate_modules_json,rationale_json,status,review_json,version) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.CreatedAt, p.PlaceholderCount, modules, rationale, p.Status, review, p.Version)
	return err
}

// UpdateProposal writes status and review under the optimistic version check.
func (r Repo) UpdateProposal(ctx context.Context, tx *sql.Tx, p *domain.AutoProposal) error {
	review, err := nullableJSON(p.Review)
	if err != nil {
		return err
	}
	q := r.q(tx)
	res, err := q.ExecContext(ctx, `UPDATE auto_proposals SET status=?, review_json=?, version=version+1 WHERE id=? AND version=?`,
		p.Status, review, p.ID, p.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return versionMiss(ctx, q, "auto_proposals", p.ID)
	}
	p.Version++
	return nil
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.AutoProposal, error) {
	return scanProposal(r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM auto_proposals WHERE id=?`, id))
}

func (r Repo) ListProposals(ctx context.Context, status string, limit int) ([]domain.AutoProposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM auto_proposals`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
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
	res := []domain.AutoProposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
