package repo

import (
	"context"
	"database/sql"
	"errors"

	"changegate/internal/domain"
)

func scanSettings(row rowScanner) (domain.Settings, error) {
	var s domain.Settings
	var enabled, daily, founder, autoTest int
	var roots, lastRun sql.NullString
	err := row.Scan(&enabled, &daily, &founder, &autoTest, &roots, &s.MaxFindings, &lastRun, &s.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultSettings(), nil
	}
	if err != nil {
		return s, err
	}
	s.Enabled = enabled == 1
	s.AutoDailyScan = daily == 1
	s.RequireFounderApproval = founder == 1
	s.AutoTestOnMerge = autoTest == 1
	if err := decodeJSON("scan_roots", roots, &s.ScanRoots); err != nil {
		return s, err
	}
	if lastRun.Valid {
		s.LastDailyRunAt = lastRun.String
	}
	return s, nil
}

const settingsQuery = `SELECT enabled,auto_daily_scan,require_founder_approval,auto_test_on_merge,scan_roots_json,max_findings,last_daily_run_at,version FROM settings WHERE id=1`

// GetSettings returns the stored settings, or the defaults with version 0
// when none were saved yet.
func (r Repo) GetSettings(ctx context.Context) (domain.Settings, error) {
	return scanSettings(r.DB.QueryRowContext(ctx, settingsQuery))
}

func (r Repo) GetSettingsTx(ctx context.Context, tx *sql.Tx) (domain.Settings, error) {
	return scanSettings(tx.QueryRowContext(ctx, settingsQuery))
}

// SaveSettings inserts the first row (version 0 -> 1) or updates under the
// optimistic version check, bumping s.Version on success.
func (r Repo) SaveSettings(ctx context.Context, tx *sql.Tx, s *domain.Settings) error {
	roots, err := mustJSON(nonNil(s.ScanRoots))
	if err != nil {
		return err
	}
	q := r.q(tx)
	if s.Version == 0 {
		res, err := q.ExecContext(ctx, `INSERT INTO settings(id,enabled,auto_daily_scan,require_founder_approval,auto_test_on_merge,scan_roots_json,max_findings,last_daily_run_at,version)
VALUES (1,?,?,?,?,?,?,?,1) ON CONFLICT(id) DO NOTHING`,
			boolInt(s.Enabled), boolInt(s.AutoDailyScan), boolInt(s.RequireFounderApproval), boolInt(s.AutoTestOnMerge), roots, s.MaxFindings, nullable(s.LastDailyRunAt))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
		s.Version = 1
		return nil
	}
	res, err := q.ExecContext(ctx, `UPDATE settings SET enabled=?, auto_daily_scan=?, require_founder_approval=?, auto_test_on_merge=?, scan_roots_json=?, max_findings=?, last_daily_run_at=?, version=version+1 WHERE id=1 AND version=?`,
		boolInt(s.Enabled), boolInt(s.AutoDailyScan), boolInt(s.RequireFounderApproval), boolInt(s.AutoTestOnMerge), roots, s.MaxFindings, nullable(s.LastDailyRunAt), s.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	s.Version++
	return nil
}
