package engine

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"

	"changegate/internal/domain"
	"changegate/internal/events"
	"changegate/internal/repo"
)

const maxFindingsLimit = 10000

// SettingsPatch updates only the fields that are set. A non-zero Version
// must match the stored version.
type SettingsPatch struct {
	Enabled                *bool    `json:"enabled,omitempty"`
	AutoDailyScan          *bool    `json:"auto_daily_scan,omitempty"`
	RequireFounderApproval *bool    `json:"require_founder_approval,omitempty"`
	AutoTestOnMerge        *bool    `json:"auto_test_on_merge,omitempty"`
	ScanRoots              []string `json:"scan_roots,omitempty"`
	MaxFindings            *int     `json:"max_findings,omitempty"`
	Version                int64    `json:"version,omitempty"`
}

func (e Engine) GetSettings(ctx context.Context) (domain.Settings, error) {
	return e.Repo.GetSettings(ctx)
}

// SaveSettings applies patch. Only the founder may change settings.
func (e Engine) SaveSettings(ctx context.Context, actor domain.Actor, patch SettingsPatch) (domain.Settings, error) {
	if err := e.Auth.RequireFounder(actor, "change settings"); err != nil {
		return domain.Settings{}, err
	}
	s, err := e.Repo.GetSettings(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	if patch.Version != 0 && patch.Version != s.Version {
		return domain.Settings{}, repo.ErrConflict
	}
	changed := []string{}
	setBool := func(name string, dst *bool, v *bool) {
		if v != nil && *v != *dst {
			*dst = *v
			changed = append(changed, name)
		}
	}
	setBool("enabled", &s.Enabled, patch.Enabled)
	setBool("auto_daily_scan", &s.AutoDailyScan, patch.AutoDailyScan)
	setBool("require_founder_approval", &s.RequireFounderApproval, patch.RequireFounderApproval)
	setBool("auto_test_on_merge", &s.AutoTestOnMerge, patch.AutoTestOnMerge)
	if patch.MaxFindings != nil {
		if *patch.MaxFindings < 1 || *patch.MaxFindings > maxFindingsLimit {
			return domain.Settings{}, ValidationError{Field: "max_findings", Msg: "must be between 1 and 10000"}
		}
		if *patch.MaxFindings != s.MaxFindings {
			s.MaxFindings = *patch.MaxFindings
			changed = append(changed, "max_findings")
		}
	}
	if patch.ScanRoots != nil {
		roots, err := cleanScanRoots(patch.ScanRoots)
		if err != nil {
			return domain.Settings{}, err
		}
		s.ScanRoots = roots
		changed = append(changed, "scan_roots")
	}
	if len(changed) == 0 {
		return s, nil
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.SaveSettings(ctx, tx, &s); err != nil {
			return err
		}
		return e.record(ctx, tx, events.SettingsUpdated, events.KindSettings, "settings", actor, events.EventPayload{
			"changed": changed,
			"version": s.Version,
		}, "Settings updated: "+strings.Join(changed, ", "))
	})
	if err != nil {
		return domain.Settings{}, err
	}
	return s, nil
}

// cleanScanRoots keeps scan roots relative and inside the workspace.
func cleanScanRoots(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		clean := filepath.ToSlash(filepath.Clean(r))
		if filepath.IsAbs(r) || clean == ".." || strings.HasPrefix(clean, "../") {
			return nil, ValidationError{Field: "scan_roots", Msg: "root " + r + " must stay inside the workspace"}
		}
		out = append(out, clean)
	}
	if len(out) == 0 {
		return nil, ValidationError{Field: "scan_roots", Msg: "at least one root is required"}
	}
	return out, nil
}
