package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"changegate/internal/domain"
	"changegate/internal/events"
	"changegate/internal/metrics"
	"changegate/internal/repo"
	"changegate/internal/workspace"
)

// Planner skip reasons.
const (
	SkipDisabled           = "disabled"
	SkipAlreadyRanRecently = "already_ran_recently"
)

const (
	plannerWindow       = 24 * time.Hour
	feedbackWindow      = 200
	maxCandidateModules = 5
)

// PlannerOptions tunes one planner run. Force ignores the 24h window but
// never the disabled settings.
type PlannerOptions struct {
	Force bool `json:"force,omitempty"`
}

type PlannerResult struct {
	Skipped        bool                 `json:"skipped"`
	Reason         string               `json:"reason,omitempty"`
	Proposal       *domain.AutoProposal `json:"proposal,omitempty"`
	NegativeSignal int                  `json:"negative_signal"`
}

// RunDailyPlanner scans for unfinished work and files one proposal per 24h
// window. Concurrent calls for the same workspace share one run.
func (e Engine) RunDailyPlanner(ctx context.Context, actor domain.Actor, opts PlannerOptions) (PlannerResult, error) {
	if err := e.Auth.EnsureActor(actor); err != nil {
		return PlannerResult{}, err
	}
	key := fmt.Sprintf("%s|force=%t", e.Workspace, opts.Force)
	v, err, _ := plannerRuns.Do(key, func() (any, error) {
		return e.runPlanner(ctx, actor, opts)
	})
	if err != nil {
		return PlannerResult{}, err
	}
	return v.(PlannerResult), nil
}

func (e Engine) runPlanner(ctx context.Context, actor domain.Actor, opts PlannerOptions) (PlannerResult, error) {
	settings, err := e.Repo.GetSettings(ctx)
	if err != nil {
		return PlannerResult{}, err
	}
	if !settings.Enabled || !settings.AutoDailyScan {
		metrics.PlannerRun(SkipDisabled)
		return PlannerResult{Skipped: true, Reason: SkipDisabled}, nil
	}
	now := e.now()
	if !opts.Force && settings.LastDailyRunAt != "" {
		if last, err := time.Parse(time.RFC3339, settings.LastDailyRunAt); err == nil && now.Sub(last) < plannerWindow {
			metrics.PlannerRun(SkipAlreadyRanRecently)
			return PlannerResult{Skipped: true, Reason: SkipAlreadyRanRecently}, nil
		}
	}

	cfg := e.config()
	report, err := workspace.ScanPlaceholders(e.Workspace, settings.ScanRoots, settings.MaxFindings, cfg.Workspace.MaxDepth)
	if err != nil {
		return PlannerResult{}, fmt.Errorf("scan placeholders: %w", err)
	}
	negative, err := e.negativeSignal(ctx)
	if err != nil {
		return PlannerResult{}, err
	}
	missing := workspace.MissingComponents(e.Workspace, cfg.Workspace.RequiredComponents)

	candidates := report.TopDirs(maxCandidateModules)
	seen := map[string]bool{}
	for _, c := range candidates {
		seen[c] = true
	}
	for _, group := range workspace.SortedGroups(missing) {
		if !seen[group] {
			seen[group] = true
			candidates = append(candidates, group)
		}
	}

	rationale := []string{fmt.Sprintf("%d placeholder markers found in %s", report.Count, strings.Join(report.Roots, ", "))}
	if report.Truncated {
		rationale = append(rationale, fmt.Sprintf("scan stopped at max_findings=%d", settings.MaxFindings))
	}
	if top := report.TopDirs(maxCandidateModules); len(top) > 0 {
		parts := make([]string, 0, len(top))
		for _, d := range top {
			parts = append(parts, fmt.Sprintf("%s (%d)", d, report.ByTopDir[d]))
		}
		rationale = append(rationale, "most markers: "+strings.Join(parts, ", "))
	}
	for _, group := range workspace.SortedGroups(missing) {
		rationale = append(rationale, fmt.Sprintf("missing required %s components: %s", group, strings.Join(missing[group], ", ")))
	}
	if negative > 0 {
		rationale = append(rationale, fmt.Sprintf("%d negative signals in the last %d events; prioritize stabilization", negative, feedbackWindow))
	} else {
		rationale = append(rationale, fmt.Sprintf("no negative signals in the last %d events", feedbackWindow))
	}
	if report.SkippedDirs > 0 {
		rationale = append(rationale, fmt.Sprintf("%d unreadable directories skipped", report.SkippedDirs))
	}

	ts := now.UTC().Format(time.RFC3339)
	p := domain.AutoProposal{
		ID:               newID("prop", now),
		CreatedAt:        ts,
		PlaceholderCount: report.Count,
		CandidateModules: candidates,
		Rationale:        rationale,
		Status:           domain.StatusPendingApproval,
		Version:          1,
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		// settings may have been saved while the workspace was scanned
		cur, err := e.Repo.GetSettingsTx(ctx, tx)
		if err != nil {
			return err
		}
		cur.LastDailyRunAt = ts
		if err := e.Repo.SaveSettings(ctx, tx, &cur); err != nil {
			return err
		}
		if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}
		return e.record(ctx, tx, events.ProposalCreated, events.KindProposal, p.ID, actor, events.EventPayload{
			"placeholder_count": p.PlaceholderCount,
			"candidate_modules": p.CandidateModules,
			"negative_signal":   negative,
			"forced":            opts.Force,
		}, fmt.Sprintf("Daily plan: %d placeholders", p.PlaceholderCount))
	})
	if err != nil {
		return PlannerResult{}, err
	}
	metrics.PlannerRun("created")
	e.logger().Info("planner proposal created", "id", p.ID, "placeholders", p.PlaceholderCount, "negative_signal", negative)
	return PlannerResult{Proposal: &p, NegativeSignal: negative}, nil
}

// negativeSignal counts rejections, failed applies and negative feedback in
// the most recent events.
func (e Engine) negativeSignal(ctx context.Context) (int, error) {
	evts, err := e.Repo.LatestEvents(ctx, repo.EventFilters{Limit: feedbackWindow})
	if err != nil {
		return 0, fmt.Errorf("load recent events: %w", err)
	}
	n := 0
	for _, ev := range evts {
		switch ev.Type {
		case events.SubmissionApplyFailed:
			n++
		case events.SubmissionReviewed:
			if p, err := events.DecodePayload(ev.Payload); err == nil && p["decision"] == domain.DecisionReject {
				n++
			}
		case events.FeedbackRecorded:
			if p, err := events.DecodePayload(ev.Payload); err == nil && p["rating"] == repo.RatingNegative {
				n++
			}
		}
	}
	return n, nil
}

func (e Engine) ListProposals(ctx context.Context, status string, limit int) ([]domain.AutoProposal, error) {
	return e.Repo.ListProposals(ctx, status, limit)
}

func (e Engine) GetProposal(ctx context.Context, id string) (domain.AutoProposal, error) {
	return e.Repo.GetProposal(ctx, id)
}

// ReviewProposal approves or rejects a pending proposal.
func (e Engine) ReviewProposal(ctx context.Context, actor domain.Actor, id, decision, reason string) (domain.AutoProposal, error) {
	var to string
	switch decision {
	case domain.DecisionApprove:
		to = domain.StatusApproved
	case domain.DecisionReject:
		to = domain.StatusRejected
	default:
		return domain.AutoProposal{}, ValidationError{Field: "decision", Msg: "must be approve or reject"}
	}
	if err := e.Auth.RequireReviewer(actor, "review proposals"); err != nil {
		return domain.AutoProposal{}, err
	}
	p, err := e.Repo.GetProposal(ctx, id)
	if err != nil {
		return domain.AutoProposal{}, err
	}
	if err := ensureProposalTransition(p.Status, to); err != nil {
		return p, err
	}
	p.Status = to
	p.Review = &domain.Review{Decider: actor.ID, Role: actor.Role, Timestamp: e.stamp(), Decision: decision, Reason: strings.TrimSpace(reason)}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateProposal(ctx, tx, &p); err != nil {
			return err
		}
		return e.record(ctx, tx, events.ProposalReviewed, events.KindProposal, p.ID, actor, events.EventPayload{
			"decision": decision,
			"reason":   p.Review.Reason,
		}, "Proposal "+to)
	})
	if err != nil {
		return domain.AutoProposal{}, err
	}
	return p, nil
}

// FeedbackInput rates any entity; negative ratings feed the planner.
type FeedbackInput struct {
	EntityID string `json:"entity_id" validate:"required"`
	Rating   string `json:"rating" validate:"required,oneof=positive negative neutral"`
	Note     string `json:"note,omitempty" validate:"max=2000"`
}

func (e Engine) RecordFeedback(ctx context.Context, actor domain.Actor, in FeedbackInput) (repo.Feedback, error) {
	in.EntityID = strings.TrimSpace(in.EntityID)
	in.Rating = strings.ToLower(strings.TrimSpace(in.Rating))
	if err := validate.Struct(in); err != nil {
		return repo.Feedback{}, validationError(err)
	}
	if err := e.Auth.EnsureActor(actor); err != nil {
		return repo.Feedback{}, err
	}
	f := repo.Feedback{
		EntityID:  in.EntityID,
		Rating:    in.Rating,
		Note:      strings.TrimSpace(in.Note),
		ActorID:   actor.ID,
		CreatedAt: e.stamp(),
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		id, err := e.Repo.InsertFeedback(ctx, tx, f)
		if err != nil {
			return fmt.Errorf("insert feedback: %w", err)
		}
		f.ID = id
		w := e.Events
		if w.Now == nil {
			w.Now = e.now
		}
		_, err = w.Append(ctx, tx, events.FeedbackRecorded, events.KindFeedback, f.EntityID, actor, events.EventPayload{
			"rating":      f.Rating,
			"feedback_id": f.ID,
		})
		return err
	})
	if err != nil {
		return repo.Feedback{}, err
	}
	return f, nil
}

// PlaceholderReport scans roots for markers without recording anything.
// Empty roots fall back to the configured scan roots.
func (e Engine) PlaceholderReport(ctx context.Context, roots []string, maxFindings int) (workspace.PlaceholderReport, error) {
	if len(roots) == 0 || maxFindings <= 0 {
		settings, err := e.Repo.GetSettings(ctx)
		if err != nil {
			return workspace.PlaceholderReport{}, err
		}
		if len(roots) == 0 {
			roots = settings.ScanRoots
		}
		if maxFindings <= 0 {
			maxFindings = settings.MaxFindings
		}
	}
	rep, err := workspace.ScanPlaceholders(e.Workspace, roots, maxFindings, e.config().Workspace.MaxDepth)
	if errors.Is(err, workspace.ErrRootEscapes) {
		return rep, ValidationError{Field: "roots", Msg: err.Error()}
	}
	return rep, err
}

// Inventory summarizes the workspace layout.
func (e Engine) Inventory(ctx context.Context) (workspace.Inventory, map[string][]string, error) {
	cfg := e.config()
	inv, err := workspace.Analyze(e.Workspace, workspace.OptionsFromConfig(cfg))
	if err != nil {
		return workspace.Inventory{}, nil, err
	}
	return inv, workspace.MissingComponents(e.Workspace, cfg.Workspace.RequiredComponents), nil
}

// ListFeedback returns feedback newest first, optionally for one entity.
func (e Engine) ListFeedback(ctx context.Context, entityID string) ([]repo.Feedback, error) {
	return e.Repo.ListFeedback(ctx, strings.TrimSpace(entityID))
}
