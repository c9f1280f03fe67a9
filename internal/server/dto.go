package server

import (
	"changegate/internal/domain"
	"changegate/internal/engine"
	"changegate/internal/repo"
	"changegate/internal/workspace"
)

// output wraps a response body for huma.
type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

type SubmitRequest struct {
	Title       string `json:"title" maxLength:"200" doc:"Short summary of the change"`
	FeatureText string `json:"feature_text" doc:"Description of the change"`
	CodeText    string `json:"code_text,omitempty" doc:"Unified diff"`
	Source      string `json:"source,omitempty" maxLength:"64"`
}

type ReviewRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
	Reason   string `json:"reason,omitempty"`
}

type OverrideRequest struct {
	Reason string `json:"reason" doc:"Why the block is being lifted"`
}

type ApplyRequest struct {
	RunTests *bool `json:"run_tests,omitempty" doc:"Defaults to the auto_test_on_merge setting"`
}

type DraftRequest struct {
	Materialize bool   `json:"materialize,omitempty" doc:"Create the branch and commit locally"`
	Push        bool   `json:"push,omitempty" doc:"Push the branch; implies materialize"`
	Remote      string `json:"remote,omitempty"`
	Base        string `json:"base,omitempty"`
}

type SettingsRequest struct {
	Enabled                *bool    `json:"enabled,omitempty"`
	AutoDailyScan          *bool    `json:"auto_daily_scan,omitempty"`
	RequireFounderApproval *bool    `json:"require_founder_approval,omitempty"`
	AutoTestOnMerge        *bool    `json:"auto_test_on_merge,omitempty"`
	ScanRoots              []string `json:"scan_roots,omitempty"`
	MaxFindings            *int     `json:"max_findings,omitempty"`
	Version                int64    `json:"version,omitempty" doc:"Version being replaced; zero skips the check"`
}

type PlannerRequest struct {
	Force bool `json:"force,omitempty"`
}

type RestoreRequest struct {
	Confirm bool `json:"confirm"`
}

type FeedbackRequest struct {
	EntityID string `json:"entity_id"`
	Rating   string `json:"rating" enum:"positive,negative,neutral"`
	Note     string `json:"note,omitempty" maxLength:"2000"`
}

type AckRequest struct {
	IDs []int64 `json:"ids" minItems:"1"`
}

type SubmissionResponse struct {
	OK         bool              `json:"ok"`
	Submission domain.Submission `json:"submission"`
}

type SubmissionListResponse struct {
	OK         bool                `json:"ok"`
	Items      []domain.Submission `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type PreviewResponse struct {
	OK      bool                 `json:"ok"`
	Preview engine.PreviewResult `json:"preview"`
}

type ApplyResponse struct {
	OK     bool               `json:"ok"`
	Result engine.ApplyResult `json:"result"`
}

type DraftResponse struct {
	OK    bool               `json:"ok"`
	Draft engine.DraftResult `json:"draft"`
}

type SettingsResponse struct {
	OK       bool            `json:"ok"`
	Settings domain.Settings `json:"settings"`
}

type InventoryResponse struct {
	OK                bool                `json:"ok"`
	Inventory         workspace.Inventory `json:"inventory"`
	MissingComponents map[string][]string `json:"missing_components"`
}

type PlaceholderResponse struct {
	OK     bool                        `json:"ok"`
	Report workspace.PlaceholderReport `json:"report"`
}

type PlannerResponse struct {
	OK     bool                 `json:"ok"`
	Result engine.PlannerResult `json:"result"`
}

type ProposalResponse struct {
	OK       bool                `json:"ok"`
	Proposal domain.AutoProposal `json:"proposal"`
}

type ProposalListResponse struct {
	OK    bool                  `json:"ok"`
	Items []domain.AutoProposal `json:"items"`
}

type CheckpointResponse struct {
	OK         bool              `json:"ok"`
	Checkpoint domain.Checkpoint `json:"checkpoint"`
}

type CheckpointListResponse struct {
	OK    bool                `json:"ok"`
	Items []domain.Checkpoint `json:"items"`
}

type RestoreResponse struct {
	OK     bool                 `json:"ok"`
	Result engine.RestoreResult `json:"result"`
}

type EventListResponse struct {
	OK         bool           `json:"ok"`
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type StateResponse struct {
	OK    bool                 `json:"ok"`
	State domain.StateDocument `json:"state"`
}

type FeedbackResponse struct {
	OK       bool          `json:"ok"`
	Feedback repo.Feedback `json:"feedback"`
}

type FeedbackListResponse struct {
	OK    bool            `json:"ok"`
	Items []repo.Feedback `json:"items"`
}

type NotificationListResponse struct {
	OK    bool                  `json:"ok"`
	Items []domain.Notification `json:"items"`
}

type AckResponse struct {
	OK           bool `json:"ok"`
	Acknowledged int  `json:"acknowledged"`
}

type HealthResponse struct {
	OK     bool           `json:"ok"`
	Status string         `json:"status"`
	Counts map[string]int `json:"submission_counts,omitempty"`
}

func (r SettingsRequest) patch() engine.SettingsPatch {
	return engine.SettingsPatch{
		Enabled:                r.Enabled,
		AutoDailyScan:          r.AutoDailyScan,
		RequireFounderApproval: r.RequireFounderApproval,
		AutoTestOnMerge:        r.AutoTestOnMerge,
		ScanRoots:              r.ScanRoots,
		MaxFindings:            r.MaxFindings,
		Version:                r.Version,
	}
}

func (r DraftRequest) input() engine.DraftInput {
	return engine.DraftInput{Materialize: r.Materialize, Push: r.Push, Remote: r.Remote, Base: r.Base}
}
