package domain

// Submission statuses.
const (
	StatusBlocked         = "blocked"
	StatusPendingApproval = "pending_approval"
	StatusApproved        = "approved"
	StatusRejected        = "rejected"
	StatusMerged          = "merged"
)

// Review decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Severity classes in ascending order of risk.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Actor is the caller-asserted identity supplied with every mutating call.
type Actor struct {
	ID          string `json:"actor"`
	Role        string `json:"role"`
	OrgID       string `json:"org_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

type SubmissionMetadata struct {
	Source      string `json:"source"`
	Actor       string `json:"actor"`
	Role        string `json:"role"`
	Timestamp   string `json:"timestamp" format:"date-time"`
	OrgID       string `json:"org_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

type PolicyVerdict struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	RuleID string `json:"rule_id,omitempty"`
}

type ScanOverride struct {
	By     string `json:"by"`
	Role   string `json:"role"`
	At     string `json:"at" format:"date-time"`
	Reason string `json:"reason"`
}

type ScanResult struct {
	Severity     string        `json:"severity" enum:"low,medium,high,critical"`
	Signals      []string      `json:"signals"`
	Policy       PolicyVerdict `json:"policy"`
	RulesVersion string        `json:"rules_version,omitempty"`
	ScannedAt    string        `json:"scanned_at" format:"date-time"`
	Override     *ScanOverride `json:"override,omitempty"`
}

type Review struct {
	Decider   string `json:"decider"`
	Role      string `json:"role"`
	Timestamp string `json:"timestamp" format:"date-time"`
	Decision  string `json:"decision" enum:"approve,reject"`
	Reason    string `json:"reason,omitempty"`
}

type Merge struct {
	Merger         string `json:"merger"`
	Timestamp      string `json:"timestamp" format:"date-time"`
	ArtifactPath   string `json:"artifact_path"`
	TestsRequested bool   `json:"tests_requested"`
}

type ApplyRecord struct {
	At           string `json:"at" format:"date-time"`
	OK           bool   `json:"ok"`
	Stage        string `json:"stage"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	TestExitCode *int   `json:"test_exit_code,omitempty"`
}

type Submission struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	FeatureText string             `json:"feature_text"`
	CodeText    string             `json:"code_text,omitempty"`
	Metadata    SubmissionMetadata `json:"metadata"`
	Scan        ScanResult         `json:"scan"`
	Status      string             `json:"status" enum:"blocked,pending_approval,approved,rejected,merged"`
	Review      *Review            `json:"review,omitempty"`
	Merge       *Merge             `json:"merge,omitempty"`
	LastApply   *ApplyRecord       `json:"last_apply,omitempty"`
	Version     int64              `json:"version"`
	CreatedAt   string             `json:"created_at" format:"date-time"`
	UpdatedAt   string             `json:"updated_at" format:"date-time"`
}

type AutoProposal struct {
	ID               string   `json:"id"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	PlaceholderCount int      `json:"placeholder_count"`
	CandidateModules []string `json:"candidate_modules"`
	Rationale        []string `json:"rationale"`
	Status           string   `json:"status" enum:"pending_approval,approved,rejected"`
	Review           *Review  `json:"review,omitempty"`
	Version          int64    `json:"version"`
}

type Checkpoint struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	Branch         string `json:"branch"`
	Revision       string `json:"revision"`
	StatusText     string `json:"status_text"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	RestoreCommand string `json:"restore_command"`
	ArtifactPath   string `json:"artifact_path"`
	SubmissionID   string `json:"submission_id,omitempty"`
}

type Settings struct {
	Enabled                bool     `json:"enabled"`
	AutoDailyScan          bool     `json:"auto_daily_scan"`
	RequireFounderApproval bool     `json:"require_founder_approval"`
	AutoTestOnMerge        bool     `json:"auto_test_on_merge"`
	ScanRoots              []string `json:"scan_roots"`
	MaxFindings            int      `json:"max_findings"`
	LastDailyRunAt         string   `json:"last_daily_run_at,omitempty" format:"date-time"`
	Version                int64    `json:"version"`
}

// DefaultSettings is synthesized when the store has no settings row yet.
func DefaultSettings() Settings {
	return Settings{
		Enabled:                true,
		AutoDailyScan:          true,
		RequireFounderApproval: true,
		AutoTestOnMerge:        false,
		ScanRoots:              []string{"."},
		MaxFindings:            200,
	}
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	ActorRole   string `json:"actor_role,omitempty"`
	OrgID       string `json:"org_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Payload     string `json:"payload_json"`
}

type Notification struct {
	ID         int64  `json:"id"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	Role       string `json:"role"`
	EventType  string `json:"event_type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
}

// StateDocument is the whole persisted state as one JSON document.
type StateDocument struct {
	Settings    Settings       `json:"settings"`
	Submissions []Submission   `json:"submissions"`
	Proposals   []AutoProposal `json:"proposals"`
	Checkpoints []Checkpoint   `json:"checkpoints"`
	ExportedAt  string         `json:"exported_at" format:"date-time"`
}
