package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"changegate/internal/domain"
)

// Event types.
const (
	SubmissionSubmitted   = "submission.submitted"
	SubmissionReviewed    = "submission.reviewed"
	SubmissionMerged      = "submission.merged"
	SubmissionRescanned   = "submission.rescanned"
	SubmissionOverridden  = "submission.overridden"
	SubmissionApplied     = "submission.applied"
	SubmissionApplyFailed = "submission.apply.failed"
	SubmissionPRDrafted   = "submission.pr_drafted"
	ProposalCreated       = "proposal.created"
	ProposalReviewed      = "proposal.reviewed"
	CheckpointRestored    = "checkpoint.restored"
	FeedbackRecorded      = "feedback.recorded"
	SettingsUpdated       = "settings.updated"
)

// Entity kinds.
const (
	KindSubmission = "submission"
	KindProposal   = "proposal"
	KindCheckpoint = "checkpoint"
	KindSettings   = "settings"
	KindFeedback   = "feedback"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one event inside tx and returns its id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, actor domain.Actor, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,actor_role,org_id,workspace_id,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actor.ID, nullable(actor.Role), nullable(actor.OrgID), nullable(actor.WorkspaceID), string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DecodePayload parses a stored payload_json column.
func DecodePayload(raw string) (EventPayload, error) {
	payload := EventPayload{}
	if raw == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
