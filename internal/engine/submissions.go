package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"changegate/internal/domain"
	"changegate/internal/drafter"
	"changegate/internal/events"
	"changegate/internal/metrics"
	"changegate/internal/repo"
	"changegate/internal/scanner"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// validationError converts validator output into a ValidationError naming
// the first offending field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return ValidationError{Field: fe.Field(), Msg: "is required"}
	case "max":
		return ValidationError{Field: fe.Field(), Msg: "must be at most " + fe.Param() + " characters"}
	case "oneof":
		return ValidationError{Field: fe.Field(), Msg: "must be one of " + fe.Param()}
	}
	return ValidationError{Field: fe.Field(), Msg: "failed " + fe.Tag()}
}

// SubmitInput is a new change request.
type SubmitInput struct {
	Title       string `json:"title" validate:"required,max=200"`
	FeatureText string `json:"feature_text" validate:"required"`
	CodeText    string `json:"code_text,omitempty"`
	Source      string `json:"source,omitempty" validate:"max=64"`
}

// Submit scans and classifies a change request and stores it as blocked or
// pending_approval.
func (e Engine) Submit(ctx context.Context, actor domain.Actor, in SubmitInput) (domain.Submission, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.FeatureText = strings.TrimSpace(in.FeatureText)
	if err := validate.Struct(in); err != nil {
		return domain.Submission{}, validationError(err)
	}
	if err := e.Auth.EnsureActor(actor); err != nil {
		return domain.Submission{}, err
	}
	if in.Source == "" {
		in.Source = "api"
	}
	now := e.now()
	ts := e.stamp()
	cls := e.Gate.Classify(ctx, scanner.Compose(in.Title, in.FeatureText, in.CodeText))
	cls.Scan.ScannedAt = ts
	metrics.Scan(cls.Scan.Severity)

	s := domain.Submission{
		ID:          newID("sub", now),
		Title:       in.Title,
		FeatureText: in.FeatureText,
		CodeText:    in.CodeText,
		Metadata: domain.SubmissionMetadata{
			Source:      in.Source,
			Actor:       actor.ID,
			Role:        actor.Role,
			Timestamp:   ts,
			OrgID:       actor.OrgID,
			WorkspaceID: actor.WorkspaceID,
		},
		Scan:      cls.Scan,
		Status:    cls.Status,
		Version:   1,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertSubmission(ctx, tx, s); err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}
		return e.record(ctx, tx, events.SubmissionSubmitted, events.KindSubmission, s.ID, actor, events.EventPayload{
			"status":   s.Status,
			"severity": s.Scan.Severity,
			"signals":  s.Scan.Signals,
			"policy":   s.Scan.Policy,
		}, "New submission: "+s.Title)
	})
	if err != nil {
		return domain.Submission{}, err
	}
	metrics.SubmissionTransition(s.Status)
	e.logger().Info("submission stored", "id", s.ID, "status", s.Status, "severity", s.Scan.Severity)
	return s, nil
}

func (e Engine) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	return e.Repo.GetSubmission(ctx, id)
}

func (e Engine) ListSubmissions(ctx context.Context, f repo.SubmissionFilters) ([]domain.Submission, error) {
	return e.Repo.ListSubmissions(ctx, f)
}

// Review approves or rejects a submission. Approval needs the founder while
// settings require founder approval.
func (e Engine) Review(ctx context.Context, actor domain.Actor, id, decision, reason string) (domain.Submission, error) {
	var to string
	switch decision {
	case domain.DecisionApprove:
		to = domain.StatusApproved
	case domain.DecisionReject:
		to = domain.StatusRejected
	default:
		return domain.Submission{}, ValidationError{Field: "decision", Msg: "must be approve or reject"}
	}
	settings, err := e.Repo.GetSettings(ctx)
	if err != nil {
		return domain.Submission{}, err
	}
	if to == domain.StatusApproved && settings.RequireFounderApproval {
		err = e.Auth.RequireFounder(actor, "approve submissions")
	} else {
		err = e.Auth.RequireReviewer(actor, decision+" submissions")
	}
	if err != nil {
		return domain.Submission{}, err
	}
	s, err := e.Repo.GetSubmission(ctx, id)
	if err != nil {
		return domain.Submission{}, err
	}
	if err := ensureSubmissionTransition(s.Status, to); err != nil {
		return s, err
	}
	from := s.Status
	ts := e.stamp()
	s.Status = to
	s.Review = &domain.Review{
		Decider:   actor.ID,
		Role:      actor.Role,
		Timestamp: ts,
		Decision:  decision,
		Reason:    strings.TrimSpace(reason),
	}
	s.UpdatedAt = ts
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateSubmission(ctx, tx, &s); err != nil {
			return err
		}
		return e.record(ctx, tx, events.SubmissionReviewed, events.KindSubmission, s.ID, actor, events.EventPayload{
			"from":     from,
			"status":   s.Status,
			"decision": decision,
			"reason":   s.Review.Reason,
		}, fmt.Sprintf("Submission %s: %s", to, s.Title))
	})
	if err != nil {
		return domain.Submission{}, err
	}
	metrics.SubmissionTransition(s.Status)
	return s, nil
}

// Merge records an approved submission as merged and writes its merge
// artifact.
func (e Engine) Merge(ctx context.Context, actor domain.Actor, id string) (domain.Submission, error) {
	if err := e.Auth.RequireReviewer(actor, "merge submissions"); err != nil {
		return domain.Submission{}, err
	}
	s, err := e.Repo.GetSubmission(ctx, id)
	if err != nil {
		return domain.Submission{}, err
	}
	if err := ensureSubmissionTransition(s.Status, domain.StatusMerged); err != nil {
		return s, err
	}
	settings, err := e.Repo.GetSettings(ctx)
	if err != nil {
		return domain.Submission{}, err
	}
	now := e.now()
	dir := e.artifactsDir("merged")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Submission{}, fmt.Errorf("create merge artifacts dir: %w", err)
	}
	path := filepath.Join(dir, drafter.MergeArtifactName(now, s.Title, s.ID))
	if err := os.WriteFile(path, []byte(drafter.RenderMergeRecord(s, actor, now, settings.AutoTestOnMerge)), 0o644); err != nil {
		return domain.Submission{}, fmt.Errorf("write merge artifact: %w", err)
	}
	ts := e.stamp()
	s.Status = domain.StatusMerged
	s.Merge = &domain.Merge{
		Merger:         actor.ID,
		Timestamp:      ts,
		ArtifactPath:   path,
		TestsRequested: settings.AutoTestOnMerge,
	}
	s.UpdatedAt = ts
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateSubmission(ctx, tx, &s); err != nil {
			return err
		}
		return e.record(ctx, tx, events.SubmissionMerged, events.KindSubmission, s.ID, actor, events.EventPayload{
			"artifact_path":   path,
			"tests_requested": settings.AutoTestOnMerge,
		}, "Submission merged: "+s.Title)
	})
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			e.logger().Warn("remove orphan merge artifact", "path", path, "error", rmErr)
		}
		return domain.Submission{}, err
	}
	metrics.SubmissionTransition(s.Status)
	return s, nil
}

// Rescan re-runs the scanner and doctrine on a blocked submission. It moves
// to pending_approval only when the fresh severity is below high.
func (e Engine) Rescan(ctx context.Context, actor domain.Actor, id string) (domain.Submission, error) {
	if err := e.Auth.RequireReviewer(actor, "rescan submissions"); err != nil {
		return domain.Submission{}, err
	}
	s, err := e.Repo.GetSubmission(ctx, id)
	if err != nil {
		return domain.Submission{}, err
	}
	if s.Status != domain.StatusBlocked {
		return s, TransitionError{Entity: "submission", From: s.Status, To: domain.StatusPendingApproval, Msg: "only blocked submissions can be rescanned"}
	}
	ts := e.stamp()
	previous := s.Scan.Severity
	cls := e.Gate.Classify(ctx, scanner.Compose(s.Title, s.FeatureText, s.CodeText))
	cls.Scan.ScannedAt = ts
	metrics.Scan(cls.Scan.Severity)
	s.Scan = cls.Scan
	s.Status = cls.Status
	s.UpdatedAt = ts
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateSubmission(ctx, tx, &s); err != nil {
			return err
		}
		return e.record(ctx, tx, events.SubmissionRescanned, events.KindSubmission, s.ID, actor, events.EventPayload{
			"previous_severity": previous,
			"severity":          s.Scan.Severity,
			"status":            s.Status,
			"rules_version":     s.Scan.RulesVersion,
		}, "Submission rescanned: "+s.Title)
	})
	if err != nil {
		return domain.Submission{}, err
	}
	if s.Status != domain.StatusBlocked {
		metrics.SubmissionTransition(s.Status)
	}
	return s, nil
}

// Override lets the founder move a blocked submission to pending_approval.
// The recorded severity is kept; approval is still required.
func (e Engine) Override(ctx context.Context, actor domain.Actor, id, reason string) (domain.Submission, error) {
	if err := e.Auth.RequireFounder(actor, "override blocked submissions"); err != nil {
		return domain.Submission{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Submission{}, ValidationError{Field: "reason", Msg: "is required"}
	}
	s, err := e.Repo.GetSubmission(ctx, id)
	if err != nil {
		return domain.Submission{}, err
	}
	if s.Status != domain.StatusBlocked {
		return s, TransitionError{Entity: "submission", From: s.Status, To: domain.StatusPendingApproval, Msg: "only blocked submissions can be overridden"}
	}
	ts := e.stamp()
	s.Scan.Override = &domain.ScanOverride{By: actor.ID, Role: actor.Role, At: ts, Reason: reason}
	s.Status = domain.StatusPendingApproval
	s.UpdatedAt = ts
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateSubmission(ctx, tx, &s); err != nil {
			return err
		}
		return e.record(ctx, tx, events.SubmissionOverridden, events.KindSubmission, s.ID, actor, events.EventPayload{
			"severity": s.Scan.Severity,
			"reason":   reason,
		}, "Blocked submission overridden: "+s.Title)
	})
	if err != nil {
		return domain.Submission{}, err
	}
	metrics.SubmissionTransition(s.Status)
	e.logger().Warn("blocked submission overridden", "id", s.ID, "by", actor.ID, "severity", s.Scan.Severity)
	return s, nil
}
