package engine

import (
	"context"

	"changegate/internal/domain"
	"changegate/internal/repo"
)

// ListEvents returns the audit log newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

// EventsAfter returns events past cursor, oldest first, for tailing.
func (e Engine) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	return e.Repo.EventsAfter(ctx, limit, cursor)
}

// LatestEventID is the newest event id, 0 on an empty log.
func (e Engine) LatestEventID(ctx context.Context) (int64, error) {
	return e.Repo.LatestEventID(ctx)
}

// ExportState assembles every stored entity into one document.
func (e Engine) ExportState(ctx context.Context) (domain.StateDocument, error) {
	settings, err := e.Repo.GetSettings(ctx)
	if err != nil {
		return domain.StateDocument{}, err
	}
	subs, err := e.Repo.ListSubmissions(ctx, repo.SubmissionFilters{})
	if err != nil {
		return domain.StateDocument{}, err
	}
	props, err := e.Repo.ListProposals(ctx, "", 0)
	if err != nil {
		return domain.StateDocument{}, err
	}
	cps, err := e.Repo.ListCheckpoints(ctx, "", 0)
	if err != nil {
		return domain.StateDocument{}, err
	}
	return domain.StateDocument{
		Settings:    settings,
		Submissions: subs,
		Proposals:   props,
		Checkpoints: cps,
		ExportedAt:  e.stamp(),
	}, nil
}

// StatusCounts returns the number of submissions per status.
func (e Engine) StatusCounts(ctx context.Context) (map[string]int, error) {
	return e.Repo.CountSubmissionsByStatus(ctx)
}
