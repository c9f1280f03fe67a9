package repo

import (
	"context"
	"database/sql"
)

// Feedback ratings.
const (
	RatingPositive = "positive"
	RatingNegative = "negative"
	RatingNeutral  = "neutral"
)

type Feedback struct {
	ID        int64  `json:"id"`
	CreatedAt string `json:"created_at"`
	EntityID  string `json:"entity_id"`
	Rating    string `json:"rating"`
	Note      string `json:"note,omitempty"`
	ActorID   string `json:"actor_id"`
}

func (r Repo) InsertFeedback(ctx context.Context, tx *sql.Tx, f Feedback) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO feedback(created_at,entity_id,rating,note,actor_id) VALUES (?,?,?,?,?)`,
		f.CreatedAt, f.EntityID, f.Rating, nullable(f.Note), f.ActorID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListFeedback(ctx context.Context, entityID string) ([]Feedback, error) {
	query := `SELECT id,created_at,entity_id,rating,COALESCE(note,''),actor_id FROM feedback`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Feedback{}
	for rows.Next() {
		var f Feedback
		if err := rows.Scan(&f.ID, &f.CreatedAt, &f.EntityID, &f.Rating, &f.Note, &f.ActorID); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
