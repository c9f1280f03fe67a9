package events

import (
	"context"
	"testing"
	"time"

	"changegate/internal/db"
	"changegate/internal/domain"
	"changegate/internal/migrate"
)

func TestAppendStoresActorAndPayload(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	w := Writer{DB: conn, Now: func() time.Time { return fixed }}
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	actor := domain.Actor{ID: "alice", Role: "founder", OrgID: "org-1"}
	id, err := w.Append(ctx, tx, SubmissionSubmitted, KindSubmission, "sub-1", actor, EventPayload{"status": "pending_approval"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	var ts, role, org, payload string
	if err := conn.QueryRow(`SELECT ts, actor_role, org_id, payload_json FROM events WHERE id=?`, id).Scan(&ts, &role, &org, &payload); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ts != "2026-03-01T09:00:00Z" || role != "founder" || org != "org-1" {
		t.Fatalf("unexpected row ts=%s role=%s org=%s", ts, role, org)
	}
	decoded, err := DecodePayload(payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded["status"] != "pending_approval" {
		t.Fatalf("unexpected payload %v", decoded)
	}
}
