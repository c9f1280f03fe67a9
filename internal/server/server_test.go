package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"changegate/internal/config"
	"changegate/internal/db"
	"changegate/internal/domain"
	"changegate/internal/engine"
	"changegate/internal/logging"
	"changegate/internal/migrate"
	"changegate/internal/vcs/vcstest"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, allowHeaderActor bool) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, config.Default(), workspace)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.VCS = vcstest.NewFake()
	e.Logger = logging.Discard()
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:        testSecret,
		AllowHeaderActor: allowHeaderActor,
		Logger:           logging.Discard(),
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, id, role string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, domain.Actor{ID: id, Role: role}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiError {
	t.Helper()
	var e apiError
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("unmarshal error: %v: %s", err, string(data))
	}
	return e
}

func TestSubmissionLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	dev := bearer(t, "dev", "user")
	founder := bearer(t, "ana", "founder")
	admin := bearer(t, "ops", "admin")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions", map[string]any{
		"title":        "Add retry",
		"feature_text": "Retry failed requests on 500",
		"code_text":    "diff --git a/client.go b/client.go\n--- a/client.go\n+++ b/client.go\n@@ -1 +1,2 @@\n package client\n+// retries\n",
	}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created SubmissionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal submission: %v", err)
	}
	sub := created.Submission
	if !created.OK || sub.Status != domain.StatusPendingApproval || sub.Scan.Severity != domain.SeverityLow {
		t.Fatalf("unexpected submission %+v", created)
	}
	if sub.Metadata.Actor != "dev" || sub.Metadata.Source != "api" {
		t.Fatalf("metadata not stamped from token: %+v", sub.Metadata)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions/"+sub.ID+"/merge", nil, founder)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("merge pending status %d: %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.OK || e.Message != "only approved submissions can be merged" || e.Code != "invalid_transition" {
		t.Fatalf("unexpected merge error %+v", e)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions/"+sub.ID+"/review", map[string]any{"decision": "approve"}, admin)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("admin approve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions/"+sub.ID+"/review", map[string]any{"decision": "approve"}, founder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions/"+sub.ID+"/preview", nil, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview status %d: %s", res.StatusCode, string(data))
	}
	var preview PreviewResponse
	if err := json.Unmarshal(data, &preview); err != nil {
		t.Fatalf("unmarshal preview: %v", err)
	}
	if !preview.OK || preview.Preview.Added != 1 {
		t.Fatalf("unexpected preview %+v", preview)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions/"+sub.ID+"/merge", nil, founder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("merge status %d: %s", res.StatusCode, string(data))
	}
	var merged SubmissionResponse
	if err := json.Unmarshal(data, &merged); err != nil {
		t.Fatalf("unmarshal merged: %v", err)
	}
	if merged.Submission.Status != domain.StatusMerged || merged.Submission.Merge == nil {
		t.Fatalf("unexpected merged submission %+v", merged.Submission)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_id="+sub.ID+"&limit=2", nil, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts EventListResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts.Items) != 2 || evts.Items[0].Type != "submission.merged" || evts.NextCursor == "" {
		t.Fatalf("unexpected events page %+v", evts)
	}
}

func TestBlockedSubmission(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions", map[string]any{
		"title":        "Cleanup",
		"feature_text": "Free disk space",
		"code_text":    "rm -rf /",
	}, bearer(t, "dev", "user"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created SubmissionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal submission: %v", err)
	}
	if created.Submission.Status != domain.StatusBlocked || created.Submission.Scan.Severity != domain.SeverityCritical {
		t.Fatalf("expected blocked critical, got %+v", created.Submission.Scan)
	}
	joined := strings.Join(created.Submission.Scan.Signals, ",")
	if !strings.Contains(joined, "Destructive filesystem command") {
		t.Fatalf("missing destructive signal: %v", created.Submission.Scan.Signals)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions/"+created.Submission.ID+"/override", map[string]any{"reason": ""}, bearer(t, "ana", "founder"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("override without reason status %d: %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.Code != "validation_failed" {
		t.Fatalf("unexpected error code %+v", e)
	}
}

func TestSubmitValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/submissions", map[string]any{
		"title":        "",
		"feature_text": "x",
	}, bearer(t, "dev", "user"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.OK || e.Message == "" {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestAuthentication(t *testing.T) {
	cases := []struct {
		name       string
		allow      bool
		headers    map[string]string
		wantStatus int
	}{
		{name: "missing credentials", wantStatus: http.StatusUnauthorized},
		{name: "malformed authorization", headers: map[string]string{"Authorization": "Token abc"}, wantStatus: http.StatusUnauthorized},
		{name: "header actor disabled", headers: map[string]string{"X-Actor-Id": "ana", "X-Actor-Role": "founder"}, wantStatus: http.StatusUnauthorized},
		{name: "header actor enabled", allow: true, headers: map[string]string{"X-Actor-Id": "ana", "X-Actor-Role": "founder"}, wantStatus: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, cleanup := newTestServer(t, tc.allow)
			defer cleanup()
			res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/settings", nil, tc.headers)
			if res.StatusCode != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, res.StatusCode, string(data))
			}
		})
	}

	t.Run("wrong secret", func(t *testing.T) {
		srv, cleanup := newTestServer(t, false)
		defer cleanup()
		token, err := SignToken("other-secret", domain.Actor{ID: "ana", Role: "founder"}, time.Hour, time.Now())
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/settings", nil, map[string]string{"Authorization": "Bearer " + token})
		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
		}
		if e := decodeError(t, data); e.Code != "invalid_credentials" {
			t.Fatalf("unexpected code %q", e.Code)
		}
	})
}

func TestSettingsFounderOnly(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/settings", map[string]any{"auto_test_on_merge": true}, bearer(t, "ops", "admin"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("admin settings status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/settings", map[string]any{"auto_test_on_merge": true}, bearer(t, "ana", "founder"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("founder settings status %d: %s", res.StatusCode, string(data))
	}
	var out SettingsResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal settings: %v", err)
	}
	if !out.Settings.AutoTestOnMerge || out.Settings.Version == 0 {
		t.Fatalf("unexpected settings %+v", out.Settings)
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/settings", map[string]any{"auto_daily_scan": false, "version": out.Settings.Version + 5}, bearer(t, "ana", "founder"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale settings status %d: %s", res.StatusCode, string(data))
	}
}

func TestPlannerSkipsWithinWindow(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	founder := bearer(t, "ana", "founder")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/planner/run", nil, founder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first run status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/planner/run", map[string]any{}, founder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second run status %d: %s", res.StatusCode, string(data))
	}
	var out PlannerResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal planner: %v", err)
	}
	if !out.Result.Skipped || out.Result.Reason != "already_ran_recently" {
		t.Fatalf("expected skip, got %+v", out.Result)
	}
}

func TestFeedbackRecordAndList(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	dev := bearer(t, "dev", "user")

	for _, rating := range []string{"negative", "positive"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/feedback", map[string]any{
			"entity_id": "sub-1",
			"rating":    rating,
		}, dev)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("record status %d: %s", res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/feedback", map[string]any{
		"entity_id": "sub-2",
		"rating":    "neutral",
	}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/feedback?entity_id=sub-1", nil, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var out FeedbackListResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal feedback: %v", err)
	}
	if len(out.Items) != 2 || out.Items[0].Rating != "positive" || out.Items[1].Rating != "negative" {
		t.Fatalf("unexpected feedback %+v", out.Items)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/feedback", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
}

func TestNotificationsDrain(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	founder := bearer(t, "ana", "founder")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions", map[string]any{
		"title":        "Docs",
		"feature_text": "Fix a typo",
	}, bearer(t, "dev", "user"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications", nil, founder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list NotificationListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal notifications: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].EventType != "submission.submitted" {
		t.Fatalf("unexpected notifications %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications", nil, bearer(t, "dev", "user"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("user notifications status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/notifications/ack", map[string]any{"ids": []int64{list.Items[0].ID}}, founder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ack status %d: %s", res.StatusCode, string(data))
	}
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications", nil, founder)
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal notifications: %v", err)
	}
	if len(list.Items) != 0 {
		t.Fatalf("expected drained outbox, got %d", len(list.Items))
	}
}

func TestPublicEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()

	for _, p := range []string{"/v0/health", "/metrics", "/v0/openapi.json", "/docs"} {
		res, data := doJSON(t, client, http.MethodGet, srv.URL+p, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", p, res.StatusCode, string(data))
		}
	}
	_, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	var health HealthResponse
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if !health.OK || health.Status != "ok" {
		t.Fatalf("unexpected health %+v", health)
	}
}
