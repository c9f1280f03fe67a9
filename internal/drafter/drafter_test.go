package drafter

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"changegate/internal/domain"
	"changegate/internal/vcs"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"Add Retry", 60, "add-retry"},
		{"  Fix: the   thing!! ", 60, "fix-the-thing"},
		{"feature/Login page", 60, "feature/login-page"},
		{"a - / - b", 60, "a/b"},
		{"../../etc/passwd", 60, "etc/passwd"},
		{"!!!", 60, "change"},
		{"", 60, "change"},
		{"Ünïcode ✓ title", 60, "n-code-title"},
		{"abcdefghij-klm", 11, "abcdefghij"},
		{"origin; rm -rf /", 60, "origin-rm-rf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in, tt.max), tt.in)
	}
}

func TestSanitizeOutputAlphabet(t *testing.T) {
	for _, in := range []string{"..", "a..b", "x/../y", "UPPER and $pecial", strings.Repeat("z", 200)} {
		out := Sanitize(in, MaxBranchLen)
		assert.LessOrEqual(t, len(out), MaxBranchLen)
		assert.NotContains(t, out, "..")
		for _, r := range out {
			ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '/' || r == '_' || r == '-'
			assert.True(t, ok, "rune %q in %q", r, out)
		}
	}
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "changegate/add-retry-1a2b3c4d", BranchName("Add retry", "sub-lq2x9k-1a2b3c4d"))
	long := BranchName(strings.Repeat("very long title ", 10), "sub-lq2x9k-1a2b3c4d")
	assert.LessOrEqual(t, len(long), MaxBranchLen)
	assert.True(t, strings.HasSuffix(long, "-1a2b3c4d"))
	assert.Equal(t, "changegate/a-b-1a2b3c4d", BranchName("a/b", "sub-x-1a2b3c4d"))
}

func TestHintQuotesTitleAndBodyPath(t *testing.T) {
	hint := Hint("main", "changegate/x-1", "Don't panic", "/ws/.changegate/artifacts/pr/sub-1.md")
	assert.Equal(t, `gh pr create --base main --head changegate/x-1 --title 'Don'\''t panic' --body-file '/ws/.changegate/artifacts/pr/sub-1.md'`, hint)

	spaced := Hint("main", "changegate/x-1", "Fix", "/home/me/My Projects/ws/.changegate/artifacts/pr/sub-1.md")
	assert.Contains(t, spaced, `--body-file '/home/me/My Projects/ws/.changegate/artifacts/pr/sub-1.md'`)
}

func TestRenderBody(t *testing.T) {
	s := domain.Submission{
		ID:          "sub-1",
		Title:       "Add retry",
		FeatureText: "retry on 500",
		Status:      domain.StatusApproved,
		Metadata:    domain.SubmissionMetadata{Source: "api", Actor: "bob", Role: "admin", Timestamp: "2026-01-01T00:00:00Z"},
		Scan:        domain.ScanResult{Severity: domain.SeverityLow, Signals: []string{}, Policy: domain.PolicyVerdict{OK: true}, RulesVersion: "1.2.0"},
		Review:      &domain.Review{Decider: "alice", Role: "founder", Timestamp: "2026-01-02T00:00:00Z", Decision: domain.DecisionApprove},
	}
	body := RenderBody(BodyInput{
		Submission:  s,
		Files:       []vcs.FileChange{{Path: "client.go", Op: "modify", Added: 3, Removed: 1}},
		Stat:        " client.go | 4 +++-",
		GeneratedAt: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
	})
	assert.True(t, strings.HasPrefix(body, "# Add retry\n\n## summary\nretry on 500\n"))
	assert.Contains(t, body, "- severity: low\n")
	assert.Contains(t, body, "- doctrine: ok\n")
	assert.Contains(t, body, "- approved by: alice (founder)")
	assert.Contains(t, body, "## signals\n- none\n")
	assert.Contains(t, body, "- client.go (modify, +3 -1)\n")
	assert.Contains(t, body, "- submitted by: bob (admin)\n")
	assert.Contains(t, body, "- generated_at: 2026-01-03T00:00:00Z\n")
}

func TestAppendListTruncates(t *testing.T) {
	var b strings.Builder
	appendList(&b, []string{"a", "b", "c"}, 2, "none")
	assert.Equal(t, "- a\n- b\n- ... and 1 more\n", b.String())
}

func TestMergeArtifactName(t *testing.T) {
	at := time.Date(2026, 2, 14, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "20260214-add-retry-sub-abc-12345678.md", MergeArtifactName(at, "Add retry", "sub-abc-12345678"))
	assert.Equal(t, "20260214-a-b-sub-1.md", MergeArtifactName(at, "a/b", "sub-1"))
}

func TestRenderMergeRecord(t *testing.T) {
	s := domain.Submission{ID: "sub-1", Title: "Add retry", FeatureText: "retry on 500", CodeText: "diff --git a/x b/x\n", Scan: domain.ScanResult{Severity: domain.SeverityLow, Policy: domain.PolicyVerdict{OK: true}}}
	rec := RenderMergeRecord(s, domain.Actor{ID: "alice", Role: "founder"}, time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC), true)
	assert.Contains(t, rec, "- merged by: alice (founder)\n")
	assert.Contains(t, rec, "- tests requested: true\n")
	assert.Contains(t, rec, "```diff\ndiff --git a/x b/x\n```\n")
}
