package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollectorsAreExported(t *testing.T) {
	Scan("critical")
	Apply(false, "check")
	GitCommand("apply", 20*time.Millisecond, true)
	PlannerRun("already_ran_recently")
	SubmissionTransition("blocked")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, line := range []string{
		`changegate_scans_total{severity="critical"}`,
		`changegate_applies_total{outcome="failed",stage="check"}`,
		`changegate_git_command_duration_seconds_count{subcommand="apply",success="true"}`,
		`changegate_planner_runs_total{result="already_ran_recently"}`,
		`changegate_submission_transitions_total{status="blocked"}`,
	} {
		assert.True(t, strings.Contains(body, line), line)
	}
}
