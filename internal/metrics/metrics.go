// Package metrics holds the prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// submissionTransitions counts submissions entering a status
	submissionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_submission_transitions_total",
		Help: "Submissions entering each status",
	}, []string{"status"})

	// scansTotal counts classifications by resulting severity
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_scans_total",
		Help: "Submission scans by severity",
	}, []string{"severity"})

	// appliesTotal counts apply attempts by outcome stage
	appliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_applies_total",
		Help: "Patch apply attempts by outcome",
	}, []string{"outcome", "stage"})

	// gitDuration tracks git subcommand latency
	gitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "changegate_git_command_duration_seconds",
		Help:    "git subcommand duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"subcommand", "success"})

	plannerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_planner_runs_total",
		Help: "Daily planner invocations by result",
	}, []string{"result"})
)

func SubmissionTransition(status string) {
	submissionTransitions.WithLabelValues(status).Inc()
}

func Scan(severity string) {
	scansTotal.WithLabelValues(severity).Inc()
}

func Apply(ok bool, stage string) {
	outcome := "failed"
	if ok {
		outcome = "applied"
	}
	appliesTotal.WithLabelValues(outcome, stage).Inc()
}

func GitCommand(subcommand string, d time.Duration, ok bool) {
	success := "false"
	if ok {
		success = "true"
	}
	gitDuration.WithLabelValues(subcommand, success).Observe(d.Seconds())
}

// PlannerRun records "created" or the skip reason.
func PlannerRun(result string) {
	plannerRuns.WithLabelValues(result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
