package policy

import (
	"context"
	"log/slog"

	"changegate/internal/domain"
	"changegate/internal/scanner"
)

// ReasonEvaluatorUnavailable is recorded when the evaluator errors.
const ReasonEvaluatorUnavailable = "policy evaluator unavailable"

// Gate combines the scanner and the doctrine evaluator. A doctrine rejection
// raises severity to at least high; nothing lowers it.
type Gate struct {
	Scanner   *scanner.Scanner
	Evaluator Evaluator
	Logger    *slog.Logger
}

// Classification is the gate outcome for one piece of content.
type Classification struct {
	Scan   domain.ScanResult
	Status string
}

// Classify scans content, consults the evaluator, and routes the result.
func (g Gate) Classify(ctx context.Context, content string) Classification {
	sc := g.Scanner
	if sc == nil {
		sc = scanner.Default()
	}
	res := sc.Scan(content)
	scan := domain.ScanResult{
		Severity:     res.Severity,
		Signals:      res.Signals,
		RulesVersion: res.RulesVersion,
		Policy:       domain.PolicyVerdict{OK: true},
	}
	if g.Evaluator != nil {
		verdict, err := g.Evaluator.Validate(ctx, content)
		if err != nil {
			g.logger().Warn("doctrine evaluator failed", "error", err)
			verdict = domain.PolicyVerdict{OK: false, Reason: ReasonEvaluatorUnavailable}
		}
		scan.Policy = verdict
	}
	if !scan.Policy.OK {
		scan.Severity = scanner.Max(scan.Severity, domain.SeverityHigh)
		reason := scan.Policy.Reason
		if reason == "" {
			reason = "doctrine rule " + scan.Policy.RuleID
		}
		scan.Signals = appendUnique(scan.Signals, reason)
	}
	return Classification{Scan: scan, Status: Route(scan.Severity)}
}

// Route maps a severity to the initial submission status.
func Route(severity string) string {
	if scanner.Blocking(severity) {
		return domain.StatusBlocked
	}
	return domain.StatusPendingApproval
}

func (g Gate) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
