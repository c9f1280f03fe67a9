package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changegate/internal/config"
	"changegate/internal/domain"
	"changegate/internal/scanner"
)

func defaultDoctrine(t *testing.T) *Doctrine {
	t.Helper()
	d, err := NewDoctrine(config.Default().Doctrine.Rules)
	require.NoError(t, err)
	return d
}

func TestDoctrineFirstMatch(t *testing.T) {
	d := defaultDoctrine(t)
	ctx := context.Background()

	v, err := d.Validate(ctx, "Add retry\nretry on 500\n")
	require.NoError(t, err)
	assert.True(t, v.OK)

	v, err = d.Validate(ctx, "please Force Deploy tonight")
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.Equal(t, "force-deploy", v.RuleID)
	assert.Equal(t, "Doctrine requires reviewed deploys", v.Reason)

	v, err = d.Validate(ctx, "rm -rf build && disable auth")
	require.NoError(t, err)
	assert.Equal(t, "destructive-ops", v.RuleID)

	v, err = d.Validate(ctx, "   ")
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.Equal(t, "empty content", v.Reason)
}

func TestDoctrineAllowRuleShortCircuits(t *testing.T) {
	var rules []config.DoctrineRule
	allow := config.DoctrineRule{ID: "docs-only"}
	allow.Match.Regex = `^docs:`
	deny := config.DoctrineRule{ID: "no-deploy"}
	deny.Match.Contains = []string{"deploy"}
	deny.Effect.Deny = true
	rules = append(rules, allow, deny)
	d, err := NewDoctrine(rules)
	require.NoError(t, err)

	v, err := d.Validate(context.Background(), "docs: how we deploy")
	require.NoError(t, err)
	assert.True(t, v.OK)
	assert.Equal(t, "docs-only", v.RuleID)

	v, err = d.Validate(context.Background(), "deploy now")
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.Empty(t, v.Reason)
}

func TestDoctrineEnvOverride(t *testing.T) {
	d := defaultDoctrine(t).FromEnv(func(key string) (string, bool) {
		if key == EnvDenyList {
			return "launch missiles, ,YOLO", true
		}
		return "", false
	})
	assert.Equal(t, []string{"launch missiles", "yolo"}, d.Terms())

	v, err := d.Validate(context.Background(), "rm -rf /tmp/x")
	require.NoError(t, err)
	assert.True(t, v.OK, "contains lists are replaced")

	v, err = d.Validate(context.Background(), "we YOLO it")
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.Equal(t, "env-deny", v.RuleID)

	same := defaultDoctrine(t)
	assert.Equal(t, same, same.FromEnv(func(string) (string, bool) { return "", false }))
}

func TestGateEscalatesOnRejection(t *testing.T) {
	g := Gate{Scanner: scanner.Default(), Evaluator: defaultDoctrine(t)}
	c := g.Classify(context.Background(), scanner.Compose("Ship it", "force deploy to prod", ""))
	assert.Equal(t, domain.SeverityHigh, c.Scan.Severity)
	assert.Equal(t, domain.StatusBlocked, c.Status)
	assert.Equal(t, []string{"Force deploy", "Doctrine requires reviewed deploys"}, c.Scan.Signals)
	assert.False(t, c.Scan.Policy.OK)
}

func TestGateNeverDowngrades(t *testing.T) {
	g := Gate{Scanner: scanner.Default(), Evaluator: defaultDoctrine(t)}
	c := g.Classify(context.Background(), scanner.Compose("cleanup", "rm -rf /", ""))
	assert.Equal(t, domain.SeverityCritical, c.Scan.Severity)
	assert.Equal(t, domain.StatusBlocked, c.Status)
	assert.Equal(t, []string{"Destructive filesystem command", "Doctrine forbids destructive operations"}, c.Scan.Signals)
}

func TestGateDedupesReasonAndFallsBackToRuleID(t *testing.T) {
	eval := EvaluatorFunc(func(ctx context.Context, content string) (domain.PolicyVerdict, error) {
		return domain.PolicyVerdict{OK: false, RuleID: "r9"}, nil
	})
	g := Gate{Scanner: scanner.Default(), Evaluator: eval}
	c := g.Classify(context.Background(), "tidy README")
	assert.Equal(t, domain.SeverityHigh, c.Scan.Severity)
	assert.Equal(t, []string{"doctrine rule r9"}, c.Scan.Signals)

	dup := EvaluatorFunc(func(ctx context.Context, content string) (domain.PolicyVerdict, error) {
		return domain.PolicyVerdict{OK: false, Reason: "Force deploy"}, nil
	})
	c = Gate{Scanner: scanner.Default(), Evaluator: dup}.Classify(context.Background(), "force deploy")
	assert.Equal(t, []string{"Force deploy"}, c.Scan.Signals)
}

func TestGateFailsClosed(t *testing.T) {
	eval := EvaluatorFunc(func(ctx context.Context, content string) (domain.PolicyVerdict, error) {
		return domain.PolicyVerdict{}, errors.New("connection refused")
	})
	c := Gate{Evaluator: eval}.Classify(context.Background(), "Add retry\nretry on 500\n")
	assert.Equal(t, domain.SeverityHigh, c.Scan.Severity)
	assert.Equal(t, domain.StatusBlocked, c.Status)
	assert.Equal(t, ReasonEvaluatorUnavailable, c.Scan.Policy.Reason)
	assert.Contains(t, c.Scan.Signals, ReasonEvaluatorUnavailable)
}

func TestGateBenignRoutesToPending(t *testing.T) {
	c := Gate{Scanner: scanner.Default(), Evaluator: defaultDoctrine(t)}.Classify(context.Background(), scanner.Compose("Add retry", "retry on 500", ""))
	assert.Equal(t, domain.SeverityLow, c.Scan.Severity)
	assert.Equal(t, domain.StatusPendingApproval, c.Status)
	assert.Empty(t, c.Scan.Signals)
	assert.True(t, c.Scan.Policy.OK)
}
