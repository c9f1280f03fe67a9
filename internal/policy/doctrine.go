// Package policy routes scanner output through the doctrine evaluator.
package policy

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"changegate/internal/config"
	"changegate/internal/domain"
)

// EnvDenyList replaces every contains-list with its comma-separated terms.
const EnvDenyList = "CHANGEGATE_DOCTRINE_DENY"

// Evaluator validates content against organizational doctrine.
type Evaluator interface {
	Validate(ctx context.Context, content string) (domain.PolicyVerdict, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, content string) (domain.PolicyVerdict, error)

func (f EvaluatorFunc) Validate(ctx context.Context, content string) (domain.PolicyVerdict, error) {
	return f(ctx, content)
}

type doctrineRule struct {
	id       string
	contains []string
	re       *regexp.Regexp
	deny     bool
	reason   string
}

// Doctrine is the YAML-backed default evaluator. The first matching rule
// decides; no match allows.
type Doctrine struct {
	rules []doctrineRule
}

// NewDoctrine compiles configured rules.
func NewDoctrine(rules []config.DoctrineRule) (*Doctrine, error) {
	d := &Doctrine{}
	for _, r := range rules {
		rule := doctrineRule{id: r.ID, deny: r.Effect.Deny, reason: r.Effect.Reason}
		for _, term := range r.Match.Contains {
			if t := strings.ToLower(strings.TrimSpace(term)); t != "" {
				rule.contains = append(rule.contains, t)
			}
		}
		if r.Match.Regex != "" {
			re, err := regexp.Compile(r.Match.Regex)
			if err != nil {
				return nil, fmt.Errorf("doctrine rule %s: %w", r.ID, err)
			}
			rule.re = re
		}
		d.rules = append(d.rules, rule)
	}
	return d, nil
}

// FromEnv applies EnvDenyList when set: all contains-lists are dropped and a
// single deny rule with the listed terms is evaluated first.
func (d *Doctrine) FromEnv(lookup func(string) (string, bool)) *Doctrine {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	raw, ok := lookup(EnvDenyList)
	if !ok {
		return d
	}
	envRule := doctrineRule{id: "env-deny", deny: true}
	for _, term := range strings.Split(raw, ",") {
		if t := strings.ToLower(strings.TrimSpace(term)); t != "" {
			envRule.contains = append(envRule.contains, t)
		}
	}
	out := &Doctrine{}
	if len(envRule.contains) > 0 {
		out.rules = append(out.rules, envRule)
	}
	for _, r := range d.rules {
		if r.re == nil {
			continue
		}
		r.contains = nil
		out.rules = append(out.rules, r)
	}
	return out
}

// Terms lists every contains term in rule order.
func (d *Doctrine) Terms() []string {
	var terms []string
	for _, r := range d.rules {
		terms = append(terms, r.contains...)
	}
	return terms
}

func (d *Doctrine) Validate(ctx context.Context, content string) (domain.PolicyVerdict, error) {
	if err := ctx.Err(); err != nil {
		return domain.PolicyVerdict{}, err
	}
	if strings.TrimSpace(content) == "" {
		return domain.PolicyVerdict{OK: false, Reason: "empty content"}, nil
	}
	lower := strings.ToLower(content)
	for _, r := range d.rules {
		if !r.matches(content, lower) {
			continue
		}
		if r.deny {
			return domain.PolicyVerdict{OK: false, Reason: r.reason, RuleID: r.id}, nil
		}
		return domain.PolicyVerdict{OK: true, RuleID: r.id}, nil
	}
	return domain.PolicyVerdict{OK: true}, nil
}

func (r doctrineRule) matches(content, lower string) bool {
	for _, term := range r.contains {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return r.re != nil && r.re.MatchString(content)
}
