// Package scanner classifies submission text against an ordered table of
// regex signals.
package scanner

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"changegate/internal/domain"
)

//go:embed rules.yaml
var builtinRules []byte

// Rule is one entry of the signal table.
type Rule struct {
	Name       string `yaml:"name"`
	Severity   string `yaml:"severity"`
	Pattern    string `yaml:"pattern"`
	IgnoreCase bool   `yaml:"ignore_case"`
}

// RuleSet is a versioned rule table document.
type RuleSet struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Result is the outcome of one scan.
type Result struct {
	Severity     string   `json:"severity"`
	Signals      []string `json:"signals"`
	RulesVersion string   `json:"rules_version"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Scanner is safe for concurrent use once built.
type Scanner struct {
	version string
	rules   []compiledRule
}

// ParseRuleSet decodes a rule table document.
func ParseRuleSet(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return rs, fmt.Errorf("parse rules: %w", err)
	}
	if rs.Version == "" {
		return rs, fmt.Errorf("rules document has no version")
	}
	return rs, nil
}

// LoadRuleFile reads an operator rule file.
func LoadRuleFile(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, err
	}
	return ParseRuleSet(data)
}

// BuiltinRules returns the embedded rule table.
func BuiltinRules() RuleSet {
	rs, err := ParseRuleSet(builtinRules)
	if err != nil {
		panic(err)
	}
	return rs
}

// New compiles the builtin table followed by any extra rule sets. Rule names
// must be unique across all sets.
func New(extra ...RuleSet) (*Scanner, error) {
	base := BuiltinRules()
	s := &Scanner{version: base.Version}
	seen := map[string]bool{}
	add := func(rs RuleSet) error {
		for i, r := range rs.Rules {
			if r.Name == "" {
				return fmt.Errorf("rule %d in %s has no name", i, rs.Version)
			}
			if seen[r.Name] {
				return fmt.Errorf("rule %q defined twice", r.Name)
			}
			if Rank(r.Severity) < 0 {
				return fmt.Errorf("rule %q has invalid severity %q", r.Name, r.Severity)
			}
			pattern := r.Pattern
			if r.IgnoreCase {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("rule %q: %w", r.Name, err)
			}
			seen[r.Name] = true
			s.rules = append(s.rules, compiledRule{Rule: r, re: re})
		}
		return nil
	}
	if err := add(base); err != nil {
		return nil, err
	}
	for _, rs := range extra {
		if err := add(rs); err != nil {
			return nil, err
		}
		s.version += "+" + rs.Version
	}
	return s, nil
}

// Default returns a scanner over the builtin table.
func Default() *Scanner {
	s, err := New()
	if err != nil {
		panic(err)
	}
	return s
}

// Version identifies the rule table, including any extra sets.
func (s *Scanner) Version() string {
	return s.version
}

// Rules returns the compiled table in evaluation order.
func (s *Scanner) Rules() []Rule {
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.Rule)
	}
	return out
}

// Scan reports the highest matched severity and every matched rule name in
// table order. No match yields low with no signals.
func (s *Scanner) Scan(text string) Result {
	res := Result{Severity: domain.SeverityLow, Signals: []string{}, RulesVersion: s.version}
	for _, r := range s.rules {
		if !r.re.MatchString(text) {
			continue
		}
		res.Signals = append(res.Signals, r.Name)
		res.Severity = Max(res.Severity, r.Severity)
	}
	return res
}

// Compose joins the submission fields into the scanned text.
func Compose(title, featureText, codeText string) string {
	return title + "\n" + featureText + "\n" + codeText
}
