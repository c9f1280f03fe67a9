package drafter

import (
	"fmt"
	"strings"
	"time"

	"changegate/internal/domain"
	"changegate/internal/vcs"
)

const (
	maxBodySignals = 20
	maxBodyFiles   = 50
)

// BodyInput is everything the PR description shows.
type BodyInput struct {
	Submission  domain.Submission
	Files       []vcs.FileChange
	Stat        string
	GeneratedAt time.Time
}

// RenderBody builds the markdown PR description.
func RenderBody(in BodyInput) string {
	s := in.Submission
	var b strings.Builder
	b.WriteString("# " + s.Title + "\n\n")

	b.WriteString("## summary\n")
	b.WriteString(strings.TrimSpace(s.FeatureText) + "\n\n")

	b.WriteString("## review\n")
	b.WriteString("- status: " + s.Status + "\n")
	b.WriteString("- severity: " + s.Scan.Severity + "\n")
	b.WriteString("- doctrine: " + verdictLine(s.Scan.Policy) + "\n")
	if s.Review != nil {
		b.WriteString(fmt.Sprintf("- approved by: %s (%s) at %s\n", s.Review.Decider, s.Review.Role, s.Review.Timestamp))
	}
	if s.Scan.Override != nil {
		b.WriteString(fmt.Sprintf("- scan override: %s (%s): %s\n", s.Scan.Override.By, s.Scan.Override.Role, s.Scan.Override.Reason))
	}
	b.WriteString("\n")

	b.WriteString("## signals\n")
	appendList(&b, s.Scan.Signals, maxBodySignals, "none")
	b.WriteString("\n")

	b.WriteString("## files\n")
	files := make([]string, 0, len(in.Files))
	for _, f := range in.Files {
		files = append(files, fmt.Sprintf("%s (%s, +%d -%d)", f.Path, f.Op, f.Added, f.Removed))
	}
	appendList(&b, files, maxBodyFiles, "no patch attached")
	if stat := strings.TrimSpace(in.Stat); stat != "" {
		b.WriteString("\n```text\n" + stat + "\n```\n")
	}
	b.WriteString("\n")

	b.WriteString("## meta\n")
	b.WriteString("- submission: " + s.ID + "\n")
	b.WriteString("- source: " + s.Metadata.Source + "\n")
	b.WriteString("- submitted by: " + s.Metadata.Actor + " (" + s.Metadata.Role + ")\n")
	b.WriteString("- submitted at: " + s.Metadata.Timestamp + "\n")
	if s.Scan.RulesVersion != "" {
		b.WriteString("- scanner rules: " + s.Scan.RulesVersion + "\n")
	}
	b.WriteString("- generated_at: " + in.GeneratedAt.UTC().Format(time.RFC3339) + "\n")
	return b.String()
}

// MergeArtifactName is <yyyymmdd>-<title>-<id>.md.
func MergeArtifactName(at time.Time, title, id string) string {
	return at.UTC().Format("20060102") + "-" + FileSlug(title) + "-" + FileSlug(id) + ".md"
}

// RenderMergeRecord documents a merged submission.
func RenderMergeRecord(s domain.Submission, merger domain.Actor, at time.Time, testsRequested bool) string {
	var b strings.Builder
	b.WriteString("# " + s.Title + "\n\n")
	b.WriteString("- submission: " + s.ID + "\n")
	b.WriteString("- merged by: " + merger.ID + " (" + merger.Role + ")\n")
	b.WriteString("- merged at: " + at.UTC().Format(time.RFC3339) + "\n")
	b.WriteString("- severity: " + s.Scan.Severity + "\n")
	b.WriteString("- doctrine: " + verdictLine(s.Scan.Policy) + "\n")
	if s.Review != nil {
		b.WriteString("- approved by: " + s.Review.Decider + " (" + s.Review.Role + ")\n")
	}
	b.WriteString(fmt.Sprintf("- tests requested: %t\n\n", testsRequested))
	b.WriteString("## feature\n")
	b.WriteString(strings.TrimSpace(s.FeatureText) + "\n")
	if strings.TrimSpace(s.CodeText) != "" {
		b.WriteString("\n## patch\n```diff\n" + strings.TrimRight(s.CodeText, "\n") + "\n```\n")
	}
	return b.String()
}

func verdictLine(v domain.PolicyVerdict) string {
	if v.OK {
		return "ok"
	}
	reason := v.Reason
	if reason == "" {
		reason = "rule " + v.RuleID
	}
	return "rejected: " + reason
}

func appendList(b *strings.Builder, items []string, max int, empty string) {
	if len(items) == 0 {
		b.WriteString("- " + empty + "\n")
		return
	}
	limit := len(items)
	if limit > max {
		limit = max
	}
	for i := 0; i < limit; i++ {
		b.WriteString("- " + items[i] + "\n")
	}
	if len(items) > max {
		fmt.Fprintf(b, "- ... and %d more\n", len(items)-max)
	}
}
