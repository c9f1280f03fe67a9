// Package drafter renders branch names, PR descriptions, merge records and
// the gh CLI hint for approved submissions.
package drafter

import (
	"strings"
)

const (
	// MaxBranchLen caps a sanitized branch name.
	MaxBranchLen = 60
	// MaxSegmentLen caps a sanitized title used in file names.
	MaxSegmentLen = 48
	fallbackName  = "change"
	BranchPrefix  = "changegate/"
)

// Sanitize lower-cases s and keeps only [a-z0-9/_-]; other runes become '-'.
// Repeated separators collapse, leading and trailing '-' and '/' are trimmed,
// and ".." never survives. The result is at most max bytes and never empty.
func Sanitize(s string, max int) string {
	mapped := make([]byte, 0, len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '/':
			mapped = append(mapped, byte(r))
		default:
			mapped = append(mapped, '-')
		}
	}
	// a run of separators collapses to '/' if it holds one, else '-'
	var b strings.Builder
	for i := 0; i < len(mapped); {
		c := mapped[i]
		if c != '-' && c != '/' {
			b.WriteByte(c)
			i++
			continue
		}
		sep := byte('-')
		for i < len(mapped) && (mapped[i] == '-' || mapped[i] == '/') {
			if mapped[i] == '/' {
				sep = '/'
			}
			i++
		}
		b.WriteByte(sep)
	}
	out := strings.Trim(b.String(), "-/")
	if max > 0 && len(out) > max {
		out = strings.TrimRight(out[:max], "-/")
	}
	if out == "" || strings.Contains(out, "..") {
		return fallbackName
	}
	return out
}

// ShortID is the random suffix of a submission id.
func ShortID(id string) string {
	if i := strings.LastIndex(id, "-"); i >= 0 && i+1 < len(id) {
		id = id[i+1:]
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return Sanitize(id, 8)
}

// BranchName is changegate/<title>-<short id>, capped at MaxBranchLen.
func BranchName(title, id string) string {
	suffix := "-" + ShortID(id)
	room := MaxBranchLen - len(BranchPrefix) - len(suffix)
	slug := Sanitize(strings.ReplaceAll(title, "/", " "), room)
	return BranchPrefix + slug + suffix
}

// FileSlug sanitizes s for use as a single path element.
func FileSlug(s string) string {
	return Sanitize(strings.ReplaceAll(s, "/", " "), MaxSegmentLen)
}

// ShellQuote single-quotes s for POSIX shells.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Hint is the gh command that opens the pull request.
func Hint(base, branch, title, bodyPath string) string {
	return "gh pr create --base " + base + " --head " + branch + " --title " + ShellQuote(title) + " --body-file " + ShellQuote(bodyPath)
}
