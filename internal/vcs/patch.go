package vcs

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// FileChange is one file touched by a unified diff.
type FileChange struct {
	Path    string `json:"path"`
	Op      string `json:"op"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// PatchSummary is the parsed view of a unified diff.
type PatchSummary struct {
	Files   []FileChange `json:"files"`
	Added   int          `json:"added"`
	Removed int          `json:"removed"`
}

// Paths lists the touched paths in diff order.
func (s PatchSummary) Paths() []string {
	out := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		out = append(out, f.Path)
	}
	return out
}

// ParsePatch reads a multi-file unified diff.
func ParsePatch(patch string) (PatchSummary, error) {
	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return PatchSummary{}, fmt.Errorf("parse patch: %w", err)
	}
	sum := PatchSummary{Files: []FileChange{}}
	for _, fd := range fds {
		fc := FileChange{Path: diffPath(fd.NewName), Op: "modify"}
		switch {
		case fd.OrigName == "/dev/null":
			fc.Op = "add"
		case fd.NewName == "/dev/null":
			fc.Op = "delete"
			fc.Path = diffPath(fd.OrigName)
		case diffPath(fd.OrigName) != fc.Path:
			fc.Op = "rename"
		}
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
					fc.Added++
				} else if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
					fc.Removed++
				}
			}
		}
		sum.Added += fc.Added
		sum.Removed += fc.Removed
		sum.Files = append(sum.Files, fc)
	}
	return sum, nil
}

func diffPath(name string) string {
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return name
}
