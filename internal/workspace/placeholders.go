package workspace

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Markers are the unfinished-work tokens the placeholder scan reports.
var Markers = []string{"TODO", "FIXME", "placeholder", "mock", "dummy", "not implemented"}

const (
	DefaultMaxFindings = 200
	MaxScanFileSize    = 1 << 20
)

var markerPattern = buildMarkerPattern(Markers)

func buildMarkerPattern(markers []string) *regexp.Regexp {
	parts := make([]string, 0, len(markers))
	for _, m := range markers {
		parts = append(parts, regexp.QuoteMeta(m))
	}
	return regexp.MustCompile(`(?i)(` + strings.Join(parts, "|") + `)`)
}

type Finding struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Marker string `json:"marker"`
	Text   string `json:"text"`
}

type PlaceholderReport struct {
	Roots       []string       `json:"roots"`
	Count       int            `json:"count"`
	Truncated   bool           `json:"truncated"`
	Findings    []Finding      `json:"findings"`
	ByTopDir    map[string]int `json:"by_top_dir"`
	SkippedDirs int            `json:"skipped_dirs"`
}

// TopDirs returns up to n top-level directories ordered by finding count.
func (r PlaceholderReport) TopDirs(n int) []string {
	dirs := make([]string, 0, len(r.ByTopDir))
	for d := range r.ByTopDir {
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool {
		if r.ByTopDir[dirs[i]] != r.ByTopDir[dirs[j]] {
			return r.ByTopDir[dirs[i]] > r.ByTopDir[dirs[j]]
		}
		return dirs[i] < dirs[j]
	})
	if n > 0 && len(dirs) > n {
		dirs = dirs[:n]
	}
	return dirs
}

// ErrRootEscapes rejects scan roots outside the workspace.
var ErrRootEscapes = errors.New("scan root escapes the workspace")

// ScanPlaceholders reports marker occurrences under each root (relative to
// workspace) up to maxFindings. Files over 1 MiB and binary files are ignored.
func ScanPlaceholders(workspace string, roots []string, maxFindings, maxDepth int) (PlaceholderReport, error) {
	if maxFindings <= 0 {
		maxFindings = DefaultMaxFindings
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if len(roots) == 0 {
		roots = []string{"."}
	}
	base, err := filepath.Abs(workspace)
	if err != nil {
		return PlaceholderReport{}, err
	}
	rep := PlaceholderReport{Roots: roots, Findings: []Finding{}, ByTopDir: map[string]int{}}
	for _, root := range roots {
		if rep.Truncated {
			break
		}
		dir := filepath.Join(base, filepath.FromSlash(root))
		if rel, err := filepath.Rel(base, dir); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return rep, fmt.Errorf("%w: %s", ErrRootEscapes, root)
		}
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			rep.SkippedDirs++
			continue
		}
		err := walk(dir, maxDepth, func(rel string, d fs.DirEntry) {
			if rep.Truncated {
				return
			}
			full := filepath.Join(dir, rel)
			wsRel, err := filepath.Rel(base, full)
			if err != nil {
				return
			}
			scanFile(full, filepath.ToSlash(wsRel), maxFindings, &rep)
		}, func() { rep.SkippedDirs++ })
		if err != nil {
			rep.SkippedDirs++
		}
	}
	rep.Count = len(rep.Findings)
	return rep, nil
}

func scanFile(path, rel string, maxFindings int, rep *PlaceholderReport) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > MaxScanFileSize {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil || isBinary(data) {
		return
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), MaxScanFileSize)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		m := markerPattern.FindString(text)
		if m == "" {
			continue
		}
		if len(rep.Findings) >= maxFindings {
			rep.Truncated = true
			return
		}
		rep.Findings = append(rep.Findings, Finding{Path: rel, Line: line, Marker: canonicalMarker(m), Text: clip(strings.TrimSpace(text), 200)})
		top := topDir(rel)
		if top == "" {
			top = "."
		}
		rep.ByTopDir[top]++
	}
}

func canonicalMarker(m string) string {
	for _, marker := range Markers {
		if strings.EqualFold(marker, m) {
			return marker
		}
	}
	return m
}

func isBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
