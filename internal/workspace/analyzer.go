// Package workspace inventories a working copy and scans it for unfinished
// work markers.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"changegate/internal/config"
)

const (
	DefaultMaxDepth     = 6
	maxStorageArtifacts = 30
)

// SkipDirs are never descended into.
var SkipDirs = map[string]bool{
	".git": true, "node_modules": true, "dist": true, "build": true, "vendor": true,
	"__pycache__": true, ".venv": true, ".changegate": true, "target": true, ".next": true,
}

var storagePattern = regexp.MustCompile(`(?i)(migration|schema|\.sql$|\.sqlite$|\.db$|prisma)`)

type Options struct {
	MaxDepth       int
	BackendDirs    []string
	FrontendDirs   []string
	DirsOfInterest []string
}

// OptionsFromConfig maps the workspace section of the config.
func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		cfg = config.Default()
	}
	return Options{
		MaxDepth:       cfg.Workspace.MaxDepth,
		BackendDirs:    cfg.Workspace.BackendDirs,
		FrontendDirs:   cfg.Workspace.FrontendDirs,
		DirsOfInterest: cfg.Workspace.DirsOfInterest,
	}
}

type Inventory struct {
	Root             string   `json:"root"`
	TotalFiles       int      `json:"total_files"`
	BackendFiles     int      `json:"backend_files"`
	FrontendFiles    int      `json:"frontend_files"`
	StorageArtifacts []string `json:"storage_artifacts"`
	TopLevelDirs     []string `json:"top_level_dirs"`
	SkippedDirs      int      `json:"skipped_dirs"`
}

// Analyze walks root up to opts.MaxDepth. Unreadable subdirectories are
// counted and skipped; only an unreadable root fails.
func Analyze(root string, opts Options) (Inventory, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Inventory{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Inventory{}, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return Inventory{}, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	if _, err := os.ReadDir(abs); err != nil {
		return Inventory{}, fmt.Errorf("workspace root: %w", err)
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	defaults := OptionsFromConfig(nil)
	if opts.BackendDirs == nil {
		opts.BackendDirs = defaults.BackendDirs
	}
	if opts.FrontendDirs == nil {
		opts.FrontendDirs = defaults.FrontendDirs
	}
	if opts.DirsOfInterest == nil {
		opts.DirsOfInterest = defaults.DirsOfInterest
	}
	backend := toSet(opts.BackendDirs)
	frontend := toSet(opts.FrontendDirs)

	inv := Inventory{Root: abs, StorageArtifacts: []string{}, TopLevelDirs: []string{}}
	err = walk(abs, opts.MaxDepth, func(rel string, d fs.DirEntry) {
		inv.TotalFiles++
		top := topDir(rel)
		if backend[top] {
			inv.BackendFiles++
		}
		if frontend[top] {
			inv.FrontendFiles++
		}
		if len(inv.StorageArtifacts) < maxStorageArtifacts && storagePattern.MatchString(d.Name()) {
			inv.StorageArtifacts = append(inv.StorageArtifacts, filepath.ToSlash(rel))
		}
	}, func() { inv.SkippedDirs++ })
	if err != nil {
		return inv, err
	}
	for _, dir := range opts.DirsOfInterest {
		if st, err := os.Stat(filepath.Join(abs, dir)); err == nil && st.IsDir() {
			inv.TopLevelDirs = append(inv.TopLevelDirs, dir)
		}
	}
	return inv, nil
}

// walk visits regular files under root at most maxDepth directories deep.
func walk(root string, maxDepth int, visit func(rel string, d fs.DirEntry), skipped func()) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if d == nil || d.IsDir() {
				skipped()
				return fs.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if SkipDirs[d.Name()] || depth(rel) > maxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		visit(rel, d)
		return nil
	})
}

// MissingComponents reports required paths that do not exist, by group.
func MissingComponents(root string, required map[string][]string) map[string][]string {
	missing := map[string][]string{}
	for group, paths := range required {
		for _, rel := range paths {
			if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); errors.Is(err, fs.ErrNotExist) {
				missing[group] = append(missing[group], rel)
			}
		}
	}
	return missing
}

// SortedGroups returns the keys of a MissingComponents result in order.
func SortedGroups(missing map[string][]string) []string {
	groups := make([]string, 0, len(missing))
	for g := range missing {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

func depth(rel string) int {
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}

func topDir(rel string) string {
	rel = filepath.ToSlash(rel)
	if i := strings.Index(rel, "/"); i >= 0 {
		return rel[:i]
	}
	return ""
}

func toSet(list []string) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, v := range list {
		out[v] = true
	}
	return out
}
