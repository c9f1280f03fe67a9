package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.RBAC.FounderRole != "founder" {
		t.Fatalf("expected founder role, got %q", cfg.RBAC.FounderRole)
	}
	if !cfg.IsReviewer("admin") || cfg.IsReviewer("user") {
		t.Fatalf("unexpected reviewer roles %v", cfg.RBAC.ReviewerRoles)
	}
	if len(cfg.Doctrine.Rules) != 3 {
		t.Fatalf("expected 3 doctrine rules, got %d", len(cfg.Doctrine.Rules))
	}
	if cfg.TestTimeout() != 10*time.Minute {
		t.Fatalf("unexpected timeout %s", cfg.TestTimeout())
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`patch:
  test_command: "go test ./..."
  test_timeout: 30s
git:
  remote: upstream
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Patch.TestCommand != "go test ./..." {
		t.Fatalf("test command not applied: %q", cfg.Patch.TestCommand)
	}
	if cfg.TestTimeout() != 30*time.Second {
		t.Fatalf("timeout not applied: %s", cfg.TestTimeout())
	}
	if cfg.Git.Remote != "upstream" {
		t.Fatalf("remote not applied: %q", cfg.Git.Remote)
	}
	if cfg.Git.BaseBranch != "main" {
		t.Fatalf("base branch default lost: %q", cfg.Git.BaseBranch)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"bad timeout":        "patch:\n  test_timeout: soon\n",
		"bad regex":          "doctrine:\n  rules:\n    - id: x\n      match:\n        regex: \"(\"\n",
		"rule without id":    "doctrine:\n  rules:\n    - match:\n        contains: [a]\n",
		"rule without match": "doctrine:\n  rules:\n    - id: x\n",
		"no reviewers":       "rbac:\n  reviewer_roles: []\n",
		"negative depth":     "workspace:\n  max_depth: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(doc)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadMissingAndOptional(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "cg config init") {
		t.Fatalf("expected init hint, got %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("expected default base path, got %q", cfg.Server.BasePath)
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
}

func TestArtifactsDir(t *testing.T) {
	cfg := Default()
	got := cfg.ArtifactsDir("/ws")
	if got != filepath.Join("/ws", ".changegate", "artifacts") {
		t.Fatalf("unexpected artifacts dir %s", got)
	}
	cfg.Patch.ArtifactsDir = "/abs/out"
	if cfg.ArtifactsDir("/ws") != "/abs/out" {
		t.Fatalf("absolute dir not kept")
	}
}
