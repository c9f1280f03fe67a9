package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file.
const FileName = "changegate.yml"

// Config models changegate.yml.
type Config struct {
	Workspace struct {
		BackendDirs        []string            `yaml:"backend_dirs"`
		FrontendDirs       []string            `yaml:"frontend_dirs"`
		DirsOfInterest     []string            `yaml:"dirs_of_interest"`
		MaxDepth           int                 `yaml:"max_depth"`
		RequiredComponents map[string][]string `yaml:"required_components"`
	} `yaml:"workspace"`
	Scanner struct {
		ExtraRulesFile string `yaml:"extra_rules_file"`
	} `yaml:"scanner"`
	Doctrine struct {
		Rules []DoctrineRule `yaml:"rules"`
	} `yaml:"doctrine"`
	Patch struct {
		TestCommand  string `yaml:"test_command"`
		TestTimeout  string `yaml:"test_timeout"`
		ArtifactsDir string `yaml:"artifacts_dir"`
	} `yaml:"patch"`
	Git struct {
		Binary     string `yaml:"binary"`
		Remote     string `yaml:"remote"`
		BaseBranch string `yaml:"base_branch"`
	} `yaml:"git"`
	RBAC struct {
		FounderRole   string   `yaml:"founder_role"`
		ReviewerRoles []string `yaml:"reviewer_roles"`
		NotifyRoles   []string `yaml:"notify_roles"`
	} `yaml:"rbac"`
	Server struct {
		Addr             string `yaml:"addr"`
		BasePath         string `yaml:"base_path"`
		AllowHeaderActor bool   `yaml:"allow_header_actor"`
	} `yaml:"server"`
}

// DoctrineRule is one first-match doctrine rule.
type DoctrineRule struct {
	ID    string `yaml:"id"`
	Match struct {
		Contains []string `yaml:"contains"`
		Regex    string   `yaml:"regex"`
	} `yaml:"match"`
	Effect struct {
		Deny   bool   `yaml:"deny"`
		Reason string `yaml:"reason"`
	} `yaml:"effect"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.MaxDepth < 0 {
		return fmt.Errorf("config.workspace.max_depth must be >= 0")
	}
	for group, paths := range c.Workspace.RequiredComponents {
		if group == "" {
			return fmt.Errorf("config.workspace.required_components has empty group")
		}
		for _, p := range paths {
			if p == "" {
				return fmt.Errorf("required component group %s has empty path", group)
			}
		}
	}
	seen := map[string]bool{}
	for i, rule := range c.Doctrine.Rules {
		if rule.ID == "" {
			return fmt.Errorf("doctrine rule %d has empty id", i)
		}
		if seen[rule.ID] {
			return fmt.Errorf("doctrine rule %s defined twice", rule.ID)
		}
		seen[rule.ID] = true
		if len(rule.Match.Contains) == 0 && rule.Match.Regex == "" {
			return fmt.Errorf("doctrine rule %s has no match", rule.ID)
		}
		if rule.Match.Regex != "" {
			if _, err := regexp.Compile(rule.Match.Regex); err != nil {
				return fmt.Errorf("doctrine rule %s regex: %w", rule.ID, err)
			}
		}
	}
	if c.Patch.TestTimeout != "" {
		if _, err := time.ParseDuration(c.Patch.TestTimeout); err != nil {
			return fmt.Errorf("config.patch.test_timeout: %w", err)
		}
	}
	if c.RBAC.FounderRole == "" {
		return fmt.Errorf("config.rbac.founder_role is required")
	}
	if len(c.RBAC.ReviewerRoles) == 0 {
		return fmt.Errorf("config.rbac.reviewer_roles is required")
	}
	for _, role := range c.RBAC.ReviewerRoles {
		if role == "" {
			return fmt.Errorf("config.rbac.reviewer_roles contains empty role")
		}
	}
	return nil
}

// TestTimeout returns the parsed test command timeout.
func (c *Config) TestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Patch.TestTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// ArtifactsDir resolves the artifacts directory against the workspace.
func (c *Config) ArtifactsDir(workspace string) string {
	dir := c.Patch.ArtifactsDir
	if dir == "" {
		dir = filepath.Join(".changegate", "artifacts")
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workspace, dir)
}

// IsReviewer reports whether role may review, merge and re-scan.
func (c *Config) IsReviewer(role string) bool {
	for _, r := range c.RBAC.ReviewerRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// sections fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workspace:
  backend_dirs: [kernel, orchestrator, ml, backend, server, api, cmd, internal, services]
  frontend_dirs: [frontend, web, ui, client, app]
  dirs_of_interest: [frontend, orchestrator, kernel, ml, database, docs]
  max_depth: 6
  required_components:
    frontend: [frontend/src, frontend/package.json]
    orchestrator: [orchestrator/src, orchestrator/package.json]
    kernel: [kernel/cmd, kernel/go.mod]
    ml: [ml/server.py, ml/requirements.txt]

scanner:
  extra_rules_file: ""

doctrine:
  rules:
    - id: destructive-ops
      match:
        contains: ["rm -rf", "format disk", "drop database"]
      effect:
        deny: true
        reason: "Doctrine forbids destructive operations"
    - id: safety-bypass
      match:
        contains: ["disable auth", "bypass safety", "bypass scope", "skip doctrine"]
      effect:
        deny: true
        reason: "Doctrine forbids bypassing safety controls"
    - id: force-deploy
      match:
        contains: ["force deploy"]
      effect:
        deny: true
        reason: "Doctrine requires reviewed deploys"

patch:
  test_command: ""
  test_timeout: 10m
  artifacts_dir: .changegate/artifacts

git:
  binary: git
  remote: origin
  base_branch: main

rbac:
  founder_role: founder
  reviewer_roles: [founder, admin]
  notify_roles: [founder, admin]

server:
  addr: 127.0.0.1:8088
  base_path: /v0
  allow_header_actor: false
`
