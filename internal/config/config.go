// internal/config/config.go
//
// This package handles configuration and the .crucible directory structure.
// Every project that uses Crucible gets a .crucible/ folder created in its
// root; all workflow artifacts, logs, and audit records live underneath it.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// CrucibleDir is the name of the directory we create in each project.
	CrucibleDir = ".crucible"

	// ArtifactsDirName holds per-workflow artifact directories.
	ArtifactsDirName = "artifacts"

	// WorkflowLogsDirName holds the per-workflow timing/event logs.
	WorkflowLogsDirName = "workflows"

	// AuditLogName is the append-only security audit log at the artifacts root.
	AuditLogName = "security_audit.log"
)

// Execution tiers. Lower tiers mark trailing validation stages optional;
// mandatory stages run at every tier.
const (
	TierFull     = "full"
	TierStandard = "standard"
	TierQuick    = "quick"
)

const defaultProjectConfigYAML = `# crucible project configuration
version: 1

# Where workflow artifacts are written, relative to the project root.
artifacts_root: .crucible/artifacts

# Additional directories the security gate may write under. The artifacts
# root is always allowed; everything else is rejected.
allowed_roots: []

# Execution tier: full | standard | quick
tier: full

# Seconds a single stage may run before it is recorded as timed-out.
stage_timeout_seconds: 600

# Stages whose starts fall within this window count as parallel.
parallel_window_seconds: 5

# Artifact write-conflict retry policy.
write_retries: 3
write_retry_backoff_ms: 250

# An operation slower than multiplier * historical mean raises a bottleneck flag.
bottleneck_multiplier: 3.0

bridge:
  enabled: false
  host: 127.0.0.1
  port: 4188
`

// BridgeConfig captures the HTTP control surface preferences.
type BridgeConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// ProjectConfig models .crucible/config.yaml.
type ProjectConfig struct {
	Version               int          `yaml:"version"`
	ArtifactsRoot         string       `yaml:"artifacts_root"`
	AllowedRoots          []string     `yaml:"allowed_roots"`
	TestMode              bool         `yaml:"test_mode"`
	Tier                  string       `yaml:"tier"`
	StageTimeoutSeconds   int          `yaml:"stage_timeout_seconds"`
	ParallelWindowSeconds int          `yaml:"parallel_window_seconds"`
	WriteRetries          int          `yaml:"write_retries"`
	WriteRetryBackoffMS   int          `yaml:"write_retry_backoff_ms"`
	BottleneckMultiplier  float64      `yaml:"bottleneck_multiplier"`
	Bridge                BridgeConfig `yaml:"bridge"`
}

// Config holds the runtime configuration for Crucible.
type Config struct {
	// ProjectDir is the directory where the user ran `crucible` from.
	ProjectDir string

	// CrucibleProjectDir is ProjectDir/.crucible.
	CrucibleProjectDir string

	Project ProjectConfig
}

// InitCrucibleDir creates the .crucible directory structure in the given
// project directory.
//
// Structure created:
// .crucible/
// ├── artifacts/            <- One directory per workflow
// │   └── workflows/        <- Per-workflow timing/event logs
// └── config.yaml
func InitCrucibleDir(projectDir string) error {
	crucibleDir := filepath.Join(projectDir, CrucibleDir)

	dirs := []string{
		filepath.Join(crucibleDir, ArtifactsDirName),
		filepath.Join(crucibleDir, ArtifactsDirName, WorkflowLogsDirName),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	return ensureProjectConfig(filepath.Join(crucibleDir, "config.yaml"))
}

// NewConfig creates a Config populated with project settings.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:         projectDir,
		CrucibleProjectDir: filepath.Join(projectDir, CrucibleDir),
		Project:            defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.CrucibleProjectDir, "config.yaml")
}

// ArtifactsRoot returns the absolute path artifacts are written under.
func (c *Config) ArtifactsRoot() string {
	root := c.Project.ArtifactsRoot
	if !filepath.IsAbs(root) {
		root = filepath.Join(c.ProjectDir, root)
	}
	return filepath.Clean(root)
}

// AllowedRoots returns every directory the security gate may canonicalize
// paths under. The artifacts root is always first.
func (c *Config) AllowedRoots() []string {
	roots := []string{c.ArtifactsRoot()}
	for _, extra := range c.Project.AllowedRoots {
		clean := strings.TrimSpace(extra)
		if clean == "" {
			continue
		}
		if !filepath.IsAbs(clean) {
			clean = filepath.Join(c.ProjectDir, clean)
		}
		roots = append(roots, filepath.Clean(clean))
	}
	return roots
}

// WorkflowLogsDir returns the directory holding per-workflow event logs.
func (c *Config) WorkflowLogsDir() string {
	return filepath.Join(c.ArtifactsRoot(), WorkflowLogsDirName)
}

// AuditLogPath returns the append-only security audit log location.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.ArtifactsRoot(), AuditLogName)
}

// StageTimeout bounds how long a single stage may run.
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.Project.StageTimeoutSeconds) * time.Second
}

// ParallelWindow is the start-time window for parallel classification.
func (c *Config) ParallelWindow() time.Duration {
	return time.Duration(c.Project.ParallelWindowSeconds) * time.Second
}

// WriteRetryBackoff returns the base delay between artifact write retries.
func (c *Config) WriteRetryBackoff() time.Duration {
	return time.Duration(c.Project.WriteRetryBackoffMS) * time.Millisecond
}

// Tier returns the configured execution tier.
func (c *Config) Tier() string {
	return c.Project.Tier
}

// TestMode reports whether the narrower test-mode allow-list applies.
func (c *Config) TestMode() bool {
	return c.Project.TestMode
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	cfg := ProjectConfig{}
	cfg.applyDefaults()
	return cfg
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.ArtifactsRoot) == "" {
		pc.ArtifactsRoot = filepath.Join(CrucibleDir, ArtifactsDirName)
	}
	if strings.TrimSpace(pc.Tier) == "" {
		pc.Tier = TierFull
	}
	pc.Tier = strings.ToLower(strings.TrimSpace(pc.Tier))
	if pc.StageTimeoutSeconds <= 0 {
		pc.StageTimeoutSeconds = 600
	}
	if pc.ParallelWindowSeconds <= 0 {
		pc.ParallelWindowSeconds = 5
	}
	if pc.WriteRetries <= 0 {
		pc.WriteRetries = 3
	}
	if pc.WriteRetryBackoffMS <= 0 {
		pc.WriteRetryBackoffMS = 250
	}
	if pc.BottleneckMultiplier <= 0 {
		pc.BottleneckMultiplier = 3.0
	}
}

func (pc ProjectConfig) validate() error {
	switch pc.Tier {
	case TierFull, TierStandard, TierQuick:
	default:
		return fmt.Errorf("unknown tier %q (expected full, standard, or quick)", pc.Tier)
	}
	if pc.Bridge.Port != 0 && (pc.Bridge.Port < 1 || pc.Bridge.Port > 65535) {
		return fmt.Errorf("bridge port %d out of range", pc.Bridge.Port)
	}
	return nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644); err != nil {
		return fmt.Errorf("config: write default %s: %w", path, err)
	}
	return nil
}
