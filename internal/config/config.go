// Package config loads the Automation Runtime's layered configuration:
// built-in defaults, overridden by an auto-discovered workspace config,
// overridden by an explicit --config file, overridden by CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level runtime config.
	WorkspaceDirName = ".browserrunner"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the runtime.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Browser    BrowserConfig    `yaml:"browser"`
	Pool       PoolConfig       `yaml:"pool"`
	Session    SessionConfig    `yaml:"session"`
	Perception PerceptionConfig `yaml:"perception"`
	Planner    PlannerConfig    `yaml:"planner"`
	MCP        MCPConfig        `yaml:"mcp"`
	Mangle     MangleConfig     `yaml:"mangle"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
	Debug   bool   `yaml:"debug"`
}

// BrowserConfig configures how the engine adapter launches or attaches to Chrome.
type BrowserConfig struct {
	// DebuggerURL is a control endpoint for Rod (e.g., ws://localhost:9222).
	DebuggerURL string `yaml:"debugger_url"`
	// Launch is an optional explicit Chrome binary path.
	Launch string `yaml:"launch"`
	// AutoStart controls whether the pool launches/attaches to Chrome eagerly.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// DefaultNavigationTimeout is the per-navigate timeout (e.g., "30s"), .
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// DefaultAttachTimeout bounds attaching to an existing target.
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	ViewportWidth        int    `yaml:"viewport_width"`
	ViewportHeight       int    `yaml:"viewport_height"`
}

// PoolConfig tunes the Browser Pool ().
type PoolConfig struct {
	MaxSize        int    `yaml:"max_size"`
	IdleTimeout    string `yaml:"idle_timeout"`
	MaxLifetime    string `yaml:"max_lifetime"`
	MaxUses        int    `yaml:"max_uses"`
	AcquireTimeout string `yaml:"acquire_timeout"`
	SweepInterval  string `yaml:"sweep_interval"`
}

// SessionConfig tunes the Session Registry ().
type SessionConfig struct {
	TTL string `yaml:"ttl"`
}

// PerceptionConfig tunes per-tier latency budgets (). Each value becomes
// the deadline of the capture context, so a capture that runs past its
// tier's budget fails.
type PerceptionConfig struct {
	LightningBudget string `yaml:"lightning_budget"`
	QuickBudget     string `yaml:"quick_budget"`
	StandardBudget  string `yaml:"standard_budget"`
	DeepBudget      string `yaml:"deep_budget"`
	DefaultTier     string `yaml:"default_tier"`
}

// PlannerConfig tunes the Intent Planner ().
type PlannerConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

type MCPConfig struct {
	// SSEPort, when set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded deductive engine.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	DisableBuiltin  bool   `yaml:"disable_builtin_rules"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "browserrunner-mcp",
			Version: "0.1.0",
			LogFile: "browserrunner-mcp.log",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "30s",
			DefaultAttachTimeout:     "10s",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Pool: PoolConfig{
			MaxSize:        5,
			IdleTimeout:    "5m",
			MaxLifetime:    "1h",
			MaxUses:        100,
			AcquireTimeout: "30s",
			SweepInterval:  "30s",
		},
		Session: SessionConfig{
			TTL: "15m",
		},
		Perception: PerceptionConfig{
			LightningBudget: "50ms",
			QuickBudget:     "200ms",
			StandardBudget:  "500ms",
			DeepBudget:      "1s",
			DefaultTier:     "lightning",
		},
		Planner: PlannerConfig{
			ConfidenceThreshold: 0.6,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Mangle: MangleConfig{
			Enable:          true,
			SchemaPath:      "schemas/runtime.mg",
			FactBufferLimit: 2048,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .browserrunner/config.yaml file.
// Returns the workspace root directory (parent of .browserrunner/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements the multi-layer config merge:
//
//	DefaultConfig() <- .browserrunner/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .browserrunner/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# Project-level runtime configuration.
# Values here override defaults but are overridden by --config and CLI flags.

# pool:
#   max_size: 5
#   idle_timeout: "5m"

# planner:
#   confidence_threshold: 0.6

# browser:
#   headless: false
#   viewport_width: 1280
#   viewport_height: 720
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (logs, sessions) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Pool.MaxSize <= 0 {
		return errors.New("pool.max_size must be positive")
	}
	if c.Planner.ConfidenceThreshold < 0 || c.Planner.ConfidenceThreshold > 1 {
		return errors.New("planner.confidence_threshold must be within [0,1]")
	}
	return nil
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDurationOr(b.DefaultNavigationTimeout, 30*time.Second)
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	return parseDurationOr(b.DefaultAttachTimeout, 10*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

func (p PoolConfig) GetIdleTimeout() time.Duration    { return parseDurationOr(p.IdleTimeout, 5*time.Minute) }
func (p PoolConfig) GetMaxLifetime() time.Duration    { return parseDurationOr(p.MaxLifetime, time.Hour) }
func (p PoolConfig) GetAcquireTimeout() time.Duration { return parseDurationOr(p.AcquireTimeout, 30*time.Second) }
func (p PoolConfig) GetSweepInterval() time.Duration  { return parseDurationOr(p.SweepInterval, 30*time.Second) }
func (p PoolConfig) GetMaxUses() int {
	if p.MaxUses <= 0 {
		return 100
	}
	return p.MaxUses
}
func (p PoolConfig) GetMaxSize() int {
	if p.MaxSize <= 0 {
		return 5
	}
	return p.MaxSize
}

func (s SessionConfig) GetTTL() time.Duration { return parseDurationOr(s.TTL, 15*time.Minute) }

func (p PerceptionConfig) BudgetFor(tier string) time.Duration {
	switch tier {
	case "quick":
		return parseDurationOr(p.QuickBudget, 200*time.Millisecond)
	case "standard":
		return parseDurationOr(p.StandardBudget, 500*time.Millisecond)
	case "deep":
		return parseDurationOr(p.DeepBudget, time.Second)
	default:
		return parseDurationOr(p.LightningBudget, 50*time.Millisecond)
	}
}

func (p PerceptionConfig) GetDefaultTier() string {
	if p.DefaultTier == "" {
		return "lightning"
	}
	return p.DefaultTier
}

func (p PlannerConfig) GetConfidenceThreshold() float64 {
	if p.ConfidenceThreshold <= 0 {
		return 0.6
	}
	return p.ConfidenceThreshold
}
