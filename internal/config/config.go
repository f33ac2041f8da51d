// Package config loads levelup settings from defaults, a YAML file and
// LEVELUP_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/mpataki/levelup/internal/logging"
)

const (
	EnvPrefix       = "LEVELUP_"
	ProjectFileName = "levelup.yaml"
)

const (
	CheckpointModeTerminal = "terminal"
	CheckpointModePolling  = "polling"
	CheckpointModeAuto     = "auto"
	CheckpointModeScript   = "script"
)

type Config struct {
	DataDir  string         `koanf:"data_dir"`
	DBPath   string         `koanf:"db_path"`
	Log      logging.Config `koanf:"log"`
	LLM      LLMConfig      `koanf:"llm"`
	Project  ProjectConfig  `koanf:"project"`
	Pipeline PipelineConfig `koanf:"pipeline"`
}

type LLMConfig struct {
	ClaudeExecutable string        `koanf:"claude_executable"`
	Model            string        `koanf:"model"`
	MaxTurns         int           `koanf:"max_turns"`
	Timeout          time.Duration `koanf:"timeout"`
}

// ProjectConfig overrides detection results when set.
type ProjectConfig struct {
	Language    string        `koanf:"language"`
	Framework   string        `koanf:"framework"`
	TestCommand string        `koanf:"test_command"`
	TestTimeout time.Duration `koanf:"test_timeout"`
}

type PipelineConfig struct {
	MaxCodeIterations  int           `koanf:"max_code_iterations"`
	RequireCheckpoints bool          `koanf:"require_checkpoints"`
	CreateGitBranch    bool          `koanf:"create_git_branch"`
	AutoApprove        bool          `koanf:"auto_approve"`
	AgentRetries       int           `koanf:"agent_retries"`
	BranchNaming       string        `koanf:"branch_naming"`
	CheckpointMode     string        `koanf:"checkpoint_mode"`
	CheckpointScript   string        `koanf:"checkpoint_script"`
	PollInterval       time.Duration `koanf:"poll_interval"`
	Definition         string        `koanf:"definition"`
}

const defaults = `
log:
  level: info
  format: console
llm:
  claude_executable: claude
  model: ""
  max_turns: 50
  timeout: 30m
project:
  test_timeout: 10m
pipeline:
  max_code_iterations: 5
  require_checkpoints: true
  create_git_branch: true
  auto_approve: false
  agent_retries: 2
  branch_naming: "levelup/{run_id}"
  checkpoint_mode: terminal
  poll_interval: 1s
`

// topLevelKeys are env keys that map onto root fields rather than section.field.
var topLevelKeys = map[string]bool{"data_dir": true, "db_path": true}

// Load reads configuration. When configPath is empty, <projectPath>/levelup.yaml
// is used if present.
func Load(configPath, projectPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath == "" && projectPath != "" {
		candidate := filepath.Join(projectPath, ProjectFileName)
		if _, err := os.Stat(candidate); err == nil {
			configPath = candidate
		}
	}
	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// LEVELUP_PIPELINE_MAX_CODE_ITERATIONS -> pipeline.max_code_iterations
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.applyPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if topLevelKeys[lower] {
		return lower
	}
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func (c *Config) applyPaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".levelup")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "state.db")
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if c.Pipeline.MaxCodeIterations < 1 {
		return fmt.Errorf("pipeline.max_code_iterations must be at least 1, got %d", c.Pipeline.MaxCodeIterations)
	}
	if c.Pipeline.AgentRetries < 0 {
		return fmt.Errorf("pipeline.agent_retries cannot be negative")
	}
	if c.Pipeline.PollInterval <= 0 {
		return fmt.Errorf("pipeline.poll_interval must be positive")
	}
	switch c.Pipeline.CheckpointMode {
	case CheckpointModeTerminal, CheckpointModePolling, CheckpointModeAuto:
	case CheckpointModeScript:
		if c.Pipeline.CheckpointScript == "" {
			return fmt.Errorf("pipeline.checkpoint_script is required in script mode")
		}
	default:
		return fmt.Errorf("unknown pipeline.checkpoint_mode %q", c.Pipeline.CheckpointMode)
	}
	if c.LLM.ClaudeExecutable == "" {
		return fmt.Errorf("llm.claude_executable cannot be empty")
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.WorktreesDir(), 0755)
}

func (c *Config) WorktreesDir() string {
	return filepath.Join(c.DataDir, "worktrees")
}
