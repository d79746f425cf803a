// Package config implements the layered Substrate configuration: built-in
// defaults, the global user file, the project file, ADT_* environment
// variables, and CLI overrides, merged in that order. The file schema is
// strict and carries a format version with registered migration paths.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// CurrentFormatVersion is the config_format_version this build writes.
const CurrentFormatVersion = "2"

// SupportedFormatVersions is the set of versions loadable without migration.
var SupportedFormatVersions = map[string]bool{CurrentFormatVersion: true}

// Typed error kinds for config failures.
var (
	// ErrIncompatibleFormat means the file's format version has no
	// registered migration path to the current version.
	ErrIncompatibleFormat = errors.New("incompatible config format")

	// ErrUseDeeperPath means Set targeted an object; only scalar leaves
	// can be replaced.
	ErrUseDeeperPath = errors.New("key resolves to an object, use a deeper path")

	// ErrUnknownKey means Set or Get targeted a key absent from the
	// merged config.
	ErrUnknownKey = errors.New("unknown config key")
)

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel           string `yaml:"log_level"`
	MaxConcurrentTasks int    `yaml:"max_concurrent_tasks"`
	BudgetCapTokens    int64  `yaml:"budget_cap_tokens"`
	BudgetCapUSD       float64 `yaml:"budget_cap_usd"`
	WorkspaceDir       string `yaml:"workspace_dir"`
}

// RateLimit bounds a provider's request rate.
type RateLimit struct {
	Tokens        int `yaml:"tokens"`
	WindowSeconds int `yaml:"window_seconds"`
}

// ProviderConfig configures one agent CLI provider.
type ProviderConfig struct {
	Enabled             bool       `yaml:"enabled"`
	SubscriptionRouting string     `yaml:"subscription_routing"`
	MaxConcurrent       int        `yaml:"max_concurrent"`
	CLIPath             string     `yaml:"cli_path,omitempty"`
	APIKeyEnv           string     `yaml:"api_key_env,omitempty"`
	RateLimit           *RateLimit `yaml:"rate_limit,omitempty"`
}

// RoutingRule maps a task type to a provider preference chain.
type RoutingRule struct {
	TaskType          string   `yaml:"task_type"`
	PreferredProvider string   `yaml:"preferred_provider"`
	FallbackProviders []string `yaml:"fallback_providers"`
}

// RoutingPolicyConfig is the declarative routing policy.
type RoutingPolicyConfig struct {
	DefaultProvider string        `yaml:"default_provider"`
	Rules           []RoutingRule `yaml:"rules"`
}

// BudgetConfig holds the cost-control settings.
type BudgetConfig struct {
	DefaultTaskBudgetUSD            float64 `yaml:"default_task_budget_usd"`
	DefaultSessionBudgetUSD         float64 `yaml:"default_session_budget_usd"`
	PlanningCostsCountAgainstBudget bool    `yaml:"planning_costs_count_against_budget"`
	WarningThresholdPercent         float64 `yaml:"warning_threshold_percent"`
}

// Config is the merged Substrate configuration.
type Config struct {
	ConfigFormatVersion string                    `yaml:"config_format_version"`
	Global              GlobalConfig              `yaml:"global"`
	Providers           map[string]ProviderConfig `yaml:"providers"`
	RoutingPolicy       RoutingPolicyConfig       `yaml:"routing_policy"`
	Budget              BudgetConfig              `yaml:"budget"`
}

// DefaultConfig returns the built-in defaults, the lowest merge layer.
func DefaultConfig() *Config {
	return &Config{
		ConfigFormatVersion: CurrentFormatVersion,
		Global: GlobalConfig{
			LogLevel:           "info",
			MaxConcurrentTasks: 4,
			BudgetCapTokens:    0,
			BudgetCapUSD:       0,
			WorkspaceDir:       ".",
		},
		Providers: map[string]ProviderConfig{
			"claude-code": {
				Enabled:             true,
				SubscriptionRouting: "auto",
				MaxConcurrent:       4,
				APIKeyEnv:           "ANTHROPIC_API_KEY",
			},
			"codex": {
				Enabled:             true,
				SubscriptionRouting: "auto",
				MaxConcurrent:       4,
				APIKeyEnv:           "OPENAI_API_KEY",
			},
			"gemini": {
				Enabled:             true,
				SubscriptionRouting: "auto",
				MaxConcurrent:       4,
				APIKeyEnv:           "GEMINI_API_KEY",
			},
		},
		RoutingPolicy: RoutingPolicyConfig{
			DefaultProvider: "claude-code",
		},
		Budget: BudgetConfig{
			DefaultTaskBudgetUSD:            1.0,
			DefaultSessionBudgetUSD:         10.0,
			PlanningCostsCountAgainstBudget: true,
			WarningThresholdPercent:         80,
		},
	}
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true, "fatal": true,
}

var validSubscriptionRouting = map[string]bool{
	"auto": true, "subscription": true, "api": true, "disabled": true,
}

// Validate checks bounds and enums on a merged config.
func (c *Config) Validate() error {
	if !validLogLevels[c.Global.LogLevel] {
		return fmt.Errorf("invalid global.log_level %q", c.Global.LogLevel)
	}
	if c.Global.MaxConcurrentTasks < 1 || c.Global.MaxConcurrentTasks > 64 {
		return fmt.Errorf("global.max_concurrent_tasks must be in [1,64], got %d",
			c.Global.MaxConcurrentTasks)
	}
	if c.Global.BudgetCapTokens < 0 {
		return fmt.Errorf("global.budget_cap_tokens must be >= 0")
	}
	if c.Global.BudgetCapUSD < 0 {
		return fmt.Errorf("global.budget_cap_usd must be >= 0")
	}
	for id, p := range c.Providers {
		if !validSubscriptionRouting[p.SubscriptionRouting] {
			return fmt.Errorf("providers.%s.subscription_routing invalid: %q",
				id, p.SubscriptionRouting)
		}
		if p.MaxConcurrent < 1 || p.MaxConcurrent > 32 {
			return fmt.Errorf("providers.%s.max_concurrent must be in [1,32], got %d",
				id, p.MaxConcurrent)
		}
		if p.RateLimit != nil {
			if p.RateLimit.Tokens <= 0 || p.RateLimit.WindowSeconds <= 0 {
				return fmt.Errorf("providers.%s.rate_limit requires positive tokens and window_seconds", id)
			}
		}
	}
	return nil
}

// filePartial is a partially-specified config layer as read from disk.
// Pointer fields distinguish "absent" from zero values during merging.
type filePartial struct {
	ConfigFormatVersion *string                   `yaml:"config_format_version"`
	Global              *globalPartial            `yaml:"global"`
	Providers           map[string]ProviderConfig `yaml:"providers"`
	RoutingPolicy       *RoutingPolicyConfig      `yaml:"routing_policy"`
	Budget              *budgetPartial            `yaml:"budget"`
}

type globalPartial struct {
	LogLevel           *string  `yaml:"log_level"`
	MaxConcurrentTasks *int     `yaml:"max_concurrent_tasks"`
	BudgetCapTokens    *int64   `yaml:"budget_cap_tokens"`
	BudgetCapUSD       *float64 `yaml:"budget_cap_usd"`
	WorkspaceDir       *string  `yaml:"workspace_dir"`
}

type budgetPartial struct {
	DefaultTaskBudgetUSD            *float64 `yaml:"default_task_budget_usd"`
	DefaultSessionBudgetUSD         *float64 `yaml:"default_session_budget_usd"`
	PlanningCostsCountAgainstBudget *bool    `yaml:"planning_costs_count_against_budget"`
	WarningThresholdPercent         *float64 `yaml:"warning_threshold_percent"`
}

// parseLayer decodes one config file layer with the strict schema. Unknown
// top-level keys are rejected.
func parseLayer(data []byte) (*filePartial, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p filePartial
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &p, nil
}

// GlobalConfigPath is the default path of the global user config.
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".substrate", "config.yaml")
	}
	return filepath.Join(home, ".substrate", "config.yaml")
}

// ProjectConfigPath is the project config path under the workspace.
func ProjectConfigPath(workspace string) string {
	return filepath.Join(workspace, ".substrate", "config.yaml")
}

// readLayerFile loads a layer, migrating its format version first when
// needed. A missing file is an empty layer.
func readLayerFile(path string, migrator *Migrator) (*filePartial, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &filePartial{}, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// Peek at the version leniently; old formats would fail the strict
	// schema before the migration path could run.
	version := peekFormatVersion(data)
	if !SupportedFormatVersions[version] {
		if migrator == nil || !migrator.HasPath(version) {
			return nil, fmt.Errorf("%w: version %q in %s; run `substrate config migrate`",
				ErrIncompatibleFormat, version, path)
		}
		migrated, _, err := migrator.Migrate(path, data)
		if err != nil {
			return nil, err
		}
		layer, err := parseLayer(migrated)
		if err != nil {
			return nil, fmt.Errorf("migrated config is invalid: %w", err)
		}
		logging.Get(logging.CategoryConfig).Info("Config %s migrated to format %s",
			path, CurrentFormatVersion)
		return layer, nil
	}
	return parseLayer(data)
}

// peekFormatVersion reads config_format_version without schema enforcement.
// Files that never declared a version are treated as format 1.
func peekFormatVersion(data []byte) string {
	var probe struct {
		ConfigFormatVersion string `yaml:"config_format_version"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return CurrentFormatVersion // let the strict parser report the real error
	}
	if probe.ConfigFormatVersion == "" {
		return "1"
	}
	return probe.ConfigFormatVersion
}
