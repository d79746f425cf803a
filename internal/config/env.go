package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/johnplanow/substrate-sub007/internal/logging"
)

var (
	intPattern   = regexp.MustCompile(`^-?\d+$`)
	floatPattern = regexp.MustCompile(`^-?\d*\.\d+$`)
)

// coerceEnv converts an environment string to bool, int, float, or string.
func coerceEnv(raw string) interface{} {
	switch {
	case raw == "true":
		return true
	case raw == "false":
		return false
	case intPattern.MatchString(raw):
		n, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			return n
		}
	case floatPattern.MatchString(raw):
		f, err := strconv.ParseFloat(raw, 64)
		if err == nil {
			return f
		}
	}
	return raw
}

// applyEnvOverrides applies the fixed ADT_* environment map onto the merged
// config. Unknown ADT_ keys are ignored.
func applyEnvOverrides(c *Config) {
	log := logging.Get(logging.CategoryConfig)

	if v := os.Getenv("ADT_LOG_LEVEL"); v != "" {
		c.Global.LogLevel = v
	}
	if v := os.Getenv("ADT_MAX_CONCURRENT_TASKS"); v != "" {
		if n, ok := coerceEnv(v).(int64); ok {
			c.Global.MaxConcurrentTasks = int(n)
		} else {
			log.Warn("ADT_MAX_CONCURRENT_TASKS is not an integer: %q", v)
		}
	}
	if v := os.Getenv("ADT_BUDGET_CAP_TOKENS"); v != "" {
		if n, ok := coerceEnv(v).(int64); ok {
			c.Global.BudgetCapTokens = n
		} else {
			log.Warn("ADT_BUDGET_CAP_TOKENS is not an integer: %q", v)
		}
	}
	if v := os.Getenv("ADT_BUDGET_CAP_USD"); v != "" {
		switch n := coerceEnv(v).(type) {
		case float64:
			c.Global.BudgetCapUSD = n
		case int64:
			c.Global.BudgetCapUSD = float64(n)
		default:
			log.Warn("ADT_BUDGET_CAP_USD is not numeric: %q", v)
		}
	}
	if v := os.Getenv("ADT_WORKSPACE_DIR"); v != "" {
		c.Global.WorkspaceDir = v
	}

	// ADT_<PROVIDER>_ENABLED toggles known providers; the provider segment
	// uses underscores for dashes (ADT_CLAUDE_CODE_ENABLED).
	for id, p := range c.Providers {
		envKey := "ADT_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_ENABLED"
		if v := os.Getenv(envKey); v != "" {
			if b, ok := coerceEnv(v).(bool); ok {
				p.Enabled = b
				c.Providers[id] = p
			} else {
				log.Warn("%s is not a boolean: %q", envKey, v)
			}
		}
	}
}
