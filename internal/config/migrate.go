package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// MigrationStep transforms a config document from one format version to the
// next. Steps are pure functions over the raw document.
type MigrationStep struct {
	From  string
	To    string
	Apply func(doc map[string]interface{}) map[string]interface{}
}

// Migrator holds the registered migration steps, keyed by source version.
type Migrator struct {
	steps map[string]MigrationStep
}

// NewMigrator returns a migrator with the built-in steps registered.
func NewMigrator() *Migrator {
	m := &Migrator{steps: make(map[string]MigrationStep)}
	m.Register(MigrationStep{From: "1", To: "2", Apply: migrateV1ToV2})
	return m
}

// Register adds a step. Later registrations for the same source version
// replace earlier ones.
func (m *Migrator) Register(step MigrationStep) {
	m.steps[step.From] = step
}

// HasPath reports whether a chain of steps leads from the given version to
// the current one.
func (m *Migrator) HasPath(from string) bool {
	seen := map[string]bool{}
	v := from
	for !SupportedFormatVersions[v] {
		if seen[v] {
			return false
		}
		seen[v] = true
		step, ok := m.steps[v]
		if !ok {
			return false
		}
		v = step.To
	}
	return true
}

// Migrate applies steps in order v -> v+1 -> ... until the document reaches
// the current format. A backup file <path>.bak.v<old> is written before any
// transformation. The returned keys are the top-level keys whose content
// changed.
func (m *Migrator) Migrate(path string, data []byte) ([]byte, []string, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config for migration: %w", err)
	}

	from, _ := doc["config_format_version"].(string)
	if from == "" {
		from = "1" // pre-versioned files are treated as format 1
	}
	if SupportedFormatVersions[from] {
		return data, nil, nil
	}
	if !m.HasPath(from) {
		return nil, nil, fmt.Errorf("%w: no migration path from version %q", ErrIncompatibleFormat, from)
	}

	backupPath := fmt.Sprintf("%s.bak.v%s", path, from)
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return nil, nil, fmt.Errorf("failed to write config backup: %w", err)
	}
	logging.Get(logging.CategoryConfig).Info("Config backup written: %s", backupPath)

	original := flattenTopLevel(doc)
	v := from
	for !SupportedFormatVersions[v] {
		step := m.steps[v]
		doc = step.Apply(doc)
		doc["config_format_version"] = step.To
		logging.Get(logging.CategoryConfig).Info("Applied config migration %s -> %s", step.From, step.To)
		v = step.To
	}

	changed := changedTopLevelKeys(original, flattenTopLevel(doc))

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, nil, fmt.Errorf("failed to render migrated config: %w", err)
	}
	_ = enc.Close()
	return buf.Bytes(), changed, nil
}

// MigrateFile migrates a config file in place and returns the changed
// top-level keys.
func (m *Migrator) MigrateFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	migrated, changed, err := m.Migrate(path, data)
	if err != nil {
		return nil, err
	}
	if changed == nil {
		return nil, nil
	}
	if err := os.WriteFile(path, migrated, 0644); err != nil {
		return nil, fmt.Errorf("failed to write migrated config: %w", err)
	}
	return changed, nil
}

// migrateV1ToV2 lifts format-1 flat keys into the global section and
// renames the agents block to providers.
func migrateV1ToV2(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	global := map[string]interface{}{}
	if g, ok := doc["global"].(map[string]interface{}); ok {
		for k, v := range g {
			global[k] = v
		}
	}

	for k, v := range doc {
		switch k {
		case "log_level", "max_concurrent_tasks", "budget_cap_tokens", "budget_cap_usd", "workspace_dir":
			global[k] = v
		case "agents":
			out["providers"] = v
		case "global":
			// handled above
		default:
			out[k] = v
		}
	}
	if len(global) > 0 {
		out["global"] = global
	}
	return out
}

func flattenTopLevel(doc map[string]interface{}) map[string]string {
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		rendered, err := yaml.Marshal(v)
		if err != nil {
			out[k] = fmt.Sprintf("%v", v)
			continue
		}
		out[k] = string(rendered)
	}
	return out
}

func changedTopLevelKeys(before, after map[string]string) []string {
	set := map[string]bool{}
	for k, v := range after {
		if before[k] != v {
			set[k] = true
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			set[k] = true
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
