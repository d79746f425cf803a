package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/johnplanow/substrate-sub007/internal/bus"
	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// System owns the merged configuration for one workspace. It loads the
// layers, answers dotted-path reads, writes Set changes to the project file,
// and hot-reloads on file changes.
type System struct {
	mu           sync.RWMutex
	workspace    string
	globalPath   string
	migrator     *Migrator
	cliOverrides map[string]string
	merged       *Config
}

// SystemOption configures a System.
type SystemOption func(*System)

// WithGlobalPath overrides the global config path, mainly for tests.
func WithGlobalPath(path string) SystemOption {
	return func(s *System) { s.globalPath = path }
}

// WithCLIOverrides applies dotted-key overrides as the highest merge layer.
func WithCLIOverrides(overrides map[string]string) SystemOption {
	return func(s *System) { s.cliOverrides = overrides }
}

// NewSystem creates a config system rooted at the given workspace.
func NewSystem(workspace string, opts ...SystemOption) *System {
	s := &System{
		workspace:  workspace,
		globalPath: GlobalConfigPath(),
		migrator:   NewMigrator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProjectPath returns the project config file path for this system.
func (s *System) ProjectPath() string {
	return ProjectConfigPath(s.workspace)
}

// Load merges defaults, the global file, the project file, ADT_* environment
// variables, and CLI overrides, validates the result, and caches it.
func (s *System) Load() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *System) loadLocked() (*Config, error) {
	cfg := DefaultConfig()

	globalLayer, err := readLayerFile(s.globalPath, s.migrator)
	if err != nil {
		return nil, err
	}
	mergeLayer(cfg, globalLayer)

	projectLayer, err := readLayerFile(s.ProjectPath(), s.migrator)
	if err != nil {
		return nil, err
	}
	mergeLayer(cfg, projectLayer)

	applyEnvOverrides(cfg)

	for _, key := range sortedKeys(s.cliOverrides) {
		if err := setDottedPath(cfg, key, s.cliOverrides[key]); err != nil {
			return nil, fmt.Errorf("invalid override --%s: %w", key, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s.merged = cfg
	logging.Get(logging.CategoryConfig).Debug("Config loaded: log_level=%s max_concurrent=%d providers=%d",
		cfg.Global.LogLevel, cfg.Global.MaxConcurrentTasks, len(cfg.Providers))
	return cfg, nil
}

// Current returns the cached merged config, loading it on first use.
func (s *System) Current() (*Config, error) {
	s.mu.RLock()
	if s.merged != nil {
		cfg := s.merged
		s.mu.RUnlock()
		return cfg, nil
	}
	s.mu.RUnlock()
	return s.Load()
}

// Get resolves a dotted key against the merged config. Objects come back as
// maps, leaves as scalars.
func (s *System) Get(key string) (interface{}, error) {
	cfg, err := s.Current()
	if err != nil {
		return nil, err
	}
	doc, err := toDocument(cfg)
	if err != nil {
		return nil, err
	}
	val, ok := lookupPath(doc, key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return val, nil
}

// Set writes one scalar key to the project config file and reloads the full
// merged config. Object-valued keys are rejected.
func (s *System) Set(key, value string) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.merged == nil {
		if _, err := s.loadLocked(); err != nil {
			return nil, err
		}
	}
	doc, err := toDocument(s.merged)
	if err != nil {
		return nil, err
	}
	existing, ok := lookupPath(doc, key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if _, isMap := existing.(map[string]interface{}); isMap {
		return nil, fmt.Errorf("%w: %q", ErrUseDeeperPath, key)
	}

	path := s.ProjectPath()
	project := map[string]interface{}{}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &project); err != nil {
			return nil, fmt.Errorf("failed to parse project config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read project config: %w", err)
	}
	if project == nil {
		project = map[string]interface{}{}
	}
	project["config_format_version"] = CurrentFormatVersion
	if err := setMapPath(project, key, coerceEnv(value)); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	rendered, err := renderYAML(project)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, rendered, 0644); err != nil {
		return nil, fmt.Errorf("failed to write project config: %w", err)
	}
	logging.Get(logging.CategoryConfig).Info("Config set %s=%s in %s", key, value, path)

	return s.loadLocked()
}

// Export renders the merged config as YAML with secrets masked. Any value in
// the environment referenced by a provider's api_key_env is replaced with a
// fixed-length mask so exports are safe to share.
func (s *System) Export() ([]byte, error) {
	cfg, err := s.Current()
	if err != nil {
		return nil, err
	}
	doc, err := toDocument(cfg)
	if err != nil {
		return nil, err
	}
	rendered, err := renderYAML(doc)
	if err != nil {
		return nil, err
	}
	for _, p := range cfg.Providers {
		if p.APIKeyEnv == "" {
			continue
		}
		if secret := os.Getenv(p.APIKeyEnv); secret != "" {
			rendered = bytes.ReplaceAll(rendered, []byte(secret), []byte("********"))
		}
	}
	return rendered, nil
}

// Import replaces the project config with the given document after strict
// validation. It reports whether anything actually changed; identical imports
// are a no-op.
func (s *System) Import(data []byte) (bool, error) {
	if _, err := parseLayer(data); err != nil {
		return false, err
	}

	path := s.ProjectPath()
	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(normalizeYAML(current), normalizeYAML(data)) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, fmt.Errorf("failed to write project config: %w", err)
	}

	if _, err := s.Load(); err != nil {
		return false, err
	}
	logging.Get(logging.CategoryConfig).Info("Config imported to %s", path)
	return true, nil
}

// Reload re-merges all layers and publishes config:reloaded with the dotted
// keys whose values changed.
func (s *System) Reload(b *bus.Bus) error {
	s.mu.Lock()
	before := s.merged
	cfg, err := s.loadLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	var changed []string
	if before != nil {
		changed, err = diffConfigs(before, cfg)
		if err != nil {
			return err
		}
	}
	if b != nil && len(changed) > 0 {
		b.Publish(bus.TopicConfigReloaded, bus.ConfigReloaded{ChangedKeys: changed})
	}
	if len(changed) > 0 {
		logging.Get(logging.CategoryConfig).Info("Config reloaded, changed keys: %s",
			strings.Join(changed, ", "))
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// toDocument converts the typed config into a generic map via its yaml tags.
func toDocument(cfg *Config) (map[string]interface{}, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode config document: %w", err)
	}
	return doc, nil
}

func fromDocument(doc map[string]interface{}) (*Config, error) {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	return &cfg, nil
}

// setDottedPath applies one dotted-key override onto a typed config.
func setDottedPath(cfg *Config, key, value string) error {
	doc, err := toDocument(cfg)
	if err != nil {
		return err
	}
	existing, ok := lookupPath(doc, key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if _, isMap := existing.(map[string]interface{}); isMap {
		return fmt.Errorf("%w: %q", ErrUseDeeperPath, key)
	}
	if err := setMapPath(doc, key, coerceEnv(value)); err != nil {
		return err
	}
	next, err := fromDocument(doc)
	if err != nil {
		return err
	}
	*cfg = *next
	return nil
}

func lookupPath(doc map[string]interface{}, key string) (interface{}, bool) {
	parts := strings.Split(key, ".")
	var cur interface{} = doc
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setMapPath(doc map[string]interface{}, key string, value interface{}) error {
	parts := strings.Split(key, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok || next == nil {
			child := map[string]interface{}{}
			cur[part] = child
			cur = child
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: %q traverses a scalar", ErrUnknownKey, key)
		}
		cur = m
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// flattenDoc turns a nested document into dotted leaf keys.
func flattenDoc(doc map[string]interface{}, prefix string, out map[string]string) {
	for k, v := range doc {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if m, ok := v.(map[string]interface{}); ok {
			flattenDoc(m, key, out)
			continue
		}
		out[key] = fmt.Sprintf("%v", v)
	}
}

func diffConfigs(before, after *Config) ([]string, error) {
	b, err := toDocument(before)
	if err != nil {
		return nil, err
	}
	a, err := toDocument(after)
	if err != nil {
		return nil, err
	}
	bf := map[string]string{}
	af := map[string]string{}
	flattenDoc(b, "", bf)
	flattenDoc(a, "", af)

	set := map[string]bool{}
	for k, v := range af {
		if bf[k] != v {
			set[k] = true
		}
	}
	for k := range bf {
		if _, ok := af[k]; !ok {
			set[k] = true
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func renderYAML(doc map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to render yaml: %w", err)
	}
	_ = enc.Close()
	return buf.Bytes(), nil
}

// normalizeYAML re-renders a document so comparisons ignore formatting.
func normalizeYAML(data []byte) []byte {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return data
	}
	out, err := renderYAML(doc)
	if err != nil {
		return data
	}
	return out
}
