// Package pack loads methodology packs: directories carrying a manifest,
// prompt templates, and constraint documents that drive the phase runner.
// Packs live under .substrate/packs/<name>/ in the workspace.
package pack

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/johnplanow/substrate-sub007/internal/adapter"
	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// ErrNotFound means no pack with that name exists in the workspace.
var ErrNotFound = errors.New("pack not found")

// Phase is one methodology phase declared by a pack. Gates are named
// conditions the runner checks before entering and before leaving the phase;
// artifacts name the outputs the phase is expected to produce.
type Phase struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	EntryGates  []string `yaml:"entry_gates,omitempty"`
	ExitGates   []string `yaml:"exit_gates,omitempty"`
	Artifacts   []string `yaml:"artifacts,omitempty"`
	Steps       []string `yaml:"steps,omitempty"`
}

// Manifest is the parsed manifest.yaml of a pack. Prompts, constraints, and
// templates map names to file paths relative to the pack directory.
type Manifest struct {
	Name        string            `yaml:"name"`
	Version     string            `yaml:"version"`
	Description string            `yaml:"description"`
	Phases      []Phase           `yaml:"phases"`
	Prompts     map[string]string `yaml:"prompts"`
	Constraints map[string]string `yaml:"constraints"`
	Templates   map[string]string `yaml:"templates"`
}

// Pack is a loaded methodology pack. File contents load lazily and are
// cached by reference.
type Pack struct {
	Manifest Manifest

	dir   string
	mu    sync.Mutex
	cache map[string]string
}

// Load reads a pack from its directory.
func Load(dir string) (*Pack, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to read pack manifest: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse pack manifest: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("pack manifest in %s has no name", dir)
	}
	logging.Get(logging.CategoryPack).Info("Loaded pack %s v%s (%d phases)",
		m.Name, m.Version, len(m.Phases))
	return &Pack{Manifest: m, dir: dir, cache: make(map[string]string)}, nil
}

// Dir returns the pack's directory.
func (p *Pack) Dir() string { return p.dir }

// Phase looks up a phase by name.
func (p *Pack) Phase(name string) (Phase, bool) {
	for _, ph := range p.Manifest.Phases {
		if ph.Name == name {
			return ph, true
		}
	}
	return Phase{}, false
}

// PromptTemplate returns the prompt template for a task type. It satisfies
// the runner's TemplateSource.
func (p *Pack) PromptTemplate(taskType adapter.TaskType) (string, error) {
	rel, ok := p.Manifest.Prompts[string(taskType)]
	if !ok {
		return "", fmt.Errorf("pack %s has no prompt for task type %q", p.Manifest.Name, taskType)
	}
	return p.readCached(rel)
}

// Constraint returns a named constraint document.
func (p *Pack) Constraint(name string) (string, error) {
	rel, ok := p.Manifest.Constraints[name]
	if !ok {
		return "", fmt.Errorf("pack %s has no constraint %q", p.Manifest.Name, name)
	}
	return p.readCached(rel)
}

// Template returns a named output template.
func (p *Pack) Template(name string) (string, error) {
	rel, ok := p.Manifest.Templates[name]
	if !ok {
		return "", fmt.Errorf("pack %s has no template %q", p.Manifest.Name, name)
	}
	return p.readCached(rel)
}

func (p *Pack) readCached(rel string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if content, ok := p.cache[rel]; ok {
		return content, nil
	}
	data, err := os.ReadFile(filepath.Join(p.dir, rel))
	if err != nil {
		return "", fmt.Errorf("failed to read pack file %s: %w", rel, err)
	}
	p.cache[rel] = string(data)
	return string(data), nil
}

// PacksDir is where a workspace keeps its packs.
func PacksDir(workspace string) string {
	return filepath.Join(workspace, ".substrate", "packs")
}

// Discover lists the packs installed in a workspace, sorted by name.
// Directories without a readable manifest are skipped with a warning.
func Discover(workspace string) ([]*Pack, error) {
	root := PacksDir(workspace)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list packs: %w", err)
	}

	var packs []*Pack
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := Load(filepath.Join(root, e.Name()))
		if err != nil {
			logging.Get(logging.CategoryPack).Warn("Skipping pack dir %s: %v", e.Name(), err)
			continue
		}
		packs = append(packs, p)
	}
	sort.Slice(packs, func(i, j int) bool {
		return packs[i].Manifest.Name < packs[j].Manifest.Name
	})
	return packs, nil
}

// Find loads one pack by name from a workspace.
func Find(workspace, name string) (*Pack, error) {
	dir := filepath.Join(PacksDir(workspace), name)
	if _, err := os.Stat(filepath.Join(dir, "manifest.yaml")); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, err
	}
	return Load(dir)
}
