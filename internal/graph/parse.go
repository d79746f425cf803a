package graph

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseFile reads and parses a task-graph document. JSON is accepted when
// the extension is .json or the first non-whitespace byte is '{'; JSON is a
// YAML subset, so one decoder serves both.
func ParseFile(path string) (*TaskGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task graph: %w", err)
	}
	return Parse(data)
}

// IsJSON reports whether the document should be treated as JSON.
func IsJSON(path string, data []byte) bool {
	if filepath.Ext(path) == ".json" {
		return true
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// rawGraph is the strict top-level shape. Tasks stays a yaml.Node so the
// document order of task ids survives decoding.
type rawGraph struct {
	Version string    `yaml:"version"`
	Session Session   `yaml:"session"`
	Tasks   yaml.Node `yaml:"tasks"`
}

// Parse decodes a task-graph document. Structural failures (malformed
// document, unknown fields, wrong node kinds) fail fast; everything beyond
// structure is left to Validate.
func Parse(data []byte) (*TaskGraph, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var raw rawGraph
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("malformed task graph: %w", err)
	}

	g := &TaskGraph{
		Version: raw.Version,
		Session: raw.Session,
		Tasks:   make(map[string]*TaskNode),
	}

	if raw.Tasks.Kind == 0 {
		return g, nil
	}
	if raw.Tasks.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("malformed task graph: tasks must be a mapping")
	}

	for i := 0; i+1 < len(raw.Tasks.Content); i += 2 {
		keyNode := raw.Tasks.Content[i]
		valNode := raw.Tasks.Content[i+1]
		id := keyNode.Value
		if _, dup := g.Tasks[id]; dup {
			return nil, fmt.Errorf("malformed task graph: duplicate task id %q", id)
		}
		var node TaskNode
		if err := strictDecodeNode(valNode, &node); err != nil {
			return nil, fmt.Errorf("malformed task graph: task %q: %w", id, err)
		}
		g.Tasks[id] = &node
		g.Order = append(g.Order, id)
	}
	return g, nil
}

func strictDecodeNode(node *yaml.Node, out interface{}) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(node); err != nil {
		return err
	}
	_ = enc.Close()
	dec := yaml.NewDecoder(&buf)
	dec.KnownFields(true)
	return dec.Decode(out)
}

// Render writes the graph back to YAML, preserving task document order.
// parse -> Render -> parse yields the same adjacency and ordering.
func Render(g *TaskGraph) ([]byte, error) {
	tasks := &yaml.Node{Kind: yaml.MappingNode}
	for _, id := range g.Order {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: id}
		valNode := &yaml.Node{}
		if err := valNode.Encode(g.Tasks[id]); err != nil {
			return nil, fmt.Errorf("failed to encode task %s: %w", id, err)
		}
		tasks.Content = append(tasks.Content, keyNode, valNode)
	}

	doc := &yaml.Node{Kind: yaml.MappingNode}
	appendPair := func(key string, val *yaml.Node) {
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key}, val)
	}
	versionNode := &yaml.Node{Kind: yaml.ScalarNode, Value: g.Version, Style: yaml.DoubleQuotedStyle}
	sessionNode := &yaml.Node{}
	if err := sessionNode.Encode(g.Session); err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	appendPair("version", versionNode)
	appendPair("session", sessionNode)
	appendPair("tasks", tasks)

	var buf strings.Builder
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to render task graph: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}
