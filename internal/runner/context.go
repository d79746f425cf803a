package runner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/johnplanow/substrate-sub007/internal/store"
)

// categoryPriority orders decision categories for summarization, highest
// kept longest. Categories not listed rank with "other".
var categoryPriority = []string{
	"data", "auth", "api", "runtime", "storage", "observability", "ci", "other",
}

func priorityRank(category string) int {
	for i, c := range categoryPriority {
		if c == category {
			return i
		}
	}
	return len(categoryPriority) - 1
}

// resolvedVar is one context variable ready for interpolation. Decision
// sections keep their raw rows so summarization can re-render them.
type resolvedVar struct {
	text      string
	decisions []store.Decision
	phase     string
	category  string
}

// resolveContext materializes every ContextRef. stepOutputs holds parsed
// outputs of earlier steps in this phase, keyed by step name.
func (r *Runner) resolveContext(runID string, refs []ContextRef, params map[string]string,
	stepOutputs map[string]map[string]interface{}) (map[string]resolvedVar, int, error) {

	out := make(map[string]resolvedVar, len(refs))
	decisionCount := 0

	for _, ref := range refs {
		switch {
		case strings.HasPrefix(ref.Source, "param:"):
			key := strings.TrimPrefix(ref.Source, "param:")
			val, ok := params[key]
			if !ok {
				return nil, 0, fmt.Errorf("param %q is not set", key)
			}
			out[ref.Placeholder] = resolvedVar{text: val}

		case strings.HasPrefix(ref.Source, "decision:"):
			spec := strings.TrimPrefix(ref.Source, "decision:")
			phase, category, ok := strings.Cut(spec, ".")
			if !ok {
				return nil, 0, fmt.Errorf("decision source %q needs <phase>.<category>", ref.Source)
			}
			decisions, err := r.store.GetDecisionsByPhaseForRun(runID, phase)
			if err != nil {
				return nil, 0, fmt.Errorf("loading decisions for %s: %w", ref.Source, err)
			}
			filtered := decisions[:0:0]
			for _, d := range decisions {
				if d.Category == category {
					filtered = append(filtered, d)
				}
			}
			out[ref.Placeholder] = resolvedVar{
				text:      renderDecisionSection(phase, category, filtered),
				decisions: filtered,
				phase:     phase,
				category:  category,
			}
			decisionCount += len(filtered)

		case strings.HasPrefix(ref.Source, "step:"):
			name := strings.TrimPrefix(ref.Source, "step:")
			parsed, ok := stepOutputs[name]
			if !ok {
				return nil, 0, fmt.Errorf("step %q has not produced output", name)
			}
			text, err := renderStepOutput(parsed)
			if err != nil {
				return nil, 0, fmt.Errorf("rendering output of step %q: %w", name, err)
			}
			out[ref.Placeholder] = resolvedVar{text: text}

		default:
			return nil, 0, fmt.Errorf("unknown context source %q", ref.Source)
		}
	}
	return out, decisionCount, nil
}

// renderDecisionSection renders decisions as a markdown section: a header
// and one bullet per decision, with JSON-array values as sub-bullets.
func renderDecisionSection(phase, category string, decisions []store.Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s.%s\n", phase, category)
	for _, d := range decisions {
		if items, ok := decodeArray(d.Value); ok {
			if d.Rationale != "" {
				fmt.Fprintf(&b, "- %s (%s):\n", d.Key, d.Rationale)
			} else {
				fmt.Fprintf(&b, "- %s:\n", d.Key)
			}
			for _, item := range items {
				fmt.Fprintf(&b, "  - %s\n", item)
			}
			continue
		}
		if d.Rationale != "" {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", d.Key, d.Value, d.Rationale)
		} else {
			fmt.Fprintf(&b, "- %s: %s\n", d.Key, d.Value)
		}
	}
	return b.String()
}

// decodeArray reports whether a stored value is a JSON array and returns its
// elements as strings.
func decodeArray(value string) ([]string, bool) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	var items []interface{}
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, false
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = fmt.Sprintf("%v", it)
	}
	return out, true
}

// renderStepOutput renders a prior step's parsed output as JSON with the
// result field removed.
func renderStepOutput(parsed map[string]interface{}) (string, error) {
	trimmed := make(map[string]interface{}, len(parsed))
	for k, v := range parsed {
		if k == "result" {
			continue
		}
		trimmed[k] = v
	}
	raw, err := json.MarshalIndent(trimmed, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// interpolate substitutes {{placeholder}} tokens. Unresolved placeholders
// are an error so a typo cannot silently ship an empty prompt section.
func interpolate(template string, vars map[string]string) (string, error) {
	out := template
	for name, val := range vars {
		out = strings.ReplaceAll(out, "{{"+name+"}}", val)
	}
	if i := strings.Index(out, "{{"); i >= 0 {
		if j := strings.Index(out[i:], "}}"); j >= 0 {
			return "", fmt.Errorf("unresolved placeholder %s", out[i:i+j+2])
		}
	}
	return out, nil
}

// compactLine is one summarized decision with its trim rank.
type compactLine struct {
	rank int
	line string
}

// compactDecisionLines renders one decision section in summarized form: one
// line per decision, `- key: value` truncated to 120 characters.
func compactDecisionLines(v resolvedVar) []compactLine {
	lines := make([]compactLine, 0, len(v.decisions))
	for _, d := range v.decisions {
		line := fmt.Sprintf("- %s: %s", d.Key, d.Value)
		if len(line) > 120 {
			line = line[:120]
		}
		lines = append(lines, compactLine{rank: priorityRank(d.Category), line: line})
	}
	return lines
}

// renderCompactSection joins a section's surviving compact lines under its
// header, sorted so higher-priority categories lead.
func renderCompactSection(v resolvedVar, lines []compactLine) string {
	sorted := append([]compactLine(nil), lines...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].rank < sorted[j].rank })
	var b strings.Builder
	fmt.Fprintf(&b, "## %s.%s\n", v.phase, v.category)
	for _, l := range sorted {
		b.WriteString(l.line)
		b.WriteByte('\n')
	}
	return b.String()
}
