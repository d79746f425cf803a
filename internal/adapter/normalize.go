package adapter

// Canonical agent ids.
const (
	AgentClaudeCode = "claude-code"
	AgentCodex      = "codex"
	AgentGemini     = "gemini"
)

// aliases maps known agent-name spellings to canonical ids.
var aliases = map[string]string{
	"claude":      AgentClaudeCode,
	"claude-cli":  AgentClaudeCode,
	"claude-code": AgentClaudeCode,
	"codex":       AgentCodex,
	"codex-cli":   AgentCodex,
	"gemini":      AgentGemini,
	"gemini-cli":  AgentGemini,
	"gemini-code": AgentGemini,
}

// Normalize maps an agent name to its canonical id. The second return is
// true when the input was a known alias that changed spelling.
func Normalize(name string) (string, bool) {
	canonical, ok := aliases[name]
	if !ok {
		return name, false
	}
	return canonical, canonical != name
}

// IsKnown reports whether name is a canonical agent id or a known alias.
func IsKnown(name string) bool {
	_, ok := aliases[name]
	return ok
}
