package sanitize

import "strings"

type MarkerMode string

const (
	// ModeDrop removes the marker line and its attributable block.
	ModeDrop MarkerMode = "drop"
	// ModeUnwrap removes only the marker and keeps what follows it.
	ModeUnwrap MarkerMode = "unwrap"
)

// Marker is one internal reasoning-format prefix, written without its colon.
type Marker struct {
	Text string     `yaml:"text" json:"text"`
	Mode MarkerMode `yaml:"mode" json:"mode"`
}

type Config struct {
	Markers []Marker `yaml:"markers" json:"markers"`
	// PromptSectionPatterns match whole lines that open a system-prompt section.
	PromptSectionPatterns []string `yaml:"prompt_section_patterns" json:"prompt_section_patterns"`
	// ToolCallKeys identify a JSON object as a raw tool call.
	ToolCallKeys []string `yaml:"tool_call_keys" json:"tool_call_keys"`
}

func DefaultConfig() Config {
	return Config{
		Markers: []Marker{
			{Text: "Thought", Mode: ModeDrop},
			{Text: "Action", Mode: ModeDrop},
			{Text: "Action Input", Mode: ModeDrop},
			{Text: "Observation", Mode: ModeDrop},
			{Text: "Final Answer", Mode: ModeUnwrap},
		},
		PromptSectionPatterns: []string{
			`(?i)^#{1,6}\s*(?:system(?:\s+prompt)?|instructions?|persona|available\s+tools|tool\s+definitions|guidelines|boundaries|internal\s+notes)\b.*$`,
			`(?i)^\[/?(?:system|sys|inst)\]`,
			`(?i)^</?(?:system|instructions|persona|tools)>`,
			`(?i)^(?:={3,}|-{3,})\s*(?:begin|end)?\s*system\b.*$`,
			`(?i)^system\s+prompt\s*:`,
			`(?i)^you\s+are\s+cj\b`,
		},
		ToolCallKeys: []string{"tool", "tool_name", "tool_calls", "tool_call", "function", "function_call", "action", "action_input"},
	}
}

// MarkersFromList builds drop markers from a comma separated override list.
// Entries ending in "=unwrap" keep their content.
func MarkersFromList(raw string) []Marker {
	var out []Marker
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mode := ModeDrop
		if name, m, ok := strings.Cut(part, "="); ok {
			part = strings.TrimSpace(name)
			if strings.EqualFold(strings.TrimSpace(m), string(ModeUnwrap)) {
				mode = ModeUnwrap
			}
		}
		out = append(out, Marker{Text: strings.TrimSuffix(part, ":"), Mode: mode})
	}
	return out
}
