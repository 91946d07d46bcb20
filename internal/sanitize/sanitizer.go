// Package sanitize strips internal agent-format artifacts from draft replies
// so that the merchant only ever sees conversation.
package sanitize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ent0n29/cj/internal/faults"
)

var (
	fenceRe     = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\n(.*?)\n?```")
	bareStartRe = regexp.MustCompile(`[\[{]`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// Result is a sanitized reply plus counts of what was removed.
type Result struct {
	Text           string `json:"text"`
	Markers        int    `json:"markers"`
	PromptSections int    `json:"prompt_sections"`
	ToolCalls      int    `json:"tool_calls"`
}

func (r Result) Removed() int {
	return r.Markers + r.PromptSections + r.ToolCalls
}

func (r *Result) add(o Result) {
	r.Markers += o.Markers
	r.PromptSections += o.PromptSections
	r.ToolCalls += o.ToolCalls
}

type Sanitizer struct {
	lineMarker   *regexp.Regexp
	inlineMarker *regexp.Regexp
	modes        map[string]MarkerMode
	headers      []*regexp.Regexp
	toolKeys     map[string]bool
}

func New(cfg Config) (*Sanitizer, error) {
	s := &Sanitizer{
		modes:    make(map[string]MarkerMode, len(cfg.Markers)),
		toolKeys: make(map[string]bool, len(cfg.ToolCallKeys)),
	}

	var alts []string
	for _, m := range cfg.Markers {
		key := markerKey(m.Text)
		if key == "" {
			continue
		}
		mode := m.Mode
		if mode != ModeUnwrap {
			mode = ModeDrop
		}
		if _, dup := s.modes[key]; !dup {
			words := strings.Fields(key)
			for i, w := range words {
				words[i] = regexp.QuoteMeta(w)
			}
			alts = append(alts, strings.Join(words, `[ \t]+`))
		}
		s.modes[key] = mode
	}
	if len(alts) > 0 {
		// Longest first so "action input" is preferred over "action".
		sort.SliceStable(alts, func(i, j int) bool { return len(alts[i]) > len(alts[j]) })
		group := "(" + strings.Join(alts, "|") + ")"
		s.lineMarker = regexp.MustCompile(`(?i)^[ \t>*_#-]*` + group + `[*_]*[ \t]*:[*_]*[ \t]*`)
		s.inlineMarker = regexp.MustCompile(`(?i)\b` + group + `[*_]*[ \t]*:[*_]*`)
	}

	for _, p := range cfg.PromptSectionPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &faults.ConfigError{Kind: "sanitizer_pattern", Name: p, Reason: err.Error()}
		}
		s.headers = append(s.headers, re)
	}
	for _, k := range cfg.ToolCallKeys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			s.toolKeys[k] = true
		}
	}
	return s, nil
}

// MustNew is New for known-good configs such as DefaultConfig.
func MustNew(cfg Config) *Sanitizer {
	s, err := New(cfg)
	if err != nil {
		panic(fmt.Sprintf("sanitize: %v", err))
	}
	return s
}

// Sanitize returns the user-visible text of draft. It fails with
// *faults.FormatLeakError only when nothing conversational remains.
func (s *Sanitizer) Sanitize(draft string) (string, error) {
	res, err := s.SanitizeDetailed(draft)
	return res.Text, err
}

// SanitizeDetailed runs stripping passes until the text stops changing. Every
// pass only deletes, so the loop terminates, and its output is a fixpoint:
// sanitizing it again is a no-op.
func (s *Sanitizer) SanitizeDetailed(draft string) (Result, error) {
	var res Result
	out := draft
	for {
		next, st := s.pass(out)
		res.add(st)
		if next == out {
			break
		}
		out = next
	}
	res.Text = out
	if strings.TrimSpace(out) == "" {
		return res, &faults.FormatLeakError{Removed: res.Removed()}
	}
	return res, nil
}

func (s *Sanitizer) pass(text string) (string, Result) {
	var st Result
	text, st.Markers, st.PromptSections = s.stripBlocks(text)
	text, st.ToolCalls = s.stripToolJSON(text)
	return normalizeWhitespace(text), st
}

// stripBlocks is the single "known-prefix block" routine. A marker or prompt
// header opens a block that runs until the next blank line or marker line.
func (s *Sanitizer) stripBlocks(text string) (string, int, int) {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	markers, headers := 0, 0
	inBlock := false

	for _, line := range lines {
		if s.lineMarker != nil {
			if m := s.lineMarker.FindStringSubmatchIndex(line); m != nil {
				markers++
				if s.modes[markerKey(line[m[2]:m[3]])] == ModeUnwrap {
					inBlock = false
					if rest := line[m[1]:]; strings.TrimSpace(rest) != "" {
						out = append(out, rest)
					}
					continue
				}
				inBlock = true
				continue
			}
		}
		if ok, closing := s.isPromptHeader(line); ok {
			headers++
			inBlock = !closing
			continue
		}
		if inBlock {
			if strings.TrimSpace(line) == "" {
				inBlock = false
				out = append(out, line)
			}
			continue
		}
		if s.inlineMarker != nil {
			if m := s.inlineMarker.FindStringSubmatchIndex(line); m != nil {
				markers++
				if s.modes[markerKey(line[m[2]:m[3]])] == ModeUnwrap {
					line = line[:m[0]] + strings.TrimLeft(line[m[1]:], " \t")
				} else {
					line = strings.TrimRight(line[:m[0]], " \t")
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
			}
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n"), markers, headers
}

// isPromptHeader reports whether line opens a prompt section. A closing tag
// such as </system> also matches but ends the section instead.
func (s *Sanitizer) isPromptHeader(line string) (match, closing bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false, false
	}
	for _, re := range s.headers {
		if re.MatchString(trimmed) {
			return true, strings.HasPrefix(trimmed, "</") || strings.HasPrefix(trimmed, "[/")
		}
	}
	return false, false
}

func (s *Sanitizer) stripToolJSON(text string) (string, int) {
	removed := 0
	text = fenceRe.ReplaceAllStringFunc(text, func(block string) string {
		sub := fenceRe.FindStringSubmatch(block)
		if len(sub) == 2 {
			var v any
			if json.Unmarshal([]byte(sub[1]), &v) == nil && s.isToolCall(v) {
				removed++
				return ""
			}
		}
		return block
	})

	var b strings.Builder
	rest := text
	for {
		loc := bareStartRe.FindStringIndex(rest)
		if loc == nil {
			b.WriteString(rest)
			break
		}
		start := loc[0]
		dec := json.NewDecoder(strings.NewReader(rest[start:]))
		var v any
		if err := dec.Decode(&v); err == nil && s.isToolCall(v) {
			b.WriteString(strings.TrimRight(rest[:start], " \t"))
			rest = rest[start+int(dec.InputOffset()):]
			removed++
			continue
		}
		b.WriteString(rest[:loc[1]])
		rest = rest[loc[1]:]
	}
	return b.String(), removed
}

func (s *Sanitizer) isToolCall(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		for k := range t {
			if s.toolKeys[strings.ToLower(k)] {
				return true
			}
		}
		if _, ok := t["name"]; ok {
			for _, k := range []string{"arguments", "parameters", "input"} {
				if _, ok := t[k]; ok {
					return true
				}
			}
		}
	case []any:
		for _, item := range t {
			if s.isToolCall(item) {
				return true
			}
		}
	}
	return false
}

func normalizeWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func markerKey(s string) string {
	s = strings.TrimSuffix(strings.TrimSpace(s), ":")
	return strings.ToLower(spaceRe.ReplaceAllString(strings.TrimSpace(s), " "))
}
