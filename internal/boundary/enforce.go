package boundary

import (
	"strings"

	"go.uber.org/zap"
)

// Outcome is the three-way classification of a tool/data request.
type Outcome string

const (
	Allowed   Outcome = "allowed"
	Forbidden Outcome = "forbidden"
	// Unknown always resolves to Forbidden.
	Unknown Outcome = "unknown"
)

// Decision is the classification of one request tag.
type Decision struct {
	Tag      string  `json:"tag"`
	Category string  `json:"category"`
	Outcome  Outcome `json:"outcome"`
}

// Resolve collapses Unknown into Forbidden.
func (d Decision) Resolve() Outcome {
	if d.Outcome == Allowed {
		return Allowed
	}
	return Forbidden
}

func (d Decision) Permitted() bool {
	return d.Resolve() == Allowed
}

// Classify maps a request tag to exactly one outcome. It is pure and total:
// empty tags, nil policies and unmapped categories are Unknown.
func Classify(tag string, p *Policy) Decision {
	category := categoryFor(tag, p)
	d := Decision{Tag: tag, Category: category, Outcome: Unknown}
	if p == nil || category == "" {
		return d
	}
	switch {
	case p.forbidden[category]:
		d.Outcome = Forbidden
	case p.allowed[category]:
		d.Outcome = Allowed
	}
	return d
}

// categoryFor resolves a tool tag through the tool registry, then falls back
// to the tag itself or its namespace ("revenue.get_mrr" -> "revenue").
func categoryFor(tag string, p *Policy) string {
	t := normalize(tag)
	if t == "" {
		return ""
	}
	if p != nil {
		if c, ok := p.ToolCategories[t]; ok {
			return c
		}
		if p.allowed[t] || p.forbidden[t] {
			return t
		}
		if i := strings.IndexAny(t, ".:/"); i > 0 {
			ns := t[:i]
			if c, ok := p.ToolCategories[ns]; ok {
				return c
			}
			if p.allowed[ns] || p.forbidden[ns] {
				return ns
			}
		}
	}
	return t
}

// ToolCall is one tool invocation attached to a draft reply.
type ToolCall struct {
	Tag     string `json:"tag"`
	Payload any    `json:"payload,omitempty"`
}

// Rejection records a tool call withheld by the policy.
type Rejection struct {
	Call     ToolCall `json:"call"`
	Category string   `json:"category"`
	Outcome  Outcome  `json:"outcome"`
	Message  string   `json:"message"`
}

// Enforcer partitions tool calls against a policy. It never touches reply text.
type Enforcer struct {
	logger   *zap.Logger
	onReject func(Rejection)
}

func NewEnforcer(logger *zap.Logger) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{logger: logger.With(zap.String("component", "boundary"))}
}

// OnReject registers an observer called for each rejected call.
func (e *Enforcer) OnReject(fn func(Rejection)) {
	e.onReject = fn
}

func (e *Enforcer) Enforce(records []ToolCall, p *Policy) (kept []ToolCall, rejected []Rejection) {
	version := ""
	if p != nil {
		version = p.Version
	}
	for _, call := range records {
		d := Classify(call.Tag, p)
		if d.Permitted() {
			kept = append(kept, call)
			continue
		}
		r := Rejection{
			Call:     call,
			Category: d.Category,
			Outcome:  d.Outcome,
			Message:  p.BoundaryMessage(d.Category),
		}
		rejected = append(rejected, r)
		e.logger.Warn("tool call rejected",
			zap.String("tag", call.Tag),
			zap.String("category", d.Category),
			zap.String("outcome", string(d.Outcome)),
			zap.String("cj_version", version),
		)
		if e.onReject != nil {
			e.onReject(r)
		}
	}
	return kept, rejected
}
