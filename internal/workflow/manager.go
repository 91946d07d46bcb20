package workflow

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/ent0n29/cj/internal/conversation"
	"github.com/ent0n29/cj/internal/faults"
)

const DefaultDebounceWindow = 100 * time.Millisecond

type EventType string

const (
	// EventSwitchRequest is a merchant asking to change workflow.
	EventSwitchRequest EventType = "switch_request"
	// EventSystemTransition is a system notification that a workflow started.
	EventSystemTransition EventType = "system_transition"
)

type Event struct {
	Type   EventType             `json:"type"`
	Target conversation.Workflow `json:"target_workflow"`
}

// Ack acknowledges one applied transition.
type Ack struct {
	ConversationID string                `json:"conversation_id"`
	EventType      EventType             `json:"event_type"`
	From           conversation.Workflow `json:"from"`
	To             conversation.Workflow `json:"to"`
	Changed        bool                  `json:"changed"`
	At             time.Time             `json:"at"`
}

// Outcome of applying an event. Ack is nil when the event was collapsed.
type Outcome struct {
	Context   *conversation.Context
	Ack       *Ack
	Collapsed bool
}

// Manager tracks the active workflow of each conversation. It supplies
// context to response generation and never gates a turn.
type Manager struct {
	defs   *Definitions
	logger *zap.Logger
	window time.Duration

	// recent holds the last applied target per conversation for the
	// debounce window.
	recent *gocache.Cache

	mu sync.Mutex
	// pending is the last acknowledged target per conversation that no turn
	// has consumed yet.
	pending map[string]conversation.Workflow
}

func NewManager(defs *Definitions, window time.Duration, logger *zap.Logger) *Manager {
	if defs == nil {
		defs = DefaultDefinitions()
	}
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		defs:    defs,
		logger:  logger.With(zap.String("component", "workflow")),
		window:  window,
		recent:  gocache.New(window, 10*window),
		pending: make(map[string]conversation.Workflow),
	}
}

// Apply applies ev to conv in place. On error conv is untouched.
func (m *Manager) Apply(conv *conversation.Context, ev Event) (Outcome, error) {
	switch ev.Type {
	case EventSwitchRequest, EventSystemTransition:
	default:
		return Outcome{}, &faults.ConfigError{Kind: "workflow_event", Name: string(ev.Type)}
	}
	if _, ok := m.defs.Get(ev.Target); !ok {
		return Outcome{}, &faults.ConfigError{Kind: "workflow", Name: string(ev.Target)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if target, ok := m.pending[conv.ID]; ok && target == ev.Target {
		m.logger.Debug("transition collapsed", zap.String("conversation_id", conv.ID), zap.String("target", string(ev.Target)), zap.String("reason", "unconsumed"))
		return Outcome{Context: conv, Collapsed: true}, nil
	}
	if last, seen := m.recent.Get(conv.ID); seen && last.(conversation.Workflow) == ev.Target {
		m.logger.Debug("transition collapsed", zap.String("conversation_id", conv.ID), zap.String("target", string(ev.Target)), zap.String("reason", "window"))
		return Outcome{Context: conv, Collapsed: true}, nil
	}

	from := conv.ActiveWorkflow
	conv.ActiveWorkflow = ev.Target
	m.pending[conv.ID] = ev.Target
	m.recent.Set(conv.ID, ev.Target, m.window)

	ack := &Ack{
		ConversationID: conv.ID,
		EventType:      ev.Type,
		From:           from,
		To:             ev.Target,
		Changed:        from != ev.Target,
		At:             time.Now().UTC(),
	}
	m.logger.Info("workflow transition",
		zap.String("conversation_id", conv.ID),
		zap.String("from", string(from)),
		zap.String("to", string(ev.Target)),
		zap.String("event", string(ev.Type)),
	)
	return Outcome{Context: conv, Ack: ack}, nil
}

// Consume marks the pending transition of a conversation as used by a turn.
func (m *Manager) Consume(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, conversationID)
}

// Forget drops per-conversation state once a conversation ends.
func (m *Manager) Forget(conversationID string) {
	m.Consume(conversationID)
	m.recent.Delete(conversationID)
}

// NextIncompleteMilestone suggests the next milestone of the active workflow.
// Callers are free to ignore it.
func (m *Manager) NextIncompleteMilestone(conv *conversation.Context) (Milestone, bool) {
	def, ok := m.defs.Get(conv.ActiveWorkflow)
	if !ok {
		return Milestone{}, false
	}
	done := make(map[string]bool)
	for _, name := range conv.Milestones[conv.ActiveWorkflow] {
		done[name] = true
	}
	for _, ms := range def.Milestones {
		if !done[ms.Name] {
			return ms, true
		}
	}
	return Milestone{}, false
}

// CompleteMilestone records progress on the active workflow. Completing a
// milestone twice is a no-op; order is not enforced.
func (m *Manager) CompleteMilestone(conv *conversation.Context, name string) error {
	def, ok := m.defs.Get(conv.ActiveWorkflow)
	if !ok {
		return &faults.ConfigError{Kind: "workflow", Name: string(conv.ActiveWorkflow)}
	}
	if _, ok := def.milestone(name); !ok {
		return &faults.ConfigError{Kind: "milestone", Name: name}
	}
	for _, done := range conv.Milestones[conv.ActiveWorkflow] {
		if done == name {
			return nil
		}
	}
	if conv.Milestones == nil {
		conv.Milestones = make(map[conversation.Workflow][]string)
	}
	conv.Milestones[conv.ActiveWorkflow] = append(conv.Milestones[conv.ActiveWorkflow], name)
	return nil
}
