package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("conversation not found")

// Manager owns live conversations. Ended and expired conversations are
// destroyed; their final state is only handed to end hooks.
type Manager struct {
	mu          sync.RWMutex
	convs       map[string]*Context
	idleTimeout time.Duration
	onEnd       []func(*Context, EndReason)
}

func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Manager{
		convs:       make(map[string]*Context),
		idleTimeout: idleTimeout,
	}
}

// AddEndHook registers a callback run after a conversation is ended or expires.
func (m *Manager) AddEndHook(hook func(*Context, EndReason)) {
	if hook == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = append(m.onEnd, hook)
}

func (m *Manager) IdleTimeout() time.Duration {
	return m.idleTimeout
}

func (m *Manager) Create(merchantID, cjVersion, trustLevel string) *Context {
	now := time.Now().UTC()
	c := &Context{
		ID:             uuid.NewString(),
		MerchantID:     merchantID,
		CJVersion:      cjVersion,
		TrustLevel:     trustLevel,
		Status:         StatusActive,
		ActiveWorkflow: WorkflowNone,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[c.ID] = c
	return clone(c)
}

func (m *Manager) Get(id string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return ErrNotFound
	}
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// Update runs fn against a copy of the conversation and commits the copy only
// when fn succeeds, so a failing mutation leaves no partial state behind.
// CJVersion and ID are restored after fn; they are immutable.
func (m *Manager) Update(id string, fn func(*Context) error) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := clone(c)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = c.ID
	next.CJVersion = c.CJVersion
	next.Status = c.Status
	next.LastActivityAt = time.Now().UTC()
	m.convs[id] = next
	return clone(next), nil
}

func (m *Manager) End(id string) (*Context, error) {
	m.mu.Lock()
	c, ok := m.convs[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(m.convs, id)
	c.Status = StatusEnded
	c.LastActivityAt = time.Now().UTC()
	ended := clone(c)
	hooks := append([]func(*Context, EndReason){}, m.onEnd...)
	m.mu.Unlock()

	for _, hook := range hooks {
		hook(clone(ended), EndExplicit)
	}
	return ended, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.convs)
}

func (m *Manager) expireIdle() {
	now := time.Now().UTC()
	var expired []*Context

	m.mu.Lock()
	for id, c := range m.convs {
		if now.Sub(c.LastActivityAt) < m.idleTimeout {
			continue
		}
		delete(m.convs, id)
		c.Status = StatusEnded
		c.LastActivityAt = now
		expired = append(expired, clone(c))
	}
	hooks := append([]func(*Context, EndReason){}, m.onEnd...)
	m.mu.Unlock()

	for _, c := range expired {
		for _, hook := range hooks {
			hook(clone(c), EndIdle)
		}
	}
}

func clone(c *Context) *Context {
	out := *c
	if c.Turns != nil {
		out.Turns = append([]Turn(nil), c.Turns...)
	}
	if c.Milestones != nil {
		out.Milestones = make(map[Workflow][]string, len(c.Milestones))
		for wf, done := range c.Milestones {
			out.Milestones[wf] = append([]string(nil), done...)
		}
	}
	return &out
}
