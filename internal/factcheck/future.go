package factcheck

import (
	"context"
	"sync"
	"time"
)

// State of a Future as seen by a waiter.
type State string

const (
	StatePending   State = "pending"
	StateResolved  State = "resolved"
	StateAbandoned State = "abandoned"
)

// Future is the handle for one verification request. The reply path never
// waits on it.
type Future struct {
	key            string
	conversationID string
	turnID         string
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	submittedAt    time.Time

	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	report    *Report
	abandoned bool
}

func newFuture(key, conversationID, turnID string, defaultTimeout, maxTimeout time.Duration) *Future {
	return &Future{
		key:            key,
		conversationID: conversationID,
		turnID:         turnID,
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
		submittedAt:    time.Now().UTC(),
		done:           make(chan struct{}),
	}
}

func (f *Future) Key() string            { return f.key }
func (f *Future) ConversationID() string { return f.conversationID }
func (f *Future) TurnID() string         { return f.turnID }

// Done is closed once the future is resolved or abandoned.
func (f *Future) Done() <-chan struct{} { return f.done }

// resolve stores rep unless the future was abandoned. It reports whether the
// report was accepted.
func (f *Future) resolve(rep *Report) bool {
	f.mu.Lock()
	accepted := !f.abandoned && f.report == nil
	if accepted {
		f.report = rep
	}
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return accepted
}

// Abandon discards any result that arrives later. It reports false when the
// future had already resolved.
func (f *Future) Abandon() bool {
	f.mu.Lock()
	if f.report != nil || f.abandoned {
		f.mu.Unlock()
		return false
	}
	f.abandoned = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return true
}

func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.abandoned:
		return StateAbandoned
	case f.report != nil:
		return StateResolved
	default:
		return StatePending
	}
}

// Report returns the report without waiting.
func (f *Future) Report() (*Report, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report, f.report != nil
}

// Await waits up to timeout, clamped to the service max timeout. A timeout
// of zero uses the service default timeout. It returns StatePending rather
// than blocking longer.
func (f *Future) Await(ctx context.Context, timeout time.Duration) (*Report, State) {
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}
	if f.maxTimeout > 0 && timeout > f.maxTimeout {
		timeout = f.maxTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
	case <-timer.C:
	case <-ctx.Done():
	}
	rep, _ := f.Report()
	return rep, f.State()
}

func resolvedFuture(key, conversationID, turnID string, rep *Report) *Future {
	f := newFuture(key, conversationID, turnID, 0, 0)
	f.resolve(rep)
	return f
}
