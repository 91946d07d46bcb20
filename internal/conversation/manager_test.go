package conversation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Create("m1", "v5.0.0", "standard")
	if c.ID == "" {
		t.Fatalf("conversation ID should not be empty")
	}

	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.MerchantID != "m1" || got.CJVersion != "v5.0.0" || got.Status != StatusActive {
		t.Fatalf("unexpected conversation state: %+v", got)
	}
	if got.ActiveWorkflow != WorkflowNone {
		t.Fatalf("ActiveWorkflow = %q, want %q", got.ActiveWorkflow, WorkflowNone)
	}

	var reason EndReason
	m.AddEndHook(func(_ *Context, r EndReason) { reason = r })

	ended, err := m.End(c.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if reason != EndExplicit {
		t.Fatalf("end hook reason = %q, want %q", reason, EndExplicit)
	}
	if _, err := m.Get(c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after End error = %v, want ErrNotFound", err)
	}
}

func TestManagerUpdateFailureLeavesStateUnchanged(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Create("m1", "v5.0.0", "")

	_, err := m.Update(c.ID, func(next *Context) error {
		next.ActiveWorkflow = WorkflowCrisis
		next.Turns = append(next.Turns, Turn{ID: "t1", Role: RoleAssistant, Text: "hi"})
		return errors.New("boom")
	})
	if err == nil {
		t.Fatalf("Update() error = nil, want error")
	}

	got, _ := m.Get(c.ID)
	if got.ActiveWorkflow != WorkflowNone {
		t.Fatalf("ActiveWorkflow = %q, want unchanged %q", got.ActiveWorkflow, WorkflowNone)
	}
	if len(got.Turns) != 0 {
		t.Fatalf("len(Turns) = %d, want 0", len(got.Turns))
	}
}

func TestManagerUpdateKeepsVersionImmutable(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Create("m1", "v5.0.0", "")

	got, err := m.Update(c.ID, func(next *Context) error {
		next.CJVersion = "v9"
		next.ActiveWorkflow = WorkflowDailyBriefing
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got.CJVersion != "v5.0.0" {
		t.Fatalf("CJVersion = %q, want %q", got.CJVersion, "v5.0.0")
	}
	if got.ActiveWorkflow != WorkflowDailyBriefing {
		t.Fatalf("ActiveWorkflow = %q, want %q", got.ActiveWorkflow, WorkflowDailyBriefing)
	}
}

func TestManagerGetReturnsCopy(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Create("m1", "v5.0.0", "")
	_, _ = m.Update(c.ID, func(next *Context) error {
		next.Turns = append(next.Turns, Turn{ID: "t1", Role: RoleMerchant, Text: "hello"})
		return nil
	})

	got, _ := m.Get(c.ID)
	got.Turns[0].Text = "mutated"

	again, _ := m.Get(c.ID)
	if again.Turns[0].Text != "hello" {
		t.Fatalf("Turns[0].Text = %q, want %q", again.Turns[0].Text, "hello")
	}
}

func TestManagerJanitorExpiresIdle(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	c := m.Create("m1", "v5.0.0", "")

	var expired atomic.Int32
	m.AddEndHook(func(ended *Context, r EndReason) {
		if ended.ID == c.ID && r == EndIdle {
			expired.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	if _, err := m.Get(c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if expired.Load() != 1 {
		t.Fatalf("expire hook calls = %d, want 1", expired.Load())
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}
