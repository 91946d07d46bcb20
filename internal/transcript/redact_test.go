package transcript

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}

	plain := "We had 1,290 subscribers and $48,000 MRR."
	if out, changed := RedactPII(plain); changed || out != plain {
		t.Fatalf("RedactPII(%q) = %q, %v; want unchanged", plain, out, changed)
	}
}

func TestRedactingStoreMasksMerchantTurnsOnly(t *testing.T) {
	inner := NewInMemoryStore()
	s := NewRedactingStore(inner)
	ctx := context.Background()

	if err := s.SaveTurn(ctx, TurnRecord{ID: "t1", ConversationID: "c1", Role: "merchant", Text: "reach me at sam@example.com"}); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}
	if err := s.SaveTurn(ctx, TurnRecord{ID: "t2", ConversationID: "c1", Role: "assistant", Text: "Support is at help@example.com"}); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}

	got, err := s.History(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	texts := make([]string, 0, len(got))
	for _, rec := range got {
		texts = append(texts, rec.Text)
	}
	want := []string{"reach me at [REDACTED_EMAIL]", "Support is at help@example.com"}
	if diff := cmp.Diff(want, texts); diff != "" {
		t.Fatalf("History() texts mismatch (-want +got):\n%s", diff)
	}
}
