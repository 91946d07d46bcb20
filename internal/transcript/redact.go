package transcript

import (
	"context"
	"regexp"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks email addresses, card numbers and phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range []struct {
		re   *regexp.Regexp
		mask string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		// Cards before phones so a card number is not masked as a phone.
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.re.ReplaceAllString(out, r.mask)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// RedactingStore masks PII in merchant turns before they reach the
// underlying store. Assistant turns are stored as sent.
type RedactingStore struct {
	Store
}

func NewRedactingStore(inner Store) *RedactingStore {
	return &RedactingStore{Store: inner}
}

func (s *RedactingStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.Role == "merchant" {
		record.Text, _ = RedactPII(record.Text)
	}
	return s.Store.SaveTurn(ctx, record)
}
