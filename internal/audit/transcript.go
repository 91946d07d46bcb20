package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ent0n29/cj/internal/transcript"
)

// TranscriptPublisher stores verification reports next to the turns they
// were computed for. Other event kinds are ignored.
type TranscriptPublisher struct {
	store transcript.Store
}

func NewTranscriptPublisher(store transcript.Store) *TranscriptPublisher {
	return &TranscriptPublisher{store: store}
}

func (p *TranscriptPublisher) Name() string { return "transcript" }

func (p *TranscriptPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.Kind != KindVerificationReport || ev.Report == nil || p.store == nil {
		return nil
	}
	payload, err := json.Marshal(ev.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return p.store.SaveReport(ctx, transcript.ReportRecord{
		CacheKey:        ev.Report.CacheKey,
		ConversationID:  ev.ConversationID,
		TurnID:          ev.TurnID,
		SnapshotVersion: ev.Report.SnapshotVersion,
		Status:          string(ev.Report.Status),
		Issues:          len(ev.Report.Issues),
		Payload:         payload,
		CreatedAt:       ev.At,
	})
}
