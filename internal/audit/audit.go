// Package audit fans verification reports and boundary rejections out to
// observability sinks: the structured log, NATS and the transcript store.
package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/cj/internal/boundary"
	"github.com/ent0n29/cj/internal/factcheck"
	"github.com/ent0n29/cj/internal/reliability"
)

type Kind string

const (
	KindVerificationReport Kind = "verification_report"
	KindBoundaryRejection  Kind = "boundary_rejection"
)

// Event is one audit record.
type Event struct {
	Kind           Kind                 `json:"kind"`
	ConversationID string               `json:"conversation_id"`
	TurnID         string               `json:"turn_id"`
	Report         *factcheck.Report    `json:"report,omitempty"`
	Rejections     []boundary.Rejection `json:"rejections,omitempty"`
	At             time.Time            `json:"at"`
}

// Publisher writes audit events to one destination.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

const (
	retryAttempts = 3
	retryBase     = 50 * time.Millisecond
	retryCap      = 500 * time.Millisecond
)

// Recorder delivers every event to all publishers. A failing publisher does
// not stop the others.
type Recorder struct {
	publishers []Publisher
	logger     *zap.Logger
}

func NewRecorder(logger *zap.Logger, publishers ...Publisher) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			out = append(out, p)
		}
	}
	return &Recorder{publishers: out, logger: logger.With(zap.String("component", "audit"))}
}

// Deliver implements factcheck.Sink.
func (r *Recorder) Deliver(ctx context.Context, d factcheck.Delivery) error {
	return r.publish(ctx, Event{
		Kind:           KindVerificationReport,
		ConversationID: d.ConversationID,
		TurnID:         d.TurnID,
		Report:         d.Report,
		At:             d.At,
	})
}

// RecordRejections records the tool calls withheld on one turn.
func (r *Recorder) RecordRejections(ctx context.Context, conversationID, turnID string, rejected []boundary.Rejection) error {
	if len(rejected) == 0 {
		return nil
	}
	return r.publish(ctx, Event{
		Kind:           KindBoundaryRejection,
		ConversationID: conversationID,
		TurnID:         turnID,
		Rejections:     rejected,
		At:             time.Now().UTC(),
	})
}

func (r *Recorder) publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	var errs []error
	for _, p := range r.publishers {
		err := reliability.Retry(ctx, retryAttempts, retryBase, retryCap, func(ctx context.Context) error {
			return p.Publish(ctx, ev)
		})
		if err != nil {
			r.logger.Warn("audit publish failed",
				zap.String("publisher", p.Name()),
				zap.String("kind", string(ev.Kind)),
				zap.String("conversation_id", ev.ConversationID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
