// Package turn composes the per-turn reply pipeline: workflow transition,
// tool boundary enforcement, sanitation and asynchronous fact verification.
package turn

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/cj/internal/boundary"
	"github.com/ent0n29/cj/internal/conversation"
	"github.com/ent0n29/cj/internal/factcheck"
	"github.com/ent0n29/cj/internal/faults"
	"github.com/ent0n29/cj/internal/observability"
	"github.com/ent0n29/cj/internal/sanitize"
	"github.com/ent0n29/cj/internal/transcript"
	"github.com/ent0n29/cj/internal/universe"
	"github.com/ent0n29/cj/internal/workflow"
)

const (
	DefaultFallbackReply = "Sorry, could you tell me a little more about what you'd like me to look into?"
	transcriptTimeout    = 3 * time.Second
)

// RejectionRecorder receives boundary rejections for audit.
type RejectionRecorder interface {
	RecordRejections(ctx context.Context, conversationID, turnID string, rejected []boundary.Rejection) error
}

type Options struct {
	Conversations *conversation.Manager
	Workflows     *workflow.Manager
	Policies      *boundary.Registry
	Enforcer      *boundary.Enforcer
	Sanitizer     *sanitize.Sanitizer
	Verifier      *factcheck.Service
	Universe      *universe.Store

	// Transcript and Audit are optional.
	Transcript transcript.Store
	Audit      RejectionRecorder

	FallbackReply string
	Logger        *zap.Logger
	Metrics       *observability.Metrics
}

// Input is everything a turn carries besides the conversation itself.
type Input struct {
	ConversationID string
	MerchantText   string
	Draft          string
	ToolCalls      []boundary.ToolCall
	// Snapshot defaults to the current universe snapshot.
	Snapshot *universe.Snapshot
	Event    *workflow.Event
}

type Result struct {
	TurnID   string
	Reply    string
	Fallback bool
	Removed  sanitize.Result
	Kept     []boundary.ToolCall
	Rejected []boundary.Rejection
	Ack      *workflow.Ack
	// WorkflowErr is set when the turn's workflow event was rejected. The
	// turn itself still completes.
	WorkflowErr  error
	Verification *factcheck.Future
	Conversation *conversation.Context
}

// Orchestrator is the only writer of conversation turn history.
type Orchestrator struct {
	conversations *conversation.Manager
	workflows     *workflow.Manager
	policies      *boundary.Registry
	enforcer      *boundary.Enforcer
	sanitizer     *sanitize.Sanitizer
	verifier      *factcheck.Service
	universe      *universe.Store
	transcript    transcript.Store
	audit         RejectionRecorder
	fallback      string
	logger        *zap.Logger
	metrics       *observability.Metrics

	// beforeDispatch runs ahead of verification dispatch; tests use it to
	// end a conversation mid-turn.
	beforeDispatch func(conversationID string)
}

func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Conversations == nil:
		return nil, errors.New("turn: conversation manager is required")
	case opts.Workflows == nil:
		return nil, errors.New("turn: workflow manager is required")
	case opts.Policies == nil:
		return nil, errors.New("turn: policy registry is required")
	case opts.Sanitizer == nil:
		return nil, errors.New("turn: sanitizer is required")
	case opts.Verifier == nil:
		return nil, errors.New("turn: verifier is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Enforcer == nil {
		opts.Enforcer = boundary.NewEnforcer(opts.Logger)
	}
	if opts.Universe == nil {
		opts.Universe = universe.NewStore(nil)
	}
	fallback := strings.TrimSpace(opts.FallbackReply)
	if fallback == "" {
		fallback = DefaultFallbackReply
	}

	o := &Orchestrator{
		conversations: opts.Conversations,
		workflows:     opts.Workflows,
		policies:      opts.Policies,
		enforcer:      opts.Enforcer,
		sanitizer:     opts.Sanitizer,
		verifier:      opts.Verifier,
		universe:      opts.Universe,
		transcript:    opts.Transcript,
		audit:         opts.Audit,
		fallback:      fallback,
		logger:        opts.Logger.With(zap.String("component", "turn")),
		metrics:       opts.Metrics,
	}
	o.conversations.AddEndHook(o.onConversationEnd)
	return o, nil
}

// Open starts a conversation. An empty version selects the registry default;
// an unknown one is a ConfigError and nothing is created.
func (o *Orchestrator) Open(merchantID, cjVersion, trustLevel string) (*conversation.Context, error) {
	version := strings.TrimSpace(cjVersion)
	if version == "" {
		version = o.policies.DefaultVersion
	}
	if _, err := o.policies.Policy(version); err != nil {
		return nil, err
	}
	conv := o.conversations.Create(strings.TrimSpace(merchantID), version, strings.TrimSpace(trustLevel))
	o.metrics.ConversationEvent("created")
	o.syncActive()
	o.logger.Info("conversation opened",
		zap.String("conversation_id", conv.ID),
		zap.String("merchant_id", conv.MerchantID),
		zap.String("cj_version", conv.CJVersion),
	)
	return conv, nil
}

// End destroys a conversation; its pending verifications are abandoned.
func (o *Orchestrator) End(conversationID string) (*conversation.Context, error) {
	return o.conversations.End(conversationID)
}

// ApplyEvent applies a workflow event outside of a turn, e.g. a system
// notification pushed by the front end.
func (o *Orchestrator) ApplyEvent(conversationID string, ev workflow.Event) (workflow.Outcome, error) {
	var out workflow.Outcome
	conv, err := o.conversations.Update(conversationID, func(c *conversation.Context) error {
		var applyErr error
		out, applyErr = o.workflows.Apply(c, ev)
		return applyErr
	})
	if err != nil {
		o.recordWorkflowResult(workflow.Outcome{}, err)
		return workflow.Outcome{}, err
	}
	out.Context = conv
	o.recordWorkflowResult(out, nil)
	return out, nil
}

// HandleTurn runs one turn. The reply path never waits on verification: the
// returned Future is pending unless an identical reply was verified recently.
func (o *Orchestrator) HandleTurn(ctx context.Context, in Input) (Result, error) {
	start := time.Now()
	stages := o.metrics.Stages()

	conv, err := o.conversations.Get(in.ConversationID)
	if err != nil {
		return Result{}, err
	}
	res := Result{TurnID: uuid.NewString()}

	if in.Event != nil {
		stageStart := time.Now()
		out, err := o.ApplyEvent(conv.ID, *in.Event)
		if err != nil {
			if !faults.IsConfigError(err) {
				return Result{}, err
			}
			res.WorkflowErr = err
			o.logger.Warn("workflow event rejected", zap.String("conversation_id", conv.ID), zap.Error(err))
		} else {
			res.Ack = out.Ack
			conv = out.Context
		}
		stages.ObserveSince(observability.StageWorkflow, stageStart)
	}

	stageStart := time.Now()
	policy, err := o.policies.Policy(conv.CJVersion)
	if err != nil {
		// Fail closed: with no policy every call is rejected.
		o.logger.Error("boundary policy unavailable", zap.String("cj_version", conv.CJVersion), zap.Error(err))
	}
	res.Kept, res.Rejected = o.enforcer.Enforce(in.ToolCalls, policy)
	for _, r := range res.Rejected {
		o.metrics.BoundaryRejected(r.Category, string(r.Outcome))
	}
	stages.ObserveSince(observability.StageBoundary, stageStart)

	stageStart = time.Now()
	removed, err := o.sanitizer.SanitizeDetailed(in.Draft)
	switch {
	case err == nil:
		res.Reply = removed.Text
	case faults.IsFormatLeak(err):
		res.Reply = o.fallback
		res.Fallback = true
		o.metrics.SanitizerRemoved("fallback", 1)
		o.metrics.Indicator(observability.IndicatorFormatLeak)
		o.logger.Warn("draft reply had no conversational content", zap.String("conversation_id", conv.ID), zap.Error(err))
	default:
		return Result{}, err
	}
	res.Removed = removed
	o.metrics.SanitizerRemoved("marker", removed.Markers)
	o.metrics.SanitizerRemoved("prompt_section", removed.PromptSections)
	o.metrics.SanitizerRemoved("tool_call", removed.ToolCalls)
	stages.ObserveSince(observability.StageSanitize, stageStart)

	stageStart = time.Now()
	snap := in.Snapshot
	if snap == nil {
		snap = o.universe.Current()
	}
	if o.beforeDispatch != nil {
		o.beforeDispatch(conv.ID)
	}
	res.Verification = o.verifier.Verify(ctx, factcheck.Request{
		ConversationID: conv.ID,
		TurnID:         res.TurnID,
		Reply:          res.Reply,
		Snapshot:       snap,
	}, factcheck.ModeAsync)
	stages.ObserveSince(observability.StageDispatch, stageStart)

	now := time.Now().UTC()
	merchantTurn := conversation.Turn{ID: uuid.NewString(), Role: conversation.RoleMerchant, Text: strings.TrimSpace(in.MerchantText), At: now}
	assistantTurn := conversation.Turn{ID: res.TurnID, Role: conversation.RoleAssistant, Text: res.Reply, At: now}
	updated, err := o.conversations.Update(conv.ID, func(c *conversation.Context) error {
		if merchantTurn.Text != "" {
			c.Turns = append(c.Turns, merchantTurn)
		}
		c.Turns = append(c.Turns, assistantTurn)
		return nil
	})
	if err != nil {
		// The conversation ended mid-turn, possibly before the end hook
		// could see this turn's verification.
		if n := o.verifier.AbandonConversation(conv.ID); n > 0 {
			o.logger.Debug("abandoned verification of ended conversation", zap.String("conversation_id", conv.ID), zap.Int("abandoned", n))
		}
		return Result{}, err
	}
	o.workflows.Consume(conv.ID)
	res.Conversation = updated

	if merchantTurn.Text != "" {
		o.saveTurnsBestEffort(updated, merchantTurn, assistantTurn)
	} else {
		o.saveTurnsBestEffort(updated, assistantTurn)
	}
	o.recordRejectionsBestEffort(updated.ID, res.TurnID, res.Rejected)

	outcome := "ok"
	if res.Fallback {
		outcome = "fallback"
	}
	elapsed := time.Since(start)
	o.metrics.TurnHandled(outcome, elapsed)
	stages.ObserveSince(observability.StageTurnTotal, start)
	o.logger.Debug("turn handled",
		zap.String("conversation_id", updated.ID),
		zap.String("turn_id", res.TurnID),
		zap.String("workflow", string(updated.ActiveWorkflow)),
		zap.Int("kept", len(res.Kept)),
		zap.Int("rejected", len(res.Rejected)),
		zap.Int("removed", removed.Removed()),
		zap.Bool("fallback", res.Fallback),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

func (o *Orchestrator) onConversationEnd(c *conversation.Context, reason conversation.EndReason) {
	abandoned := o.verifier.AbandonConversation(c.ID)
	o.workflows.Forget(c.ID)
	o.metrics.ConversationEvent(string(reason))
	o.syncActive()
	o.logger.Info("conversation ended",
		zap.String("conversation_id", c.ID),
		zap.String("reason", string(reason)),
		zap.Int("turns", len(c.Turns)),
		zap.Int("abandoned_verifications", abandoned),
	)
}

func (o *Orchestrator) recordWorkflowResult(out workflow.Outcome, err error) {
	switch {
	case err != nil:
		o.metrics.WorkflowEvent("rejected")
	case out.Collapsed:
		o.metrics.WorkflowEvent("collapsed")
		o.metrics.Indicator(observability.IndicatorWorkflowCollapsed)
	default:
		o.metrics.WorkflowEvent("acked")
	}
}

func (o *Orchestrator) syncActive() {
	if o.metrics == nil {
		return
	}
	o.metrics.ActiveConversations.Set(float64(o.conversations.ActiveCount()))
}

// saveTurnsBestEffort persists turns in order on one goroutine.
func (o *Orchestrator) saveTurnsBestEffort(conv *conversation.Context, turns ...conversation.Turn) {
	if o.transcript == nil {
		return
	}
	records := make([]transcript.TurnRecord, 0, len(turns))
	for _, t := range turns {
		records = append(records, transcript.TurnRecord{
			ID:             t.ID,
			ConversationID: conv.ID,
			MerchantID:     conv.MerchantID,
			Role:           string(t.Role),
			Text:           t.Text,
			Workflow:       string(conv.ActiveWorkflow),
			CreatedAt:      t.At,
		})
	}
	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), transcriptTimeout)
		defer cancel()
		for _, r := range records {
			if err := o.transcript.SaveTurn(saveCtx, r); err != nil {
				o.metrics.ConversationEvent("transcript_save_failed")
				o.logger.Warn("transcript save failed", zap.String("conversation_id", r.ConversationID), zap.Error(err))
				return
			}
		}
	}()
}

func (o *Orchestrator) recordRejectionsBestEffort(conversationID, turnID string, rejected []boundary.Rejection) {
	if o.audit == nil || len(rejected) == 0 {
		return
	}
	go func() {
		auditCtx, cancel := context.WithTimeout(context.Background(), transcriptTimeout)
		defer cancel()
		if err := o.audit.RecordRejections(auditCtx, conversationID, turnID, rejected); err != nil {
			o.logger.Warn("rejection audit failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}()
}
