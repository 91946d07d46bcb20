package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/cj/internal/boundary"
	"github.com/ent0n29/cj/internal/conversation"
	"github.com/ent0n29/cj/internal/factcheck"
	"github.com/ent0n29/cj/internal/protocol"
	"github.com/ent0n29/cj/internal/turn"
	"github.com/ent0n29/cj/internal/universe"
	"github.com/ent0n29/cj/internal/workflow"
)

type toolCallRequest struct {
	Tag     string          `json:"tag" validate:"required,max=128"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type workflowEventRequest struct {
	Type           string `json:"type" validate:"required,oneof=switch_request system_transition"`
	TargetWorkflow string `json:"target_workflow" validate:"required,max=64"`
}

type turnRequest struct {
	MerchantText  string                `json:"merchant_text" validate:"max=16384"`
	Draft         string                `json:"draft" validate:"max=65536"`
	ToolCalls     []toolCallRequest     `json:"tool_calls" validate:"max=64,dive"`
	WorkflowEvent *workflowEventRequest `json:"workflow_event" validate:"omitempty"`
	Snapshot      json.RawMessage       `json:"snapshot,omitempty"`
	// WaitMS optionally waits for the verification report, clamped to the
	// verification max timeout. The reply itself never waits.
	WaitMS int `json:"wait_ms" validate:"min=0"`
}

type turnResponse struct {
	protocol.TurnResult
	WorkflowAck  *protocol.WorkflowAck `json:"workflow_ack,omitempty"`
	Verification *factcheck.Report     `json:"verification,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !s.validRequest(w, &req) {
		return
	}
	calls := make([]protocol.ToolCall, 0, len(req.ToolCalls))
	for _, c := range req.ToolCalls {
		calls = append(calls, protocol.ToolCall(c))
	}
	var ev *protocol.WorkflowEvent
	if req.WorkflowEvent != nil {
		e := protocol.WorkflowEvent(*req.WorkflowEvent)
		ev = &e
	}
	in, err := buildTurnInput(chi.URLParam(r, "id"), req.MerchantText, req.Draft, calls, ev, req.Snapshot)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_snapshot", err.Error())
		return
	}

	res, err := s.orch.HandleTurn(r.Context(), in)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}

	resp := turnResponse{TurnResult: turnResultMessage(res)}
	if res.Ack != nil {
		ack := workflowAckMessage(*res.Ack)
		resp.WorkflowAck = &ack
	}
	if req.WaitMS > 0 {
		rep, state := res.Verification.Await(r.Context(), time.Duration(req.WaitMS)*time.Millisecond)
		resp.VerificationStatus = string(state)
		resp.Verification = rep
	} else if rep, ok := res.Verification.Report(); ok {
		resp.Verification = rep
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkflowEvent(w http.ResponseWriter, r *http.Request) {
	var req workflowEventRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !s.validRequest(w, &req) {
		return
	}
	out, err := s.orch.ApplyEvent(chi.URLParam(r, "id"), toWorkflowEvent(req.Type, req.TargetWorkflow))
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	body := map[string]any{
		"collapsed":       out.Collapsed,
		"active_workflow": out.Context.ActiveWorkflow,
	}
	if out.Ack != nil {
		body["ack"] = workflowAckMessage(*out.Ack)
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleNextMilestone(w http.ResponseWriter, r *http.Request) {
	conv, err := s.convs.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	ms, ok := s.workflows.NextIncompleteMilestone(conv)
	body := map[string]any{
		"conversation_id": conv.ID,
		"active_workflow": conv.ActiveWorkflow,
		"advisory":        true,
		"found":           ok,
	}
	if ok {
		body["milestone"] = ms
	}
	respondJSON(w, http.StatusOK, body)
}

type milestoneRequest struct {
	Name string `json:"name" validate:"required,max=64"`
}

func (s *Server) handleCompleteMilestone(w http.ResponseWriter, r *http.Request) {
	var req milestoneRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !s.validRequest(w, &req) {
		return
	}
	conv, err := s.convs.Update(chi.URLParam(r, "id"), func(c *conversation.Context) error {
		return s.workflows.CompleteMilestone(c, strings.TrimSpace(req.Name))
	})
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"active_workflow": conv.ActiveWorkflow,
		"completed":       conv.Milestones[conv.ActiveWorkflow],
	})
}

func (s *Server) handleGetVerification(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	f, ok := s.verifier.Lookup(r.Context(), key)
	if !ok {
		respondError(w, http.StatusNotFound, "verification_not_found", "no pending or cached verification for key")
		return
	}
	var wait time.Duration
	if raw := strings.TrimSpace(r.URL.Query().Get("wait")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			respondError(w, http.StatusBadRequest, "invalid_wait", "wait must be a non-negative duration")
			return
		}
		wait = d
	}
	if wait > 0 {
		f.Await(r.Context(), wait)
	}
	msg := verificationMessage(f)
	msg.CacheKey = key
	respondJSON(w, http.StatusOK, msg)
}

func buildTurnInput(conversationID, merchantText, draft string, calls []protocol.ToolCall, ev *protocol.WorkflowEvent, rawSnapshot json.RawMessage) (turn.Input, error) {
	in := turn.Input{
		ConversationID: conversationID,
		MerchantText:   merchantText,
		Draft:          draft,
	}
	for _, c := range calls {
		call := boundary.ToolCall{Tag: c.Tag}
		if len(c.Payload) > 0 {
			call.Payload = c.Payload
		}
		in.ToolCalls = append(in.ToolCalls, call)
	}
	if ev != nil {
		e := toWorkflowEvent(ev.Type, ev.TargetWorkflow)
		in.Event = &e
	}
	if len(rawSnapshot) > 0 && string(rawSnapshot) != "null" {
		snap, err := universe.Parse(rawSnapshot, "json")
		if err != nil {
			return turn.Input{}, err
		}
		in.Snapshot = snap
	}
	return in, nil
}

func toWorkflowEvent(eventType, target string) workflow.Event {
	return workflow.Event{
		Type:   workflow.EventType(strings.TrimSpace(eventType)),
		Target: conversation.Workflow(strings.TrimSpace(target)),
	}
}

func turnResultMessage(res turn.Result) protocol.TurnResult {
	msg := protocol.TurnResult{
		Type:               protocol.TypeTurnResult,
		ConversationID:     res.Conversation.ID,
		TurnID:             res.TurnID,
		Reply:              res.Reply,
		Fallback:           res.Fallback,
		ActiveWorkflow:     string(res.Conversation.ActiveWorkflow),
		VerificationKey:    res.Verification.Key(),
		VerificationStatus: string(res.Verification.State()),
	}
	for _, rej := range res.Rejected {
		msg.Rejected = append(msg.Rejected, protocol.Rejection{
			Tag:      rej.Call.Tag,
			Category: rej.Category,
			Outcome:  string(rej.Outcome),
			Message:  rej.Message,
		})
	}
	if res.WorkflowErr != nil {
		msg.WorkflowError = res.WorkflowErr.Error()
	}
	return msg
}

func workflowAckMessage(ack workflow.Ack) protocol.WorkflowAck {
	return protocol.WorkflowAck{
		Type:           protocol.TypeWorkflowAck,
		ConversationID: ack.ConversationID,
		EventType:      string(ack.EventType),
		From:           string(ack.From),
		To:             string(ack.To),
		Changed:        ack.Changed,
		TSMs:           ack.At.UnixMilli(),
	}
}

func verificationMessage(f *factcheck.Future) protocol.VerificationReport {
	rep, _ := f.Report()
	return protocol.VerificationReport{
		Type:           protocol.TypeVerificationReport,
		ConversationID: f.ConversationID(),
		TurnID:         f.TurnID(),
		CacheKey:       f.Key(),
		Status:         string(f.State()),
		Report:         reportOrNil(rep),
	}
}

// reportOrNil keeps a nil *Report from encoding as a typed null inside any.
func reportOrNil(rep *factcheck.Report) any {
	if rep == nil {
		return nil
	}
	return rep
}

// awaitVerification blocks until f settles or ctx ends.
func awaitVerification(ctx context.Context, f *factcheck.Future) bool {
	select {
	case <-f.Done():
		return true
	case <-ctx.Done():
		return false
	}
}
