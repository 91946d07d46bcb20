package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/cj/internal/conversation"
	"github.com/ent0n29/cj/internal/factcheck"
	"github.com/ent0n29/cj/internal/faults"
	"github.com/ent0n29/cj/internal/protocol"
	"github.com/ent0n29/cj/internal/reliability"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// wsConn serves one conversation socket. All writes go through outbound so
// the websocket has a single writer.
type wsConn struct {
	s              *Server
	conversationID string
	outbound       chan any
	waiters        sync.WaitGroup
}

func (c *wsConn) enqueue(msg any) {
	select {
	case c.outbound <- msg:
	default:
		// Drop rather than block the read loop when the writer is saturated.
		if t, ok := messageTypeOf(msg); ok {
			c.s.metrics.WSMessage("drop_full", string(t))
		}
	}
}

func (c *wsConn) enqueueError(code, source string, retryable bool, detail string) {
	c.enqueue(protocol.ErrorEvent{
		Type:           protocol.TypeErrorEvent,
		ConversationID: c.conversationID,
		Code:           code,
		Source:         source,
		Retryable:      retryable,
		Detail:         detail,
	})
}

func (c *wsConn) enqueuePipelineError(source string, err error) {
	var cfgErr *faults.ConfigError
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		c.enqueueError("conversation_not_found", source, false, "conversation not found")
	case errors.As(err, &cfgErr):
		c.enqueueError("unknown_"+cfgErr.Kind, source, false, cfgErr.Error())
	default:
		c.s.logger.Error("websocket request failed", zap.String("conversation_id", c.conversationID), zap.Error(err))
		c.enqueueError("internal_error", source, reliability.IsRetryable(err), "request failed")
	}
}

// watchVerification pushes the report once the future settles. Abandoned
// futures are reported too so clients can stop waiting.
func (c *wsConn) watchVerification(ctx context.Context, f *factcheck.Future) {
	if f == nil {
		return
	}
	c.waiters.Add(1)
	go func() {
		defer c.waiters.Done()
		if awaitVerification(ctx, f) {
			c.enqueue(verificationMessage(f))
		}
	}()
}

func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if s.orch == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "turn pipeline not configured")
		return
	}
	if _, err := s.convs.Get(conversationID); err != nil {
		s.respondPipelineError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.ConversationEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{s: s, conversationID: conversationID, outbound: make(chan any, 256)}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		failed := false
		for msg := range c.outbound {
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.WSMessage("write_error", "any")
				failed = true
				cancel()
				continue
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.WSMessage("outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	ended := false
	for !ended && ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.enqueueError("invalid_client_message", "gateway", false, err.Error())
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessage("inbound", string(t))
		}
		ended = c.dispatch(ctx, parsed)
	}

	if !ended {
		// Client went away: stop waiting on verifications nobody will read.
		cancel()
	}
	c.waiters.Wait()
	close(c.outbound)
	<-writerDone
	if ended {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "conversation ended"),
			time.Now().Add(time.Second))
	}
	s.metrics.ConversationEvent("ws_disconnected")
}

// dispatch handles one client message. It reports true once the
// conversation has been ended by the client.
func (c *wsConn) dispatch(ctx context.Context, msg any) bool {
	switch m := msg.(type) {
	case protocol.ClientTurn:
		if m.ConversationID != c.conversationID {
			c.enqueueError("conversation_mismatch", "gateway", false, "conversation_id does not match the socket")
			return false
		}
		in, err := buildTurnInput(m.ConversationID, m.MerchantText, m.Draft, m.ToolCalls, m.WorkflowEvent, m.Snapshot)
		if err != nil {
			c.enqueueError("invalid_snapshot", "gateway", false, err.Error())
			return false
		}
		res, err := c.s.orch.HandleTurn(ctx, in)
		if err != nil {
			c.enqueuePipelineError("turn", err)
			return false
		}
		c.enqueue(turnResultMessage(res))
		if res.Ack != nil {
			c.enqueue(workflowAckMessage(*res.Ack))
		}
		c.watchVerification(ctx, res.Verification)
	case protocol.ClientEvent:
		if m.ConversationID != c.conversationID {
			c.enqueueError("conversation_mismatch", "gateway", false, "conversation_id does not match the socket")
			return false
		}
		out, err := c.s.orch.ApplyEvent(c.conversationID, toWorkflowEvent(m.WorkflowEvent.Type, m.WorkflowEvent.TargetWorkflow))
		if err != nil {
			c.enqueuePipelineError("workflow", err)
			return false
		}
		if out.Ack != nil {
			c.enqueue(workflowAckMessage(*out.Ack))
		}
	case protocol.ClientControl:
		if m.ConversationID != c.conversationID {
			c.enqueueError("conversation_mismatch", "gateway", false, "conversation_id does not match the socket")
			return false
		}
		switch strings.ToLower(strings.TrimSpace(m.Action)) {
		case "end":
			if _, err := c.s.orch.End(c.conversationID); err != nil && !errors.Is(err, conversation.ErrNotFound) {
				c.enqueuePipelineError("control", err)
			}
			c.enqueue(protocol.SystemEvent{
				Type:           protocol.TypeSystemEvent,
				ConversationID: c.conversationID,
				Code:           "conversation_ended",
			})
			return true
		default:
			c.enqueueError("unsupported_action", "gateway", false, "unsupported control action "+m.Action)
		}
	}
	return false
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientTurn:
		return m.Type, true
	case protocol.ClientEvent:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.TurnResult:
		return m.Type, true
	case protocol.WorkflowAck:
		return m.Type, true
	case protocol.VerificationReport:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
