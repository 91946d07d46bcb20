package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientTurn         MessageType = "client_turn"
	TypeClientEvent        MessageType = "client_event"
	TypeClientControl      MessageType = "client_control"
	TypeTurnResult         MessageType = "turn_result"
	TypeWorkflowAck        MessageType = "workflow_ack"
	TypeVerificationReport MessageType = "verification_report"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ToolCall struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type WorkflowEvent struct {
	Type           string `json:"type"`
	TargetWorkflow string `json:"target_workflow"`
}

// ClientTurn carries one draft reply produced upstream for the conversation.
type ClientTurn struct {
	Type           MessageType    `json:"type"`
	ConversationID string         `json:"conversation_id"`
	MerchantText   string         `json:"merchant_text,omitempty"`
	Draft          string         `json:"draft"`
	ToolCalls      []ToolCall     `json:"tool_calls,omitempty"`
	WorkflowEvent  *WorkflowEvent `json:"workflow_event,omitempty"`
	// Snapshot is an inline universe snapshot; the server default is used
	// when absent.
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// ClientEvent is a workflow event outside of a turn.
type ClientEvent struct {
	Type           MessageType   `json:"type"`
	ConversationID string        `json:"conversation_id"`
	WorkflowEvent  WorkflowEvent `json:"workflow_event"`
}

type ClientControl struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Action         string      `json:"action"`
}

type Rejection struct {
	Tag      string `json:"tag"`
	Category string `json:"category"`
	Outcome  string `json:"outcome"`
	Message  string `json:"message"`
}

type TurnResult struct {
	Type               MessageType `json:"type"`
	ConversationID     string      `json:"conversation_id"`
	TurnID             string      `json:"turn_id"`
	Reply              string      `json:"reply"`
	Fallback           bool        `json:"fallback"`
	ActiveWorkflow     string      `json:"active_workflow"`
	Rejected           []Rejection `json:"rejected,omitempty"`
	WorkflowError      string      `json:"workflow_error,omitempty"`
	VerificationKey    string      `json:"verification_key"`
	VerificationStatus string      `json:"verification_status"`
}

type WorkflowAck struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	EventType      string      `json:"event_type"`
	From           string      `json:"from"`
	To             string      `json:"to"`
	Changed        bool        `json:"changed"`
	TSMs           int64       `json:"ts_ms"`
}

type VerificationReport struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	TurnID         string      `json:"turn_id"`
	CacheKey       string      `json:"cache_key"`
	Status         string      `json:"status"`
	Report         any         `json:"report,omitempty"`
}

type SystemEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Detail         string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Source         string      `json:"source"`
	Retryable      bool        `json:"retryable"`
	Detail         string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientTurn:
		var msg ClientTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" || strings.TrimSpace(msg.Draft) == "" {
			return nil, errors.New("invalid client_turn")
		}
		for _, c := range msg.ToolCalls {
			if strings.TrimSpace(c.Tag) == "" {
				return nil, errors.New("invalid client_turn: tool call without tag")
			}
		}
		if msg.WorkflowEvent != nil && (msg.WorkflowEvent.Type == "" || msg.WorkflowEvent.TargetWorkflow == "") {
			return nil, errors.New("invalid client_turn: incomplete workflow_event")
		}
		return msg, nil
	case TypeClientEvent:
		var msg ClientEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" || msg.WorkflowEvent.Type == "" || msg.WorkflowEvent.TargetWorkflow == "" {
			return nil, errors.New("invalid client_event")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
