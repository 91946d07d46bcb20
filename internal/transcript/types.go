package transcript

import (
	"context"
	"encoding/json"
	"time"
)

// TurnRecord is one persisted turn of a conversation. Text is always the
// sanitized text that the conversation history holds.
type TurnRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	MerchantID     string    `json:"merchant_id"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	Workflow       string    `json:"workflow"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReportRecord is a verification report as delivered for a turn.
type ReportRecord struct {
	CacheKey        string          `json:"cache_key"`
	ConversationID  string          `json:"conversation_id"`
	TurnID          string          `json:"turn_id"`
	SnapshotVersion string          `json:"snapshot_version"`
	Status          string          `json:"status"`
	Issues          int             `json:"issues"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Store persists turns and verification reports. Writes are best effort from
// the caller's point of view; a failing store never fails a turn.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	History(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error)
	SaveReport(ctx context.Context, record ReportRecord) error
	Reports(ctx context.Context, conversationID string) ([]ReportRecord, error)
	Close() error
}
