package conversation

import "time"

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Workflow names the closed set of conversation workflows.
type Workflow string

const (
	WorkflowNone          Workflow = "none"
	WorkflowAdHocSupport  Workflow = "ad_hoc_support"
	WorkflowDailyBriefing Workflow = "daily_briefing"
	WorkflowCrisis        Workflow = "crisis_response"
	WorkflowWeeklyReview  Workflow = "weekly_review"
)

// KnownWorkflows lists every workflow a conversation may be in.
func KnownWorkflows() []Workflow {
	return []Workflow{WorkflowNone, WorkflowAdHocSupport, WorkflowDailyBriefing, WorkflowCrisis, WorkflowWeeklyReview}
}

type Role string

const (
	RoleMerchant  Role = "merchant"
	RoleAssistant Role = "assistant"
)

// EndReason records why a conversation was destroyed.
type EndReason string

const (
	EndExplicit EndReason = "ended"
	EndIdle     EndReason = "expired"
)

type Turn struct {
	ID   string    `json:"turn_id"`
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Context is the mutable record of one conversation.
type Context struct {
	ID             string   `json:"conversation_id"`
	MerchantID     string   `json:"merchant_id"`
	CJVersion      string   `json:"cj_version"`
	TrustLevel     string   `json:"trust_level,omitempty"`
	Status         Status   `json:"status"`
	ActiveWorkflow Workflow `json:"active_workflow"`
	Turns          []Turn   `json:"turns"`
	// Milestones holds completed milestone names per workflow.
	Milestones     map[Workflow][]string `json:"milestones,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	LastActivityAt time.Time             `json:"last_activity_at"`
}

// CreateRequest defines payload for creating a new conversation.
type CreateRequest struct {
	MerchantID string `json:"merchant_id"`
	CJVersion  string `json:"cj_version"`
	TrustLevel string `json:"trust_level"`
}

// CreateResponse returns created conversation metadata.
type CreateResponse struct {
	ConversationID string    `json:"conversation_id"`
	MerchantID     string    `json:"merchant_id"`
	CJVersion      string    `json:"cj_version"`
	Status         Status    `json:"status"`
	ActiveWorkflow Workflow  `json:"active_workflow"`
	StartedAt      time.Time `json:"started_at"`
	IdleTTLMS      int64     `json:"idle_ttl_ms"`
}
