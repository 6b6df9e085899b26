package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Usage is one immutable log row per completed request.
type Usage struct {
	BaseModel
	RequestID string    `gorm:"uniqueIndex;not null" json:"request_id"`
	Timestamp time.Time `gorm:"index:idx_usage_org_time,priority:2" json:"timestamp"`

	OrgID     string `gorm:"type:uuid;not null;index:idx_usage_org_time,priority:1" json:"org_id"`
	ProjectID string `gorm:"type:uuid;index" json:"project_id,omitempty"`

	// Model routing
	RequestedModel string `gorm:"index" json:"requested_model"`
	UsedModel      string `json:"used_model"`
	Provider       string `gorm:"index" json:"provider"`
	BYOK           bool   `json:"byok"`

	// Tokens
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens"`
	TotalTokens  int `json:"total_tokens"`

	// Cost components, USD
	InputCost   float64 `json:"input_cost"`
	OutputCost  float64 `json:"output_cost"`
	CachedCost  float64 `json:"cached_cost"`
	RequestCost float64 `json:"request_cost"`
	TotalCost   float64 `json:"total_cost"`

	// Latency
	TimeToFirstToken int64 `json:"time_to_first_token_ms"`
	Latency          int64 `json:"latency_ms"`

	// Outcome
	StatusCode int    `json:"status_code"`
	Outcome    string `gorm:"index" json:"outcome"`
	ErrorKind  string `json:"error_kind,omitempty"`
	CacheHit   bool   `json:"cache_hit"`

	// Attempt chain, e.g. [{"provider":"openai","status":503},...]
	Attempts datatypes.JSON `json:"attempts,omitempty"`

	// Bodies, only when the org opted in.
	RequestBody  datatypes.JSON `json:"request_body,omitempty"`
	ResponseBody datatypes.JSON `json:"response_body,omitempty"`
}

func (Usage) TableName() string { return "usage_logs" }

// CreditTransaction is one idempotent ledger movement keyed by request id.
type CreditTransaction struct {
	BaseModel
	OrgID     string          `gorm:"type:uuid;index;not null" json:"org_id"`
	RequestID string          `gorm:"uniqueIndex:idx_credit_tx_request_kind;not null" json:"request_id"`
	Amount    decimal.Decimal `gorm:"type:numeric(20,10)" json:"amount"`
	Kind      string          `gorm:"uniqueIndex:idx_credit_tx_request_kind;not null" json:"kind"` // debit, refund
}
