package usagelog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/amerfu/pgate/internal/models"
)

// Request outcomes recorded on log rows.
const (
	OutcomeOK                  = "ok"
	OutcomeError               = "error"
	OutcomeClientDisconnect    = "client_disconnect"
	OutcomeInsufficientCredits = "insufficient_credits"
	OutcomeBadRequest          = "bad_request"
)

// AttemptRecord is one upstream attempt in the chain.
type AttemptRecord struct {
	Provider string `json:"provider"`
	Status   int    `json:"status,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// Record is one usage log entry, produced exactly once per request
// outcome and delivered at least once to the durable store.
type Record struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	OrgID     string `json:"org_id"`
	ProjectID string `json:"project_id,omitempty"`

	RequestedModel string `json:"requested_model"`
	UsedModel      string `json:"used_model,omitempty"`
	Provider       string `json:"provider,omitempty"`
	BYOK           bool   `json:"byok,omitempty"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens"`

	InputCost   float64 `json:"input_cost"`
	OutputCost  float64 `json:"output_cost"`
	CachedCost  float64 `json:"cached_cost,omitempty"`
	RequestCost float64 `json:"request_cost,omitempty"`
	TotalCost   float64 `json:"total_cost"`

	TimeToFirstToken int64 `json:"time_to_first_token_ms,omitempty"`
	Latency          int64 `json:"latency_ms"`

	StatusCode int    `json:"status_code"`
	Outcome    string `json:"outcome"`
	ErrorKind  string `json:"error_kind,omitempty"`
	CacheHit   bool   `json:"cache_hit,omitempty"`

	Attempts []AttemptRecord `json:"attempts,omitempty"`

	RequestBody  json.RawMessage `json:"request_body,omitempty"`
	ResponseBody json.RawMessage `json:"response_body,omitempty"`

	// Redelivery count, managed by the queue.
	Retries int `json:"retries,omitempty"`
}

// Row converts the record to its persisted form.
func (r *Record) Row() (*models.Usage, error) {
	row := &models.Usage{
		RequestID:        r.RequestID,
		Timestamp:        r.Timestamp,
		OrgID:            r.OrgID,
		ProjectID:        r.ProjectID,
		RequestedModel:   r.RequestedModel,
		UsedModel:        r.UsedModel,
		Provider:         r.Provider,
		BYOK:             r.BYOK,
		InputTokens:      r.InputTokens,
		OutputTokens:     r.OutputTokens,
		CachedTokens:     r.CachedTokens,
		TotalTokens:      r.TotalTokens,
		InputCost:        r.InputCost,
		OutputCost:       r.OutputCost,
		CachedCost:       r.CachedCost,
		RequestCost:      r.RequestCost,
		TotalCost:        r.TotalCost,
		TimeToFirstToken: r.TimeToFirstToken,
		Latency:          r.Latency,
		StatusCode:       r.StatusCode,
		Outcome:          r.Outcome,
		ErrorKind:        r.ErrorKind,
		CacheHit:         r.CacheHit,
		RequestBody:      []byte(r.RequestBody),
		ResponseBody:     []byte(r.ResponseBody),
	}
	if len(r.Attempts) > 0 {
		raw, err := json.Marshal(r.Attempts)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attempt chain: %w", err)
		}
		row.Attempts = raw
	}
	return row, nil
}
