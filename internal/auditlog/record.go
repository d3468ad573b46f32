// Package auditlog persists one structured record per completed request:
// what was detected, what fired, whether the cache answered, and what the
// exchange cost. Writes are buffered and batched off the request path.
package auditlog

import (
	"time"

	"piigate/internal/guardrail"
)

// Request terminal statuses.
const (
	StatusOK            = "ok"
	StatusBlocked       = "blocked"
	StatusProviderError = "provider_error"
	StatusCanceled      = "canceled"
)

// Record is the audit entry for one request. Entity values are never
// recorded; only their types and counts.
type Record struct {
	RequestID string    `json:"request_id"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Provider string `json:"provider"`
	Model    string `json:"model"`
	Status   string `json:"status"`

	CacheHit            bool   `json:"cache_hit"`
	DetectionMode       string `json:"detection_mode"`
	DetectionDegraded   bool   `json:"detection_degraded"`
	MaskingInconsistent bool   `json:"masking_inconsistent"`

	// EntitiesDetected counts detected entities by type across input and
	// output passes.
	EntitiesDetected map[string]int        `json:"entities_detected,omitempty"`
	Violations       []guardrail.Violation `json:"violations,omitempty"`
	// BlockedBy names the rule whose block action terminated the request.
	BlockedBy string `json:"blocked_by,omitempty"`

	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	// DetectionMS is the time spent in PII detection across all passes.
	DetectionMS int64 `json:"detection_ms"`
	DurationMS  int64 `json:"duration_ms"`
}
