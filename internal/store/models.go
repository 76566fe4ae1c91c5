// Package store persists usage, cooldown, debug, performance, and quota
// state through gorm, supporting both SQLite (single-file, WAL) and
// PostgreSQL so an operator can run Plexus as a single binary or against
// a shared database.
package store

import "time"

// UsageRecord is one row of request_usage: the full accounting trail for
// a single inbound request, written once on completion.
type UsageRecord struct {
	ID                    uint   `gorm:"primaryKey"`
	RequestID             string `gorm:"column:request_id;uniqueIndex;size:64"`
	Date                  time.Time `gorm:"column:date;index:idx_usage_date"`
	SourceIP              string `gorm:"column:source_ip;size:64"`
	APIKeyName            string `gorm:"column:api_key"`
	Attribution           string `gorm:"column:attribution"`
	IncomingAPIType       string `gorm:"column:incoming_api_type;size:32"`
	OutgoingAPIType       string `gorm:"column:outgoing_api_type;size:32"`
	Provider              string `gorm:"column:provider;index:idx_usage_provider_model"`
	IncomingModelAlias    string `gorm:"column:incoming_model_alias"`
	CanonicalModelName    string `gorm:"column:canonical_model_name"`
	SelectedModelName     string `gorm:"column:selected_model_name;index:idx_usage_provider_model"`
	AttemptCount          int    `gorm:"column:attempt_count"`
	FinalAttemptProvider  string `gorm:"column:final_attempt_provider"`
	FinalAttemptModel     string `gorm:"column:final_attempt_model"`
	AllAttemptedProviders string `gorm:"column:all_attempted_providers"` // JSON list

	TokensInput      int64 `gorm:"column:tokens_input"`
	TokensOutput     int64 `gorm:"column:tokens_output"`
	TokensReasoning  int64 `gorm:"column:tokens_reasoning"`
	TokensCached     int64 `gorm:"column:tokens_cached"`
	TokensCacheWrite int64 `gorm:"column:tokens_cache_write"`

	CostInput      float64 `gorm:"column:cost_input"`
	CostOutput     float64 `gorm:"column:cost_output"`
	CostCached     float64 `gorm:"column:cost_cached"`
	CostCacheWrite float64 `gorm:"column:cost_cache_write"`
	CostTotal      float64 `gorm:"column:cost_total"`
	CostSource     string  `gorm:"column:cost_source;size:32"`
	CostMetadata   string  `gorm:"column:cost_metadata"` // JSON

	StartTime    time.Time `gorm:"column:start_time"`
	DurationMs   int64     `gorm:"column:duration_ms"`
	TTFTMs       *int64    `gorm:"column:ttft_ms"`
	TokensPerSec *float64  `gorm:"column:tokens_per_sec"`

	IsStreamed      bool   `gorm:"column:is_streamed"`
	IsPassthrough   bool   `gorm:"column:is_passthrough"`
	ResponseStatus  string `gorm:"column:response_status;size:32"`
	TokensEstimated bool   `gorm:"column:tokens_estimated"`

	KWhUsed       *float64 `gorm:"column:kwh_used"`
	ToolsDefined  int      `gorm:"column:tools_defined"`
	MessageCount  int      `gorm:"column:message_count"`
	ToolCallsCount int     `gorm:"column:tool_calls_count"`
	FinishReason  string   `gorm:"column:finish_reason;size:64"`
}

func (UsageRecord) TableName() string { return "request_usage" }

// ProviderCooldown mirrors cooldown.Record for durable persistence
// across process restarts.
type ProviderCooldown struct {
	Provider            string `gorm:"column:provider;primaryKey"`
	Model               string `gorm:"column:model;primaryKey"`
	AccountID           string `gorm:"column:account_id;primaryKey"`
	ExpiryEpoch         int64  `gorm:"column:expiry_epoch"`
	ConsecutiveFailures int    `gorm:"column:consecutive_failures"`
	CreatedAt           time.Time `gorm:"column:created_at"`
	Reason              string `gorm:"column:reason;size:32"`
}

func (ProviderCooldown) TableName() string { return "provider_cooldowns" }

// DebugLog is one request's captured debug payloads; ephemeral unless
// debug capture is enabled globally or per-request.
type DebugLog struct {
	ID                          uint      `gorm:"primaryKey"`
	RequestID                   string    `gorm:"column:request_id;uniqueIndex;size:64"`
	RawRequest                  string    `gorm:"column:raw_request"`
	TransformedRequest          string    `gorm:"column:transformed_request"`
	RawResponse                 string    `gorm:"column:raw_response"`
	TransformedResponse         string    `gorm:"column:transformed_response"`
	RawResponseSnapshot         string    `gorm:"column:raw_response_snapshot"`
	TransformedResponseSnapshot string    `gorm:"column:transformed_response_snapshot"`
	CreatedAt                   time.Time `gorm:"column:created_at"`
}

func (DebugLog) TableName() string { return "debug_logs" }

// InferenceError records a dispatch attempt that failed, independent of
// the final UsageRecord (which may still reflect eventual success).
type InferenceError struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;index"`
	Provider   string    `gorm:"column:provider"`
	Model      string    `gorm:"column:model"`
	Reason     string    `gorm:"column:reason;size:32"`
	StatusCode int       `gorm:"column:status_code"`
	Message    string    `gorm:"column:message"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (InferenceError) TableName() string { return "inference_errors" }

// ProviderPerformance is one persisted performance sample, mirroring
// perf.Sample for long-term storage (the in-memory perf.Store ring
// serves the hot read path; this table is the durable record).
type ProviderPerformance struct {
	ID             uint      `gorm:"primaryKey"`
	Provider       string    `gorm:"column:provider;index:idx_perf_provider_model"`
	Model          string    `gorm:"column:model;index:idx_perf_provider_model"`
	CanonicalModel string    `gorm:"column:canonical_model"`
	RequestID      string    `gorm:"column:request_id"`
	TTFTMs         *int64    `gorm:"column:ttft_ms"`
	TotalTokens    *int64    `gorm:"column:total_tokens"`
	DurationMs     int64     `gorm:"column:duration_ms"`
	TokensPerSec   *float64  `gorm:"column:tokens_per_sec"`
	CreatedAt      time.Time `gorm:"column:created_at;index:idx_perf_created_at"`
}

func (ProviderPerformance) TableName() string { return "provider_performance" }

// QuotaSnapshot is an immutable audit row written each time a quota
// check or record mutates state, retained for operator troubleshooting.
type QuotaSnapshot struct {
	ID          uint      `gorm:"primaryKey"`
	KeyName     string    `gorm:"column:key_name;index"`
	QuotaName   string    `gorm:"column:quota_name"`
	CurrentUsage int64    `gorm:"column:current_usage"`
	Limit       int64     `gorm:"column:limit_value"`
	Allowed     bool      `gorm:"column:allowed"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (QuotaSnapshot) TableName() string { return "quota_snapshots" }

// QuotaState is the live, mutated-in-place counter the Quota Enforcer
// reads and writes on every check/record call.
type QuotaState struct {
	KeyName           string `gorm:"column:key_name;primaryKey"`
	QuotaName         string `gorm:"column:quota_name;primaryKey"`
	LimitType         string `gorm:"column:limit_type;size:16"`
	CurrentUsage      int64  `gorm:"column:current_usage"`
	LastUpdatedEpoch  int64  `gorm:"column:last_updated_epoch"`
	LastKnownLimit    int64  `gorm:"column:last_known_limit"`
	LastKnownLimitType string `gorm:"column:last_known_limit_type;size:16"`
}

func (QuotaState) TableName() string { return "quota_state" }

// Conversation and Response/ResponseItem back the OpenAI Responses
// dialect's stateful `previous_response_id` chaining (supplemental,
// beyond spec.md's core scope but present in the original system).
type Conversation struct {
	ID        string    `gorm:"column:id;primaryKey"`
	APIKey    string    `gorm:"column:api_key"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (Conversation) TableName() string { return "conversations" }

type Response struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	ConversationID      string    `gorm:"column:conversation_id;index"`
	PreviousResponseID string    `gorm:"column:previous_response_id"`
	Model              string    `gorm:"column:model"`
	Status             string    `gorm:"column:status;size:32"`
	CreatedAt          time.Time `gorm:"column:created_at"`
}

func (Response) TableName() string { return "responses" }

type ResponseItem struct {
	ID         uint   `gorm:"primaryKey"`
	ResponseID string `gorm:"column:response_id;index"`
	Seq        int    `gorm:"column:seq"`
	Kind       string `gorm:"column:kind;size:32"`
	Payload    string `gorm:"column:payload"`
}

func (ResponseItem) TableName() string { return "response_items" }
