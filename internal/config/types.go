// Package config defines the immutable Config Snapshot: the
// published, atomically-swapped view of providers, aliases, keys, pricing,
// and quotas that every other component reads without holding a lock.
package config

// AuthScheme is how a provider expects its API key presented.
type AuthScheme string

const (
	AuthBearer  AuthScheme = "bearer"
	AuthAPIKey  AuthScheme = "x-api-key"
)

// SelectorStrategy names a Target Selector strategy.
type SelectorStrategy string

const (
	SelectorRandom      SelectorStrategy = "random"
	SelectorInOrder     SelectorStrategy = "in_order"
	SelectorWeighted    SelectorStrategy = "weighted"
	SelectorCost        SelectorStrategy = "cost"
	SelectorLatency     SelectorStrategy = "latency"
	SelectorPerformance SelectorStrategy = "performance"
)

// AliasPriority controls whether dialect match is preferred among healthy
// targets.
type AliasPriority string

const (
	PriorityNone     AliasPriority = ""
	PriorityAPIMatch AliasPriority = "api_match"
)

// PricingKind discriminates the Pricing tagged union.
type PricingKind string

const (
	PricingSimple     PricingKind = "simple"
	PricingDefined    PricingKind = "defined"
	PricingOpenRouter PricingKind = "openrouter"
	PricingPerRequest PricingKind = "per_request"
)

// PricingRange is one tier of a "defined" pricing schedule.
type PricingRange struct {
	Lower       int64   `yaml:"lower" json:"lower"`
	Upper       int64   `yaml:"upper" json:"upper"`
	InputPerM   float64 `yaml:"input_per_m" json:"input_per_m"`
	OutputPerM  float64 `yaml:"output_per_m" json:"output_per_m"`
}

// Pricing is a tagged union over the four pricing kinds: simple,
// defined, openrouter, and per_request. Exactly the fields relevant to
// Kind are populated; the Pricing & Cost Calculator (internal/pricing)
// switches on Kind.
type Pricing struct {
	Kind PricingKind `yaml:"kind" json:"kind"`

	// Simple
	Input  float64 `yaml:"input,omitempty" json:"input,omitempty"`
	Output float64 `yaml:"output,omitempty" json:"output,omitempty"`
	Cached float64 `yaml:"cached,omitempty" json:"cached,omitempty"`

	// Defined
	Range []PricingRange `yaml:"range,omitempty" json:"range,omitempty"`

	// OpenRouter
	Slug     string   `yaml:"slug,omitempty" json:"slug,omitempty"`
	Discount *float64 `yaml:"discount,omitempty" json:"discount,omitempty"`

	// PerRequest
	Amount float64 `yaml:"amount,omitempty" json:"amount,omitempty"`
}

// ModelConfig carries per-model metadata under a provider: pricing and
// the dialects ("access_via") that model is reachable through.
type ModelConfig struct {
	Pricing   Pricing  `yaml:"pricing" json:"pricing"`
	AccessVia []string `yaml:"access_via,omitempty" json:"access_via,omitempty"`
}

// ProviderConfig is one backend the gateway can dispatch to.
type ProviderConfig struct {
	Name string `yaml:"name" json:"name"`

	// BaseURLs maps dialect name ("chat", "messages", "gemini",
	// "responses") to the base URL used for that dialect, when the
	// provider's outgoing wire format differs from its primary type.
	BaseURLs map[string]string `yaml:"base_urls" json:"base_urls"`

	// Type is the provider's native outgoing dialect, used when a model
	// doesn't declare a more specific AccessVia.
	Type string `yaml:"type" json:"type"`

	AuthScheme AuthScheme `yaml:"auth_scheme" json:"auth_scheme"`

	// APIKey may be a literal secret or a "{env:VAR}" sigil resolved at
	// request time by the Provider Client.
	APIKey string `yaml:"api_key" json:"api_key"`

	Enabled bool `yaml:"enabled" json:"enabled"`

	CustomHeaders map[string]string `yaml:"custom_headers,omitempty" json:"custom_headers,omitempty"`

	Models map[string]ModelConfig `yaml:"models" json:"models"`

	// Discount, when set, scales this provider's cost sub-totals by
	// (1 - Discount) for simple, defined and openrouter pricing;
	// per_request pricing ignores it.
	Discount *float64 `yaml:"discount,omitempty" json:"discount,omitempty"`
}

// Target is one (provider, model) pair eligible for an alias.
type Target struct {
	Provider string   `yaml:"provider" json:"provider"`
	Model    string   `yaml:"model" json:"model"`
	Weight   *float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
	Enabled  bool     `yaml:"enabled" json:"enabled"`
}

// ModelAlias is a user-visible model name resolving to one or more
// provider targets.
type ModelAlias struct {
	Name              string           `yaml:"name" json:"name"`
	Targets           []Target         `yaml:"targets" json:"targets"`
	Selector          SelectorStrategy `yaml:"selector" json:"selector"`
	Priority          AliasPriority    `yaml:"priority,omitempty" json:"priority,omitempty"`
	AdditionalAliases []string         `yaml:"additional_aliases,omitempty" json:"additional_aliases,omitempty"`
	Description       string           `yaml:"description,omitempty" json:"description,omitempty"`
}

// QuotaLimitType distinguishes token-based from request-count quotas.
type QuotaLimitType string

const (
	QuotaLimitTokens   QuotaLimitType = "tokens"
	QuotaLimitRequests QuotaLimitType = "requests"
)

// QuotaPeriod is the reset cadence for a quota definition.
type QuotaPeriod string

const (
	QuotaRolling QuotaPeriod = "rolling"
	QuotaDaily   QuotaPeriod = "daily"
	QuotaWeekly  QuotaPeriod = "weekly"
)

// QuotaDefinition describes one named quota an API key can be bound to.
type QuotaDefinition struct {
	Name      string         `yaml:"name" json:"name"`
	LimitType QuotaLimitType `yaml:"limit_type" json:"limit_type"`
	Limit     int64          `yaml:"limit" json:"limit"`
	Period    QuotaPeriod    `yaml:"period" json:"period"`
	// DurationSec is the rolling-window width; only meaningful when
	// Period == QuotaRolling.
	DurationSec int64 `yaml:"duration_sec,omitempty" json:"duration_sec,omitempty"`
}

// APIKeyConfig binds a key name to zero or more quota definitions.
type APIKeyConfig struct {
	Name   string            `yaml:"name" json:"name"`
	Quotas []QuotaDefinition `yaml:"quotas,omitempty" json:"quotas,omitempty"`
}
