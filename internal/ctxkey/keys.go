// Package ctxkey centralizes the gin.Context keys Plexus's handler layer
// reads and writes, so components never guess at string literals.
package ctxkey

const (
	// RequestID is the per-request identifier, generated at ingress and
	// threaded through dispatch, pipeline, and persistence.
	RequestID = "plexus_request_id"
	// APIKeyName is the resolved API key name (never the secret) attached
	// by the auth middleware, an external collaborator.
	APIKeyName = "plexus_api_key_name"
	// IncomingAPIType is the dialect the inbound request arrived in.
	IncomingAPIType = "plexus_incoming_api_type"
	// RequestModel is the model/alias string as given by the caller, before
	// resolution.
	RequestModel = "plexus_request_model"
	// SourceIP is the caller's address, for usage attribution.
	SourceIP = "plexus_source_ip"
	// Attribution is an optional free-form tag (team, project) carried by
	// the auth layer for usage bookkeeping.
	Attribution = "plexus_attribution"
)
