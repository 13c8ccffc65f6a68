package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for the request tags holder.
const requestTagsKey contextKey = "request_tags"

// LookupResult represents the outcome of a cache lookup.
type LookupResult string

const (
	LookupMemoryHit   LookupResult = "memory_hit"
	LookupNegativeHit LookupResult = "negative_hit"
	LookupStoreHit    LookupResult = "store_hit"
	LookupMiss        LookupResult = "miss"
	LookupExpired     LookupResult = "expired"
	LookupError       LookupResult = "error"
)

// RequestTags holds mutable request metadata that handlers can set for the
// access log.
type RequestTags struct {
	Endpoint     string
	LookupResult LookupResult
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetEndpoint sets the normalized endpoint name for metrics and logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetLookupResult sets the cache lookup outcome for logging.
func SetLookupResult(r *http.Request, result LookupResult) {
	if tags := GetTags(r); tags != nil {
		tags.LookupResult = result
	}
}
