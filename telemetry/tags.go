// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// mirrorKey is the context key for propagating the mirror type to sync workers.
	mirrorKey contextKey = "mirror"
)

// Result represents how a delivery request was answered.
type Result string

const (
	ResultFull        Result = "full"
	ResultPartial     Result = "partial"
	ResultNotModified Result = "not_modified"
	ResultListing     Result = "listing"
	ResultUnsatisfied Result = "unsatisfiable"
	ResultNone        Result = "na"
)

// Areas of the HTTP surface.
const (
	AreaDelivery = "delivery"
	AreaAdmin    = "admin"
	AreaHealth   = "health"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Area     string
	Result   Result
	Endpoint string
	Mirror   string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Result: ResultNone}
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

// SetResult sets the delivery result for logging.
func SetResult(r *http.Request, result Result) {
	if tags := GetTags(r); tags != nil {
		tags.Result = result
	}
}

// SetArea sets the area tag for metrics and logging.
func SetArea(r *http.Request, area string) {
	if tags := GetTags(r); tags != nil {
		tags.Area = area
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetMirror records the mirror type an admin request acted on.
func SetMirror(r *http.Request, mirror string) {
	if tags := GetTags(r); tags != nil {
		tags.Mirror = mirror
	}
}

// MirrorFromContext retrieves the mirror type from a context.
// It checks both background contexts (set by WithMirrorContext) and
// request contexts (set by SetMirror via InjectTags).
func MirrorFromContext(ctx context.Context) string {
	if m, ok := ctx.Value(mirrorKey).(string); ok && m != "" {
		return m
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Mirror
	}
	return ""
}

// WithMirrorContext returns a context with the mirror type stored.
// Sync workers use this so upstream metrics carry the mirror label.
func WithMirrorContext(ctx context.Context, mirror string) context.Context {
	return context.WithValue(ctx, mirrorKey, mirror)
}
