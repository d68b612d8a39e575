package domain

import (
	"context"
	"time"
)

// OutboundRequest is an HTTP call issued by a network node.
// Body is JSON-encoded when non-nil.
type OutboundRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// OutboundResponse is the decoded reply. Body holds parsed JSON when the
// response is JSON, otherwise the raw text.
type OutboundResponse struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        any    `json:"body,omitempty"`
	// JSON is true when Body was decoded from a JSON payload.
	JSON bool `json:"-"`
}

// OutboundHTTP performs outbound HTTP requests on behalf of workflow nodes.
type OutboundHTTP interface {
	Do(ctx context.Context, req OutboundRequest) (*OutboundResponse, error)
}
