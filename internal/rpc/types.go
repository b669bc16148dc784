package rpc

import "github.com/jcdickinson/rsimpl/internal/implementors"

// PublishRequest is the request body for POST /publish.
type PublishRequest struct {
	Trait string             `json:"trait"`
	Index implementors.Index `json:"index"`
}

// PublishResponse is the response body for POST /publish.
type PublishResponse struct {
	Trait         string `json:"trait"`
	PublicationID string `json:"publication_id"`
	Records       int    `json:"records"`
	// Delivered is set when a consumer was already waiting and received the
	// index before the publish returned.
	Delivered bool `json:"delivered"`
}

// ConsumeRequest is the request body for POST /consume.
type ConsumeRequest struct {
	Trait string `json:"trait"`
}

// ConsumeResponse is the response body for POST /consume and POST /wait.
type ConsumeResponse struct {
	Trait string             `json:"trait"`
	Found bool               `json:"found"`
	Index implementors.Index `json:"index,omitempty"`
}

// WaitRequest is the request body for POST /wait.
type WaitRequest struct {
	Trait          string `json:"trait"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// BuildRequest is the request body for POST /build.
type BuildRequest struct {
	Trait   string      `json:"trait"`
	Crates  []CrateSpec `json:"crates"`
	Publish bool        `json:"publish,omitempty"`
}

type CrateSpec struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// BuildResult is the final line of a /build stream.
type BuildResult struct {
	Trait         string             `json:"trait"`
	Libraries     []LibraryResult    `json:"libraries"`
	Index         implementors.Index `json:"index,omitempty"`
	PublicationID string             `json:"publication_id,omitempty"`
	Error         string             `json:"error,omitempty"`
}

type LibraryResult struct {
	Name    string `json:"name"`
	Records int    `json:"records"`
}

// ProgressLine is a single line of NDJSON streamed from the build endpoint.
type ProgressLine struct {
	Type    string       `json:"type"` // "progress" or "result"
	Message string       `json:"message,omitempty"`
	Result  *BuildResult `json:"result,omitempty"`
}

// GetImplementorsRequest is the request body for POST /get-implementors.
type GetImplementorsRequest struct {
	Trait string `json:"trait"`
}

// GetImplementorsResponse is the response body for POST /get-implementors.
type GetImplementorsResponse struct {
	Markdown string `json:"markdown"`
	Source   string `json:"source"` // "live" or "stored"
}

// InvalidateRequest is the request body for POST /invalidate.
type InvalidateRequest struct {
	Type string `json:"type"`
}

// InvalidateResponse lists the traits whose indexes involve a type.
type InvalidateResponse struct {
	Type   string   `json:"type"`
	Traits []string `json:"traits"`
}

// StatusResponse is the response body for GET /status.
type StatusResponse struct {
	Pages []PageStatus `json:"pages"`
}

type PageStatus struct {
	Trait         string `json:"trait"`
	State         string `json:"state"`
	Records       int    `json:"records"`
	PublicationID string `json:"publication_id,omitempty"`
	Stored        bool   `json:"stored"`
}

// ClearCacheResponse is the response body for POST /clear-cache.
type ClearCacheResponse struct {
	Dropped int `json:"dropped"`
}
