// Package llm – errors.go defines the error taxonomy for upstream completion
// calls. Callers type-assert with errors.As to decide between degrading to a
// fallback reply and terminating a streamed relay.
package llm

import "fmt"

// UpstreamStatusError reports a non-200 response from the LLM backend.
type UpstreamStatusError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// UnsupportedContentTypeError reports a response whose content type is
// neither application/json nor text/event-stream.
type UnsupportedContentTypeError struct {
	ContentType string
}

func (e *UnsupportedContentTypeError) Error() string {
	return fmt.Sprintf("unsupported response content type %q", e.ContentType)
}

// MalformedPayloadError reports JSON that failed to parse or a payload
// missing the expected answer field. Raw carries the offending line or body
// for diagnostics.
type MalformedPayloadError struct {
	Raw string
	Err error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed upstream payload: %v (raw: %s)", e.Err, truncate(e.Raw, 200))
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// truncate shortens s to at most n bytes for log and error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
