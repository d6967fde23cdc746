package graphrelay

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrAuthExpired      = errors.New("authentication expired")
	ErrCacheUnavailable = errors.New("cache unavailable")
	ErrNotImplemented   = errors.New("not implemented")
)

// UpstreamError carries the status and body of a non-2xx, non-401 Graph
// response. It is surfaced to the caller as-is and never retried.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("upstream error: status=%d body=%s", e.Status, body)
}

func IsUpstreamError(err error) (*UpstreamError, bool) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream, true
	}
	return nil, false
}
