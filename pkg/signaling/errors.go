package signaling

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed rejects requests pending on, or issued after, a lost connection
	ErrConnectionClosed = errors.New("signaling: connection closed")

	// ErrRequestTimeout rejects a request the peer did not answer in time
	ErrRequestTimeout = errors.New("signaling: request timeout")
)

// Peer error codes
const (
	CodeBadRequest         = 400
	CodeNotFound           = 404
	CodeTooManyRequests    = 429
	CodeInternalError      = 500
	CodeNotImplemented     = 501
	CodeServiceUnavailable = 503
)

// PeerError is a failed response reported by the remote peer
type PeerError struct {
	Code   int
	Reason string
}

// NewPeerError creates a PeerError
func NewPeerError(code int, reason string) *PeerError {
	return &PeerError{Code: code, Reason: reason}
}

// Error implements the error interface
func (e *PeerError) Error() string {
	return fmt.Sprintf("signaling: peer error %d: %s", e.Code, e.Reason)
}
