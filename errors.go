package chatcore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Conn.Send when the connection is not open.
	// Outbound envelopes are never queued.
	ErrNotConnected = errors.New("chatcore: connection not open")

	// ErrUnauthenticated means the bearer credential is missing, expired or
	// was rejected by the backend. The credential store has been cleared.
	ErrUnauthenticated = errors.New("chatcore: not authenticated")

	// ErrLeftGroup is returned when sending into a group the viewer left
	// during this session.
	ErrLeftGroup = errors.New("chatcore: left this group")

	// ErrNoActiveConversation is returned by Session operations that need an
	// open conversation.
	ErrNoActiveConversation = errors.New("chatcore: no active conversation")
)

// TransportError reports that the realtime connection failed to open or
// closed unexpectedly. It is never retried automatically.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedEnvelopeError reports an inbound frame that could not be decoded.
type MalformedEnvelopeError struct {
	Frame []byte
	Err   error
}

func (e *MalformedEnvelopeError) Error() string {
	return fmt.Sprintf("malformed envelope (%d bytes): %v", len(e.Frame), e.Err)
}

func (e *MalformedEnvelopeError) Unwrap() error { return e.Err }

// NetworkError reports that an HTTP request never produced a response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return e.Op + ": network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError reports a response the backend marked as failed.
type ServerError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server error %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server error %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsRetryable reports whether the user may reasonably repeat the action that
// produced err. Nothing in this package retries on its own.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return srvErr.StatusCode >= 500
	}
	var trErr *TransportError
	return errors.As(err, &trErr) || errors.Is(err, ErrNotConnected)
}
