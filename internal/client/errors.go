package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send while the view has no live
	// connection. Nothing is queued.
	ErrNotConnected = errors.New("not connected")
	// ErrAuthFailed means the server rejected the credential. The view does
	// not reconnect after it.
	ErrAuthFailed = errors.New("authentication failed")
	ErrClosed     = errors.New("room view closed")
)

// TransientError wraps a dropped socket or an abnormal close.
type TransientError struct {
	Code int
	Err  error
}

func (e *TransientError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("connection lost (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("connection lost: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a frame that could not be understood. The frame is
// dropped and the connection stays up.
type ProtocolError struct {
	Frame []byte
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("bad frame: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// APIError is a non-2xx REST response.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}
