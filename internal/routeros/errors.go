package routeros

import (
	"context"
	"errors"
	"net"
	"os"
)

// ProtocolError reports a framing violation or a malformed reply.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return "routeros: protocol error: " + e.Message }

// AuthError reports a rejected login or a malformed challenge.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return "routeros: login failed: " + e.Message }

// TrapError is a RouterOS !trap reply for a specific command. The connection
// stays usable after the reply stream has been drained.
type TrapError struct {
	Message  string
	Category string
}

func (e *TrapError) Error() string { return "routeros: trap: " + e.Message }

// FatalError is a RouterOS !fatal reply; the connection is unusable afterwards.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string { return "routeros: fatal: " + e.Message }

// IsTimeout reports whether err is a connect or I/O deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
