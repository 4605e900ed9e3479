package cdp

import (
	"errors"
	"fmt"
	"time"
)

// ErrConnectionLost reports that the browser transport dropped while a
// command was in flight. Callers may retry the whole operation once the
// pool has reconnected.
var ErrConnectionLost = errors.New("browser connection lost")

// ErrPoolBroken reports that the single reconnect attempt failed. Acquire
// fails fast with this error until Restart is called.
var ErrPoolBroken = errors.New("browser connection pool is broken; restart the browser process to recover")

// TimeoutError is returned when a command exceeds its deadline. The pending
// tracker is removed before this is returned, so a late response from the
// browser is discarded instead of reaching a stale caller.
type TimeoutError struct {
	Method string
	Limit  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete within %s", e.Method, e.Limit)
}

// Timeout marks the error for net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// ProtocolError is an error response from the browser for a single command.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}
