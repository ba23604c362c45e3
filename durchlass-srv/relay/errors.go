package relay

import (
	"errors"
	"fmt"
)

// Error represents a relay-specific error with a code and description.
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewRelayError creates a new Error with the given code and cause.
func NewRelayError(code string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: GetErrorDescription(code),
		Cause:       cause,
	}
}

// Relay error codes
const (
	// Connection establishment errors (E2xxx)
	ErrCodeConnectFailed   = "E2001"
	ErrCodeConnectTimeout  = "E2002"
	ErrCodeConnectCanceled = "E2003"
	ErrCodeEmptyTarget     = "E2004"

	// Termination and exchange errors (E4xxx)
	ErrCodePeerClosed     = "E4001"
	ErrCodeUpstreamFailed = "E4002"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeConnectFailed:   "Failed to establish outbound connection",
	ErrCodeConnectTimeout:  "Outbound connection attempt timed out",
	ErrCodeConnectCanceled: "Outbound connection attempt canceled",
	ErrCodeEmptyTarget:     "No target host could be resolved",
	ErrCodePeerClosed:      "Connection closed by peer",
	ErrCodeUpstreamFailed:  "Upstream request exchange failed",
}

// GetErrorDescription returns the description for a given error code.
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// ErrorCode extracts the relay error code from err, or "" if err carries none.
func ErrorCode(err error) string {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Code
	}
	return ""
}

// IsConnectError reports whether err occurred during connection establishment.
func IsConnectError(err error) bool {
	code := ErrorCode(err)
	return code >= "E2000" && code < "E3000"
}

// IsTimeoutError reports whether err is an outbound connect timeout.
func IsTimeoutError(err error) bool {
	return ErrorCode(err) == ErrCodeConnectTimeout
}

// IsCanceledError reports whether err is a canceled connection attempt.
func IsCanceledError(err error) bool {
	return ErrorCode(err) == ErrCodeConnectCanceled
}
