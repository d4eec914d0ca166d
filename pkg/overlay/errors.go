package overlay

import (
	"errors"
	"fmt"
)

// Deterministic error codes for the invocation and lifecycle surface.
const (
	ErrCodeNotFound       = "ERR_OVERLAY_NOT_FOUND"
	ErrCodeAlreadyExists  = "ERR_OVERLAY_EXISTS"
	ErrCodeBadDescriptor  = "ERR_OVERLAY_DESCRIPTOR"
	ErrCodeBadTransition  = "ERR_OVERLAY_TRANSITION"
	ErrCodeNotActive      = "ERR_OVERLAY_NOT_ACTIVE"
	ErrCodeTrustTooLow    = "ERR_AUTHZ_TRUST"
	ErrCodeCapability     = "ERR_AUTHZ_CAPABILITY"
	ErrCodeCircuitOpen    = "ERR_CIRCUIT_OPEN"
	ErrCodeTimeout        = "ERR_OVERLAY_TIMEOUT"
	ErrCodeExecution      = "ERR_OVERLAY_EXECUTION"
	ErrCodeBudgetExceeded = "ERR_OVERLAY_BUDGET"
)

// Error is the typed error for every failure this package reports. Code is
// stable for programmatic handling; Message is for humans.
type Error struct {
	Code    string `json:"code"`
	Overlay string `json:"overlay,omitempty"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.Overlay != "" {
		return fmt.Sprintf("%s: overlay %s: %s", e.Code, e.Overlay, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(code, name, message string, cause error) *Error {
	return &Error{Code: code, Overlay: name, Message: message, cause: cause}
}

// CodeOf extracts the deterministic code from err, or "" when err is not an
// overlay error.
func CodeOf(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// IsAuthorization reports whether err is a trust or capability rejection.
// Authorization failures are checked before any fuel is charged.
func IsAuthorization(err error) bool {
	c := CodeOf(err)
	return c == ErrCodeTrustTooLow || c == ErrCodeCapability
}

// IsCircuitOpen reports whether err is a breaker rejection: the overlay's
// processing function was never invoked.
func IsCircuitOpen(err error) bool {
	return CodeOf(err) == ErrCodeCircuitOpen
}

// IsTimeout reports whether err is an invocation deadline expiry.
func IsTimeout(err error) bool {
	return CodeOf(err) == ErrCodeTimeout
}
