package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Base error types
var (
	ErrAborted           = errors.New("aborted")
	ErrInvalidInput      = errors.New("invalid input")
	ErrContract          = errors.New("contract violation")
	ErrProtocol          = errors.New("protocol failure")
	ErrTransport         = errors.New("transport failure")
	ErrAlreadyConfigured = errors.New("already configured")
	ErrNoPageConfig      = errors.New("No config could be discovered in the page")
	ErrStaleParams       = errors.New("URL needs fresh GAA params.")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeProtocol   ErrorType = "protocol"
	ErrorTypeContract   ErrorType = "contract"
	ErrorTypeTransport  ErrorType = "transport"
)

// AccessError is a structured error for access and flow operations.
type AccessError struct {
	Type ErrorType
	Op   string // Operation that failed (e.g., "show_update_offers")
	Err  error  // Underlying error
}

func (e *AccessError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *AccessError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	case ErrContract:
		return e.Type == ErrorTypeContract
	case ErrProtocol:
		return e.Type == ErrorTypeProtocol
	case ErrTransport:
		return e.Type == ErrorTypeTransport
	}

	return errors.Is(e.Err, target)
}

// NewAccessError creates a new AccessError
func NewAccessError(errorType ErrorType, op string, err error) *AccessError {
	return &AccessError{Type: errorType, Op: op, Err: err}
}

// Contract reports a publisher integration bug. These are the only failures
// the runtime surfaces to callers as hard errors.
func Contract(op, format string, args ...any) error {
	return NewAccessError(ErrorTypeContract, op, fmt.Errorf(format, args...))
}

// Protocol wraps a malformed or untrusted cross-frame message.
func Protocol(op string, err error) error {
	return NewAccessError(ErrorTypeProtocol, op, err)
}

// IsAbort reports whether err is a user cancellation.
func IsAbort(err error) bool {
	return err != nil && errors.Is(err, ErrAborted)
}

// IsContract reports whether err is a programmer-contract failure.
func IsContract(err error) bool {
	return err != nil && errors.Is(err, ErrContract)
}

// FieldError describes one rejected field of a publisher supplied value.
type FieldError struct {
	Field   string
	Message string
}

func (f FieldError) String() string {
	if f.Field == "" {
		return f.Message
	}
	return f.Field + ": " + f.Message
}

// ValidationErrors collects field level failures. A nil or empty list means
// the input is valid.
type ValidationErrors []FieldError

// Add appends a failure.
func (v *ValidationErrors) Add(field, format string, args ...any) {
	*v = append(*v, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OK reports whether no failures were recorded.
func (v ValidationErrors) OK() bool {
	return len(v) == 0
}

// Fields returns the rejected field names in order.
func (v ValidationErrors) Fields() []string {
	out := make([]string, 0, len(v))
	for _, f := range v {
		out = append(out, f.Field)
	}
	return out
}

// Has reports whether field was rejected.
func (v ValidationErrors) Has(field string) bool {
	for _, f := range v {
		if f.Field == field {
			return true
		}
	}
	return false
}

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, f := range v {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, "; ")
}

// Err returns v as an error wrapping ErrInvalidInput, or nil when valid.
func (v ValidationErrors) Err(op string) error {
	if v.OK() {
		return nil
	}
	return NewAccessError(ErrorTypeValidation, op, v)
}
