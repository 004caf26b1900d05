package flowerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const KIND_CONFIGURATION Kind = "CONFIGURATION"
const KIND_VALIDATION Kind = "VALIDATION"
const KIND_EXECUTION Kind = "EXECUTION"
const KIND_SYSTEM Kind = "SYSTEM"
const KIND_CONNECTION Kind = "CONNECTION"
const KIND_AUTHORIZATION Kind = "AUTHORIZATION"
const KIND_TIMEOUT Kind = "TIMEOUT"
const KIND_NOT_FOUND Kind = "NOT_FOUND"
const KIND_INVALID_STATE Kind = "INVALID_STATE"
const KIND_UNKNOWN Kind = "UNKNOWN"

// Error is the typed error carried through flow execution. Errors are
// immutable once constructed; the Context map is free form and is
// serialized with the flow state on failure.
type Error struct {
	Kind      Kind           `json:"kind"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
	Cause     error          `json:"-"`
}

func New(kind Kind, code string, message string) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func Newf(kind Kind, code string, format string, args ...any) *Error {
	return New(kind, code, fmt.Sprintf(format, args...))
}

func Wrap(kind Kind, code string, message string, cause error) *Error {
	err := New(kind, code, message)
	err.Cause = cause
	return err
}

func (e *Error) WithContext(key string, value any) *Error {
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	clone := *e
	clone.Context = ctx
	return &clone
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf reports the taxonomy kind of any error, unwrapping as needed.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KIND_UNKNOWN
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ValidationError aggregates every violation found in a flow definition.
// Validation never short circuits, callers report all problems at once.
type ValidationError struct {
	FlowId     string
	Violations []*Error
}

func NewValidationError(flowId string, violations []*Error) *ValidationError {
	return &ValidationError{
		FlowId:     flowId,
		Violations: violations,
	}
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return fmt.Sprintf("flow %s is invalid: %s", e.FlowId, strings.Join(msgs, "; "))
}
