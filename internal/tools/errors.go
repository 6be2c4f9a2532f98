package tools

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Sentinel errors matched by ToolError.Is.
var (
	ErrNotFound         = errors.New("tool not found")
	ErrInvalidParams    = errors.New("invalid tool parameters")
	ErrExecutionFailed  = errors.New("tool execution failed")
	ErrTimeout          = errors.New("tool execution timed out")
	ErrPermissionDenied = errors.New("tool permission denied")
	ErrDuplicateTool    = errors.New("tool already registered")
)

// ErrorKind categorizes tool failures. Every kind is recoverable from the
// loop's point of view: the failure becomes an observation for the model.
type ErrorKind string

const (
	KindInvalidParams    ErrorKind = "invalid_params"
	KindNotFound         ErrorKind = "not_found"
	KindExecutionFailed  ErrorKind = "execution_failed"
	KindTimeout          ErrorKind = "timeout"
	KindPermissionDenied ErrorKind = "permission_denied"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindInvalidParams:
		return ErrInvalidParams
	case KindNotFound:
		return ErrNotFound
	case KindTimeout:
		return ErrTimeout
	case KindPermissionDenied:
		return ErrPermissionDenied
	default:
		return ErrExecutionFailed
	}
}

// ToolError is the typed failure of a tool dispatch.
type ToolError struct {
	Kind     ErrorKind
	Tool     string
	Message  string
	Cause    error
	Attempts int
}

func (e *ToolError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	s := fmt.Sprintf("[tool:%s]", e.Kind)
	if e.Tool != "" {
		s += " " + e.Tool
	}
	if msg != "" {
		s += ": " + msg
	}
	if e.Attempts > 1 {
		s += fmt.Sprintf(" (attempts=%d)", e.Attempts)
	}
	return s
}

func (e *ToolError) Unwrap() error { return e.Cause }

// Is matches the kind's sentinel so callers can use errors.Is(err, ErrTimeout).
func (e *ToolError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Transient reports whether retrying the same call may succeed.
// Timeouts are transient; execution failures are transient only when the
// cause is a transient I/O condition. Everything else is permanent.
func (e *ToolError) Transient() bool {
	switch e.Kind {
	case KindTimeout:
		return true
	case KindExecutionFailed:
		return IsTransient(e.Cause)
	}
	return false
}

// AsToolError extracts a ToolError from an error chain.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// NotFoundError returns the NotFound error for a tool name.
func NotFoundError(name string) error {
	return &ToolError{Kind: KindNotFound, Tool: name, Message: "no tool named " + name}
}

// InvalidParams returns an InvalidParams error. Tools use it for checks the
// schema cannot express.
func InvalidParams(format string, args ...any) error {
	return &ToolError{Kind: KindInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// PermissionDenied builds the synthetic result error for a denied call.
func PermissionDenied(name, reason string) error {
	return &ToolError{Kind: KindPermissionDenied, Tool: name, Message: reason}
}

type transientError struct{ err error }

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// Transient marks err as a transient condition worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err is a transient I/O condition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// classify turns whatever a tool returned into a ToolError.
func classify(ctx context.Context, name string, err error) *ToolError {
	if te, ok := AsToolError(err); ok {
		if te.Tool == "" {
			te.Tool = name
		}
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ToolError{Kind: KindTimeout, Tool: name, Cause: err}
	}
	return &ToolError{Kind: KindExecutionFailed, Tool: name, Cause: err}
}
