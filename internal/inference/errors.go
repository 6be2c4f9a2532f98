package inference

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures.
type ErrorKind string

const (
	KindInvalidFormat      ErrorKind = "invalid_format"
	KindInsufficientMemory ErrorKind = "insufficient_memory"
	KindLoadFailed         ErrorKind = "load_failed"
	KindGenerationFailed   ErrorKind = "generation_failed"
	KindWorkerUnavailable  ErrorKind = "worker_unavailable"
)

// Sentinels matched by errors.Is against any EngineError of the same kind.
var (
	ErrInvalidFormat      = errors.New("invalid model format")
	ErrInsufficientMemory = errors.New("insufficient memory")
	ErrLoadFailed         = errors.New("model load failed")
	ErrGenerationFailed   = errors.New("generation failed")
	ErrWorkerUnavailable  = errors.New("inference worker unavailable")
)

var (
	ErrQueueFull     = errors.New("inference queue full")
	ErrEngineClosed  = errors.New("inference engine closed")
	ErrNoModel       = errors.New("no model loaded")
	ErrCancelled     = errors.New("generation cancelled")
	ErrInvalidParams = errors.New("invalid generation params")
)

func sentinel(k ErrorKind) error {
	switch k {
	case KindInvalidFormat:
		return ErrInvalidFormat
	case KindInsufficientMemory:
		return ErrInsufficientMemory
	case KindLoadFailed:
		return ErrLoadFailed
	case KindGenerationFailed:
		return ErrGenerationFailed
	case KindWorkerUnavailable:
		return ErrWorkerUnavailable
	}
	return nil
}

// EngineError is returned by every engine operation that fails.
type EngineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("inference %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("inference %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *EngineError) Is(target error) bool {
	return target != nil && target == sentinel(e.Kind)
}

func engineErr(kind ErrorKind, op string, err error) *EngineError {
	return &EngineError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of an EngineError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

type fatalError struct {
	err error
}

func (f *fatalError) Error() string { return "fatal: " + f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// Fatal marks a backend error as unrecoverable. Returning (or panicking with)
// a fatal error stops the engine worker for good.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}
