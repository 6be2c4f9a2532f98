// Package agent drives the reasoning and tool-execution loop of one
// conversation. The control flow is an explicit state machine (Transition)
// executed by a runner (Loop) that performs the effects it asks for.
package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the loop's position in the state machine.
type State string

const (
	StateAnalyzing      State = "analyzing"
	StatePlanning       State = "planning"
	StateThinking       State = "thinking"
	StateActing         State = "acting"
	StateObserving      State = "observing"
	StateReflecting     State = "reflecting"
	StateResponding     State = "responding"
	StateWaitingForUser State = "waiting_for_user"
	StateCompleted      State = "completed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted }

// OutcomeKind tags how a loop ended.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeFailure   OutcomeKind = "failure"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// FailureReason explains a Failure or Cancelled outcome.
type FailureReason string

const (
	ReasonNone                   FailureReason = ""
	ReasonLimitExceeded          FailureReason = "limit_exceeded"
	ReasonLoopDetected           FailureReason = "loop_detected"
	ReasonUnrecoverableToolError FailureReason = "unrecoverable_tool_error"
	ReasonCancelled              FailureReason = "cancelled"
	ReasonGenerationFailed       FailureReason = "generation_failed"
	ReasonInvalidTransition      FailureReason = "invalid_transition"
)

// Sentinels matched by LoopError.Is.
var (
	ErrLimitExceeded          = errors.New("loop limit exceeded")
	ErrLoopDetected           = errors.New("repeated identical tool calls")
	ErrUnrecoverableToolError = errors.New("too many consecutive tool errors")
	ErrCancelled              = errors.New("loop cancelled")
	ErrGenerationFailed       = errors.New("generation failed")
	ErrInvalidTransition      = errors.New("invalid state transition")
)

func (r FailureReason) sentinel() error {
	switch r {
	case ReasonLimitExceeded:
		return ErrLimitExceeded
	case ReasonLoopDetected:
		return ErrLoopDetected
	case ReasonUnrecoverableToolError:
		return ErrUnrecoverableToolError
	case ReasonCancelled:
		return ErrCancelled
	case ReasonGenerationFailed:
		return ErrGenerationFailed
	case ReasonInvalidTransition:
		return ErrInvalidTransition
	}
	return nil
}

// Outcome is the terminal result of a loop.
type Outcome struct {
	Kind   OutcomeKind   `json:"kind"`
	Reason FailureReason `json:"reason,omitempty"`
	Detail string        `json:"detail,omitempty"`
}

func success() *Outcome { return &Outcome{Kind: OutcomeSuccess} }

func failure(reason FailureReason, detail string) *Outcome {
	return &Outcome{Kind: OutcomeFailure, Reason: reason, Detail: detail}
}

func cancelled() *Outcome {
	return &Outcome{Kind: OutcomeCancelled, Reason: ReasonCancelled}
}

func (o Outcome) String() string {
	if o.Reason == ReasonNone {
		return string(o.Kind)
	}
	if o.Detail == "" {
		return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
	}
	return fmt.Sprintf("%s(%s): %s", o.Kind, o.Reason, o.Detail)
}

// Err returns nil for a successful outcome and a *LoopError otherwise.
func (o Outcome) Err() error {
	if o.Kind == OutcomeSuccess {
		return nil
	}
	return &LoopError{Outcome: o}
}

// LoopError wraps a non-successful outcome so callers can use errors.Is
// against the reason sentinels.
type LoopError struct {
	Outcome Outcome
}

func (e *LoopError) Error() string { return "agent loop " + e.Outcome.String() }

func (e *LoopError) Is(target error) bool {
	s := e.Outcome.Reason.sentinel()
	return s != nil && s == target
}

// ToolCall is a tool invocation parsed from model output.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// Key identifies the call for loop detection.
func (c ToolCall) Key() CallKey {
	return CallKey{Tool: c.Tool, Fingerprint: Fingerprint(c.Params)}
}

// CallKey is a (tool, parameter fingerprint) pair.
type CallKey struct {
	Tool        string `json:"tool"`
	Fingerprint string `json:"fingerprint"`
}

// Fingerprint hashes the canonical JSON encoding of params. Map keys are
// encoded sorted, so equal parameter sets hash equally.
func Fingerprint(params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

// Observation is the outcome of a tool call as fed back to the model.
type Observation struct {
	Tool     string         `json:"tool"`
	Params   map[string]any `json:"params,omitempty"`
	Output   string         `json:"output"`
	Failed   bool           `json:"failed,omitempty"`
	Kind     string         `json:"kind,omitempty"`
	Denied   bool           `json:"denied,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
}

// Limits bound a loop run.
type Limits struct {
	MaxIterations        int           `json:"max_iterations"`
	MaxDuration          time.Duration `json:"max_duration"`
	LoopWindow           int           `json:"loop_window"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors"`
}

// DefaultLimits returns the default caps: 25 iterations, 5 minutes, a window
// of 3 identical calls and 3 consecutive tool errors.
func DefaultLimits() Limits {
	return Limits{
		MaxIterations:        25,
		MaxDuration:          5 * time.Minute,
		LoopWindow:           3,
		MaxConsecutiveErrors: 3,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxIterations <= 0 {
		l.MaxIterations = d.MaxIterations
	}
	if l.MaxDuration <= 0 {
		l.MaxDuration = d.MaxDuration
	}
	if l.LoopWindow <= 0 {
		l.LoopWindow = d.LoopWindow
	}
	if l.MaxConsecutiveErrors <= 0 {
		l.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	return l
}

// Status is the machine state carried between transitions. It is plain data
// and is checkpointed as JSON.
type Status struct {
	State             State         `json:"state"`
	Outcome           *Outcome      `json:"outcome,omitempty"`
	Iteration         int           `json:"iteration"`
	Elapsed           time.Duration `json:"elapsed"`
	Recent            []CallKey     `json:"recent,omitempty"`
	Pending           *ToolCall     `json:"pending,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
}

// NewStatus returns the initial status.
func NewStatus() Status {
	return Status{State: StateAnalyzing}
}

func (s Status) clone() Status {
	if s.Recent != nil {
		s.Recent = append([]CallKey(nil), s.Recent...)
	}
	if s.Outcome != nil {
		o := *s.Outcome
		s.Outcome = &o
	}
	return s
}
