package agent

import (
	"fmt"

	"github.com/KafClaw/localclaw/internal/policy"
	"github.com/KafClaw/localclaw/internal/tools"
)

// Event is an input to the state machine.
type Event interface{ event() }

// Effect is work the machine asks the runner to perform.
type Effect interface{ effect() }

// Events.
type (
	// Start begins analysis of the request.
	Start struct{}
	// Analyzed reports whether the request needs a plan.
	Analyzed struct{ MultiStep bool }
	// Planned reports that a plan exists or was updated.
	Planned struct{}
	// ModelReplied carries the parsed model output: a tool call or a final answer.
	ModelReplied struct {
		Call  *ToolCall
		Final string
	}
	// PermissionResolved carries the policy verdict for the pending call.
	PermissionResolved struct {
		Outcome policy.Outcome
		Reason  string
	}
	// UserDecided carries the user's answer to an approval request.
	UserDecided struct {
		Decision policy.Decision
		Reason   string
	}
	// ToolFinished carries the observation of the pending call.
	ToolFinished struct{ Obs Observation }
	// Reflected carries the runner's judgement after an observation.
	Reflected struct {
		Verdict           Verdict
		ConsecutiveErrors int
	}
	// Responded carries the final answer.
	Responded struct{ Text string }
	// Cancel stops the loop.
	Cancel struct{}
	// Fail ends the loop with a failure.
	Fail struct {
		Reason FailureReason
		Detail string
	}
)

func (Start) event()              {}
func (Analyzed) event()           {}
func (Planned) event()            {}
func (ModelReplied) event()       {}
func (PermissionResolved) event() {}
func (UserDecided) event()        {}
func (ToolFinished) event()       {}
func (Reflected) event()          {}
func (Responded) event()          {}
func (Cancel) event()             {}
func (Fail) event()               {}

// Verdict is the outcome of reflection.
type Verdict string

const (
	Continue  Verdict = "continue"
	Satisfied Verdict = "satisfied"
	GiveUp    Verdict = "fail"
)

// Effects.
type (
	Analyze         struct{}
	Plan            struct{}
	Generate        struct{}
	CheckPermission struct{ Call ToolCall }
	AwaitApproval   struct {
		Call   ToolCall
		Reason string
	}
	Dispatch struct{ Call ToolCall }
	// Observe feeds an observation that needs no dispatch, such as a denial.
	Observe struct{ Obs Observation }
	Reflect struct{ Obs Observation }
	Respond struct{ Text string }
	Finish  struct{ Outcome Outcome }
)

func (Analyze) effect()         {}
func (Plan) effect()            {}
func (Generate) effect()        {}
func (CheckPermission) effect() {}
func (AwaitApproval) effect()   {}
func (Dispatch) effect()        {}
func (Observe) effect()         {}
func (Reflect) effect()         {}
func (Respond) effect()         {}
func (Finish) effect()          {}

// Transition computes the next status and the effects to run. It performs no
// I/O and reads no clock: the runner stores the elapsed time in st before
// calling it.
func Transition(lim Limits, st Status, ev Event) (Status, []Effect) {
	if st.State.Terminal() {
		return st, nil
	}
	lim = lim.withDefaults()
	st = st.clone()

	switch e := ev.(type) {
	case Cancel:
		return complete(st, cancelled())
	case Fail:
		return complete(st, failure(e.Reason, e.Detail))
	}
	if st.Elapsed > lim.MaxDuration {
		return complete(st, failure(ReasonLimitExceeded,
			fmt.Sprintf("elapsed %s exceeds %s", st.Elapsed.Round(1e6), lim.MaxDuration)))
	}

	switch st.State {
	case StateAnalyzing:
		switch e := ev.(type) {
		case Start:
			return st, []Effect{Analyze{}}
		case Analyzed:
			if e.MultiStep {
				st.State = StatePlanning
				return st, []Effect{Plan{}}
			}
			st.State = StateThinking
			return st, []Effect{Generate{}}
		}

	case StatePlanning:
		if _, ok := ev.(Planned); ok {
			st.State = StateThinking
			return st, []Effect{Generate{}}
		}

	case StateThinking:
		if e, ok := ev.(ModelReplied); ok {
			if e.Call == nil {
				st.State = StateResponding
				return st, []Effect{Respond{Text: e.Final}}
			}
			return enterActing(lim, st, *e.Call)
		}

	case StateActing:
		if e, ok := ev.(PermissionResolved); ok && st.Pending != nil {
			call := *st.Pending
			switch e.Outcome {
			case policy.OutcomeAllow:
				return dispatch(lim, st, call)
			case policy.OutcomePrompt:
				st.State = StateWaitingForUser
				return st, []Effect{AwaitApproval{Call: call, Reason: e.Reason}}
			default:
				st.State = StateObserving
				return st, []Effect{Observe{Obs: denial(call, e.Reason)}}
			}
		}

	case StateWaitingForUser:
		if e, ok := ev.(UserDecided); ok && st.Pending != nil {
			call := *st.Pending
			switch e.Decision {
			case policy.Approve, policy.AlwaysAllow:
				return dispatch(lim, st, call)
			default:
				reason := e.Reason
				if reason == "" {
					reason = "denied by user"
				}
				st.State = StateObserving
				return st, []Effect{Observe{Obs: denial(call, reason)}}
			}
		}

	case StateObserving:
		if e, ok := ev.(ToolFinished); ok {
			st.State = StateReflecting
			st.Pending = nil
			return st, []Effect{Reflect{Obs: e.Obs}}
		}

	case StateReflecting:
		if e, ok := ev.(Reflected); ok {
			st.ConsecutiveErrors = e.ConsecutiveErrors
			if st.ConsecutiveErrors >= lim.MaxConsecutiveErrors {
				return complete(st, failure(ReasonUnrecoverableToolError,
					fmt.Sprintf("%d consecutive tool errors", st.ConsecutiveErrors)))
			}
			switch e.Verdict {
			case Satisfied:
				st.State = StateResponding
				return st, []Effect{Respond{}}
			case GiveUp:
				return complete(st, failure(ReasonUnrecoverableToolError, "reflection gave up"))
			default:
				st.State = StateThinking
				return st, []Effect{Generate{}}
			}
		}

	case StateResponding:
		if _, ok := ev.(Responded); ok {
			return complete(st, success())
		}
	}

	return complete(st, failure(ReasonInvalidTransition,
		fmt.Sprintf("event %T in state %s", ev, st.State)))
}

func complete(st Status, o *Outcome) (Status, []Effect) {
	st.State = StateCompleted
	st.Outcome = o
	st.Pending = nil
	return st, []Effect{Finish{Outcome: *o}}
}

// enterActing applies the iteration cap and loop detection before the call
// reaches the permission check.
func enterActing(lim Limits, st Status, call ToolCall) (Status, []Effect) {
	st.Iteration++
	if st.Iteration > lim.MaxIterations {
		return complete(st, failure(ReasonLimitExceeded,
			fmt.Sprintf("iteration %d exceeds cap %d", st.Iteration, lim.MaxIterations)))
	}
	if repeats(st.Recent, call.Key(), lim.LoopWindow) {
		return complete(st, failure(ReasonLoopDetected,
			fmt.Sprintf("%s called %d times in a row with identical parameters", call.Tool, lim.LoopWindow)))
	}
	st.State = StateActing
	st.Pending = &call
	return st, []Effect{CheckPermission{Call: call}}
}

// repeats reports whether the window is full of key.
func repeats(recent []CallKey, key CallKey, window int) bool {
	if len(recent) < window {
		return false
	}
	for _, k := range recent[len(recent)-window:] {
		if k != key {
			return false
		}
	}
	return true
}

func dispatch(lim Limits, st Status, call ToolCall) (Status, []Effect) {
	st.Recent = append(st.Recent, call.Key())
	if over := len(st.Recent) - lim.LoopWindow; over > 0 {
		st.Recent = append([]CallKey(nil), st.Recent[over:]...)
	}
	st.State = StateObserving
	return st, []Effect{Dispatch{Call: call}}
}

func denial(call ToolCall, reason string) Observation {
	return Observation{
		Tool:   call.Tool,
		Params: call.Params,
		Output: fmt.Sprintf("permission denied: %s", reason),
		Failed: true,
		Kind:   string(tools.KindPermissionDenied),
		Denied: true,
	}
}

// Resume returns the status and effects that continue a loop restored from a
// checkpoint. An interrupted dispatch is not re-executed: it is observed as an
// execution failure.
func Resume(st Status) (Status, []Effect) {
	st = st.clone()
	switch st.State {
	case StateCompleted:
		return st, nil
	case StateAnalyzing, StatePlanning:
		st.State = StateAnalyzing
		return st, []Effect{Analyze{}}
	case StateActing:
		if st.Pending != nil {
			return st, []Effect{CheckPermission{Call: *st.Pending}}
		}
	case StateWaitingForUser:
		if st.Pending != nil {
			return st, []Effect{AwaitApproval{Call: *st.Pending, Reason: "resumed"}}
		}
	case StateObserving:
		if st.Pending != nil {
			return st, []Effect{Observe{Obs: Observation{
				Tool:   st.Pending.Tool,
				Params: st.Pending.Params,
				Output: "tool execution was interrupted and its result is unknown",
				Failed: true,
				Kind:   string(tools.KindExecutionFailed),
			}}}
		}
	case StateReflecting:
		return st, []Effect{Reflect{}}
	case StateResponding:
		return st, []Effect{Respond{}}
	}
	st.State = StateThinking
	st.Pending = nil
	return st, []Effect{Generate{}}
}
