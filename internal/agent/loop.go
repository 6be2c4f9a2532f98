package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/localclaw/internal/approval"
	"github.com/KafClaw/localclaw/internal/bus"
	"github.com/KafClaw/localclaw/internal/inference"
	"github.com/KafClaw/localclaw/internal/planning"
	"github.com/KafClaw/localclaw/internal/policy"
	"github.com/KafClaw/localclaw/internal/timeline"
	"github.com/KafClaw/localclaw/internal/tools"
)

// Generator is the part of the inference engine the loop needs.
type Generator interface {
	Generate(ctx context.Context, req inference.Request) (*inference.Stream, error)
	Cancel(id string) bool
}

// Checkpointer persists loop progress. The timeline service implements it.
type Checkpointer interface {
	SaveCheckpoint(cp timeline.Checkpoint) error
	LoadCheckpoint(conversationID string) (*timeline.Checkpoint, error)
}

// Metrics receives loop measurements. The metrics package implements it.
type Metrics interface {
	LoopStarted()
	LoopFinished(kind, reason string)
	ToolExecuted(tool, status string, d time.Duration)
	ApprovalDecided(decision string)
	TokenStreamed()
}

type nopMetrics struct{}

func (nopMetrics) LoopStarted()                               {}
func (nopMetrics) LoopFinished(string, string)                {}
func (nopMetrics) ToolExecuted(string, string, time.Duration) {}
func (nopMetrics) ApprovalDecided(string)                     {}
func (nopMetrics) TokenStreamed()                             {}

// Options tune a loop. Zero values take the defaults noted per field.
type Options struct {
	Limits     Limits
	Generation inference.Params
	// ToolTimeout bounds one tool attempt. Default 30s.
	ToolTimeout time.Duration
	// GenerationTimeout bounds one generation. Zero leaves only the loop deadline.
	GenerationTimeout time.Duration
	// ApprovalTimeout bounds the wait for the user. Zero waits until the loop ends.
	ApprovalTimeout time.Duration
	Retry           Backoff
	// MaxRetries of a transient tool failure. Default 2; negative disables retries.
	MaxRetries int
	// MaxObservationChars truncates tool output fed to the model. Default 4000.
	MaxObservationChars int
	// MinIterationDelay is slept before every generation after the first.
	MinIterationDelay time.Duration
	HistoryLimit      int
	SystemPrompt      string
	Workspace         string
}

// DefaultOptions returns the defaults used for zero fields.
func DefaultOptions() Options {
	return Options{
		Limits:              DefaultLimits(),
		Generation:          inference.DefaultParams(),
		ToolTimeout:         30 * time.Second,
		ApprovalTimeout:     120 * time.Second,
		Retry:               DefaultBackoff(),
		MaxRetries:          2,
		MaxObservationChars: 4000,
		HistoryLimit:        20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	o.Limits = o.Limits.withDefaults()
	if o.Generation.MaxTokens == 0 && o.Generation.TopP == 0 {
		o.Generation = d.Generation
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = d.ToolTimeout
	}
	if o.Retry.Initial <= 0 {
		o.Retry = d.Retry
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = d.MaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.MaxObservationChars <= 0 {
		o.MaxObservationChars = d.MaxObservationChars
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	return o
}

// LoopOptions carries the collaborators of a Loop. Engine and Registry are
// required; everything else may be nil.
type LoopOptions struct {
	Engine      Generator
	Registry    *tools.Registry
	Policy      *policy.Manager
	Approvals   *approval.Manager
	Planner     *planning.Planner
	Sink        bus.Sink
	Checkpoints Checkpointer
	Metrics     Metrics
	Options     Options

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

// Request is one user turn handed to the loop.
type Request struct {
	ConversationID string
	SessionID      string
	Text           string
	// History holds earlier turns of the same session.
	History []Message
}

// Result is what a finished loop reports.
type Result struct {
	ConversationID string             `json:"conversation_id"`
	Outcome        Outcome            `json:"outcome"`
	Text           string             `json:"text,omitempty"`
	Iterations     int                `json:"iterations"`
	Elapsed        time.Duration      `json:"elapsed"`
	Plan           *planning.Snapshot `json:"plan,omitempty"`
}

// Err returns nil on success and a *LoopError otherwise.
func (r Result) Err() error { return r.Outcome.Err() }

// Loop runs the agent state machine for one request at a time.
type Loop struct {
	opts    LoopOptions
	cfg     Options
	builder *ContextBuilder
	sink    bus.Sink
	metrics Metrics

	runMu sync.Mutex

	mu        sync.Mutex
	cancel    context.CancelFunc
	genID     string
	cancelled atomic.Bool
}

// NewLoop creates a loop.
func NewLoop(opts LoopOptions) *Loop {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Rand == nil {
		opts.Rand = defaultRand
	}
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	cfg := opts.Options.withDefaults()
	l := &Loop{
		opts:    opts,
		cfg:     cfg,
		builder: NewContextBuilder(cfg.Workspace, opts.Registry, cfg.SystemPrompt, cfg.HistoryLimit),
		sink:    opts.Sink,
		metrics: opts.Metrics,
	}
	if l.sink == nil {
		l.sink = bus.Nop{}
	}
	if l.metrics == nil {
		l.metrics = nopMetrics{}
	}
	return l
}

// run is the per-request state of Loop.Run.
type run struct {
	ac *Context
	// base is the elapsed time carried over from a checkpoint.
	base    time.Duration
	started time.Time
}

// Run executes a request to completion. It never returns an error: failures
// are reported in the Result outcome.
func (l *Loop) Run(ctx context.Context, req Request) Result {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	now := l.opts.Now()
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	if req.SessionID == "" {
		req.SessionID = req.ConversationID
	}
	ac := &Context{
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		Request:        req.Text,
		History:        append([]Message(nil), req.History...),
		Started:        now,
	}
	ac.AddMessage(RoleUser, req.Text, now)
	l.loadSession(ac.SessionID)

	r := &run{ac: ac, started: now}
	slog.Info("Agent loop started", "conversation", ac.ConversationID)
	return l.drive(ctx, r, func(st Status) (Status, []Effect) {
		return l.step(r, st, Start{})
	}, NewStatus())
}

// Resume continues a loop from its last checkpoint.
func (l *Loop) Resume(ctx context.Context, conversationID string) (Result, error) {
	if l.opts.Checkpoints == nil {
		return Result{}, errors.New("no checkpoint store configured")
	}
	cp, err := l.opts.Checkpoints.LoadCheckpoint(conversationID)
	if err != nil {
		return Result{}, err
	}
	var st Status
	if err := json.Unmarshal(cp.Status, &st); err != nil {
		return Result{}, fmt.Errorf("decode checkpoint status: %w", err)
	}
	ac := &Context{}
	if err := json.Unmarshal(cp.Context, ac); err != nil {
		return Result{}, fmt.Errorf("decode checkpoint context: %w", err)
	}

	l.runMu.Lock()
	defer l.runMu.Unlock()

	r := &run{ac: ac, base: st.Elapsed, started: l.opts.Now()}
	ac.Started = r.started.Add(-st.Elapsed)
	if st.State.Terminal() {
		return l.result(r, st), nil
	}
	l.loadSession(ac.SessionID)
	slog.Info("Agent loop resumed", "conversation", ac.ConversationID, "state", st.State, "iteration", st.Iteration)
	return l.drive(ctx, r, func(st Status) (Status, []Effect) {
		next, effects := Resume(st)
		l.emit(r, bus.Event{Type: bus.StateChanged, State: string(next.State), Iteration: next.Iteration,
			Payload: map[string]any{"resumed": true}})
		return next, effects
	}, st), nil
}

// Cancel stops the running request. A generation in flight is cancelled at
// the engine; no further tool runs.
func (l *Loop) Cancel() {
	l.cancelled.Store(true)
	l.mu.Lock()
	cancel, genID := l.cancel, l.genID
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if genID != "" && l.opts.Engine != nil {
		l.opts.Engine.Cancel(genID)
	}
}

func (l *Loop) loadSession(sessionID string) {
	if l.opts.Policy == nil {
		return
	}
	if err := l.opts.Policy.LoadSession(sessionID); err != nil {
		slog.Warn("Session exceptions load failed", "session", sessionID, "error", err)
	}
}

func (l *Loop) drive(parent context.Context, r *run, begin func(Status) (Status, []Effect), st Status) Result {
	remaining := l.cfg.Limits.MaxDuration - r.base
	ctx, cancel := context.WithTimeout(parent, remaining)
	defer cancel()

	l.cancelled.Store(false)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancel = nil
		l.genID = ""
		l.mu.Unlock()
	}()

	l.metrics.LoopStarted()
	st, queue := begin(st)
	for len(queue) > 0 {
		eff := queue[0]
		queue = queue[1:]

		var ev Event
		if _, finish := eff.(Finish); !finish && ctx.Err() != nil {
			ev = l.stopEvent(ctx)
		} else {
			ev = l.perform(ctx, r, st, eff)
		}
		if ev == nil {
			continue
		}
		var next []Effect
		st, next = l.step(r, st, ev)
		queue = append(queue, next...)
	}
	if !st.State.Terminal() {
		// The machine always asks for an effect outside Completed.
		st, _ = l.step(r, st, Fail{Reason: ReasonInvalidTransition, Detail: "no effect to run"})
		l.finish(r, st)
	}
	return l.result(r, st)
}

// step applies one event and records the transition.
func (l *Loop) step(r *run, st Status, ev Event) (Status, []Effect) {
	st.Elapsed = r.base + l.opts.Now().Sub(r.started)
	prev := st.State
	next, effects := Transition(l.cfg.Limits, st, ev)
	r.ac.Iteration = next.Iteration
	r.ac.ConsecutiveErrors = next.ConsecutiveErrors
	if _, starting := ev.(Start); starting || next.State != prev {
		slog.Debug("agent transition", "conversation", r.ac.ConversationID, "from", prev, "to", next.State, "event", fmt.Sprintf("%T", ev))
		l.emit(r, bus.Event{Type: bus.StateChanged, State: string(next.State), Iteration: next.Iteration})
	}
	l.checkpoint(r, next)
	return next, effects
}

func (l *Loop) checkpoint(r *run, st Status) {
	if l.opts.Checkpoints == nil {
		return
	}
	status, err := json.Marshal(st)
	if err != nil {
		slog.Debug("checkpoint status encode failed", "error", err)
		return
	}
	ctxJSON, err := json.Marshal(r.ac)
	if err != nil {
		slog.Debug("checkpoint context encode failed", "error", err)
		return
	}
	cp := timeline.Checkpoint{
		ConversationID: r.ac.ConversationID,
		State:          string(st.State),
		Status:         status,
		Context:        ctxJSON,
		UpdatedAt:      l.opts.Now(),
	}
	if err := l.opts.Checkpoints.SaveCheckpoint(cp); err != nil {
		slog.Warn("Checkpoint save failed", "conversation", r.ac.ConversationID, "error", err)
	}
}

func (l *Loop) emit(r *run, e bus.Event) {
	e.ConversationID = r.ac.ConversationID
	if e.Time.IsZero() {
		e.Time = l.opts.Now()
	}
	l.sink.Emit(context.Background(), bus.Stamp(e))
}

// stopEvent maps a done run context to Cancel, or to a limit failure when
// the loop deadline passed.
func (l *Loop) stopEvent(ctx context.Context) Event {
	if !l.cancelled.Load() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Fail{Reason: ReasonLimitExceeded, Detail: fmt.Sprintf("loop exceeded %s", l.cfg.Limits.MaxDuration)}
	}
	return Cancel{}
}

func (l *Loop) perform(ctx context.Context, r *run, st Status, eff Effect) Event {
	switch e := eff.(type) {
	case Analyze:
		multi := r.ac.Plan != nil
		if !multi && l.opts.Planner != nil {
			multi = l.opts.Planner.NeedsPlan(r.ac.Request)
		}
		return Analyzed{MultiStep: multi}
	case Plan:
		return l.plan(ctx, r)
	case Generate:
		return l.think(ctx, r, st)
	case CheckPermission:
		return l.checkPermission(r, e.Call)
	case AwaitApproval:
		return l.awaitApproval(ctx, r, st, e)
	case Dispatch:
		return l.dispatch(ctx, r, st, e.Call)
	case Observe:
		l.observe(r, e.Obs)
		return ToolFinished{Obs: e.Obs}
	case Reflect:
		return l.reflect(r, e.Obs)
	case Respond:
		return l.respond(ctx, r, e.Text)
	case Finish:
		l.finish(r, st)
		return nil
	}
	return Fail{Reason: ReasonInvalidTransition, Detail: fmt.Sprintf("unknown effect %T", eff)}
}

func (l *Loop) plan(ctx context.Context, r *run) Event {
	if r.ac.Plan != nil || l.opts.Planner == nil {
		return Planned{}
	}
	p, err := l.opts.Planner.Build(ctx, completer{l: l, r: r}, r.ac.Request, l.opts.Registry.Names())
	if err != nil {
		if ctx.Err() != nil {
			return l.stopEvent(ctx)
		}
		slog.Warn("Planning failed", "error", err)
		return Planned{}
	}
	r.ac.Plan = p
	slog.Info("Plan created", "conversation", r.ac.ConversationID, "steps", p.Len())
	return Planned{}
}

func (l *Loop) think(ctx context.Context, r *run, st Status) Event {
	if st.Iteration > 0 && l.cfg.MinIterationDelay > 0 {
		if err := l.opts.Sleep(ctx, l.cfg.MinIterationDelay); err != nil {
			return l.stopEvent(ctx)
		}
	}
	if r.ac.Plan != nil {
		if step, ok := r.ac.Plan.Next(); ok && step.Status == planning.StatusPending {
			_ = r.ac.Plan.Start(step.ID)
		}
	}
	text, err := l.generate(ctx, r, st, l.builder.BuildPrompt(r.ac))
	if err != nil {
		return l.generationFailed(ctx, err)
	}
	r.ac.AddMessage(RoleAssistant, strings.TrimSpace(text), l.opts.Now())
	if call, ok := ParseToolCall(text); ok {
		return ModelReplied{Call: &call}
	}
	return ModelReplied{Final: strings.TrimSpace(text)}
}

func (l *Loop) generationFailed(ctx context.Context, err error) Event {
	if ctx.Err() != nil || l.cancelled.Load() {
		return l.stopEvent(ctx)
	}
	if errors.Is(err, inference.ErrCancelled) {
		return Fail{Reason: ReasonGenerationFailed, Detail: "generation timed out"}
	}
	return Fail{Reason: ReasonGenerationFailed, Detail: err.Error()}
}

// generate runs one generation and streams its tokens as events.
func (l *Loop) generate(ctx context.Context, r *run, st Status, prompt string) (string, error) {
	if l.opts.Engine == nil {
		return "", errors.New("no inference engine configured")
	}
	genCtx, cancel := ctx, context.CancelFunc(func() {})
	if l.cfg.GenerationTimeout > 0 {
		genCtx, cancel = context.WithTimeout(ctx, l.cfg.GenerationTimeout)
	}
	defer cancel()

	id := uuid.NewString()
	l.mu.Lock()
	l.genID = id
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.genID = ""
		l.mu.Unlock()
	}()

	stream, err := l.opts.Engine.Generate(genCtx, inference.Request{ID: id, Prompt: prompt, Params: l.cfg.Generation})
	if err != nil {
		return "", err
	}
	text, stats, err := stream.Collect(func(tok string) {
		l.metrics.TokenStreamed()
		l.emit(r, bus.Event{Type: bus.TokenStreamed, State: string(st.State), Iteration: st.Iteration, Fragment: tok})
	})
	if err != nil {
		return text, err
	}
	slog.Debug("generation finished", "conversation", r.ac.ConversationID, "tokens", stats.Tokens,
		"tok_s", stats.TokensPerSecond(), "stop", stats.StopReason)
	return text, nil
}

func (l *Loop) checkPermission(r *run, call ToolCall) Event {
	tool, ok := l.opts.Registry.Get(call.Tool)
	if !ok {
		// Dispatch reports the unknown tool back to the model.
		return PermissionResolved{Outcome: policy.OutcomeAllow, Reason: "unknown_tool"}
	}
	if l.opts.Policy == nil {
		return PermissionResolved{Outcome: policy.OutcomeAllow, Reason: "no_policy"}
	}
	level, _ := l.opts.Registry.LevelOf(call.Tool)
	v := l.opts.Policy.Check(policy.Request{
		SessionID:  r.ac.SessionID,
		Tool:       call.Tool,
		Level:      level,
		Capability: tools.ToolCapability(tool, level),
		Internal:   tools.IsInternal(tool),
		Params:     call.Params,
	})
	if v.Outcome == policy.OutcomeDeny {
		slog.Warn("Tool denied by policy", "tool", call.Tool, "reason", v.Reason)
	}
	return PermissionResolved{Outcome: v.Outcome, Reason: v.Reason}
}

func (l *Loop) awaitApproval(ctx context.Context, r *run, st Status, e AwaitApproval) Event {
	if l.opts.Approvals == nil {
		return UserDecided{Decision: policy.Deny, Reason: "no approval channel"}
	}
	level, _ := l.opts.Registry.LevelOf(e.Call.Tool)
	id := l.opts.Approvals.Create(approval.Request{
		ConversationID: r.ac.ConversationID,
		Tool:           e.Call.Tool,
		Level:          level,
		Params:         e.Call.Params,
	})
	target := policy.Target(e.Call.Params)
	l.emit(r, bus.Event{
		Type:      bus.ApprovalRequested,
		State:     string(st.State),
		Iteration: st.Iteration,
		Tool:      e.Call.Tool,
		Payload: map[string]any{
			"approval_id": id,
			"level":       level.String(),
			"target":      target,
			"reason":      e.Reason,
		},
	})

	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if l.cfg.ApprovalTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, l.cfg.ApprovalTimeout)
	}
	defer cancel()

	d, err := l.opts.Approvals.Wait(waitCtx, id)
	reason := ""
	status := string(d)
	if err != nil {
		if ctx.Err() != nil {
			return l.stopEvent(ctx)
		}
		slog.Warn("Approval wait failed", "id", id, "error", err)
		d, reason, status = policy.Deny, "approval timed out", "timeout"
	}
	if l.opts.Policy != nil {
		l.opts.Policy.Decide(r.ac.SessionID, e.Call.Tool, d)
	}
	l.metrics.ApprovalDecided(status)
	l.emit(r, bus.Event{
		Type:      bus.ApprovalResolved,
		State:     string(st.State),
		Iteration: st.Iteration,
		Tool:      e.Call.Tool,
		Outcome:   status,
		Payload:   map[string]any{"approval_id": id},
	})
	return UserDecided{Decision: d, Reason: reason}
}

func (l *Loop) dispatch(ctx context.Context, r *run, st Status, call ToolCall) Event {
	l.emit(r, bus.Event{
		Type:      bus.ToolStarted,
		State:     string(st.State),
		Iteration: st.Iteration,
		Tool:      call.Tool,
		Payload:   map[string]any{"target": policy.Target(call.Params)},
	})
	start := l.opts.Now()
	obs := l.execute(ctx, r, call)
	if ctx.Err() != nil {
		return l.stopEvent(ctx)
	}
	d := l.opts.Now().Sub(start)

	status := "success"
	if obs.Failed {
		status = obs.Kind
	}
	l.metrics.ToolExecuted(call.Tool, status, d)
	l.emit(r, bus.Event{
		Type:      bus.ToolCompleted,
		State:     string(st.State),
		Iteration: st.Iteration,
		Tool:      call.Tool,
		Outcome:   status,
		Payload: map[string]any{
			"attempts":    obs.Attempts,
			"duration_ms": d.Milliseconds(),
		},
	})
	l.observe(r, obs)
	return ToolFinished{Obs: obs}
}

// execute runs a call through the registry, retrying transient failures.
func (l *Loop) execute(ctx context.Context, r *run, call ToolCall) Observation {
	if r.ac.Plan == nil && call.Tool == "todo_write" {
		r.ac.Plan = planning.NewPlan(r.ac.Request, nil)
	}
	toolCtx := ctx
	if r.ac.Plan != nil {
		toolCtx = planning.WithPlan(ctx, r.ac.Plan)
	}

	obs := Observation{Tool: call.Tool, Params: call.Params}
	for attempt := 1; ; attempt++ {
		obs.Attempts = attempt
		tctx, cancel := context.WithTimeout(toolCtx, l.cfg.ToolTimeout)
		res, err := l.opts.Registry.Execute(tctx, call.Tool, call.Params)
		cancel()
		if err == nil {
			obs.Output = res.Output
			obs.Failed = res.IsError
			if res.IsError {
				obs.Kind = string(tools.KindExecutionFailed)
			}
			return obs
		}

		te, ok := tools.AsToolError(err)
		if !ok {
			te = &tools.ToolError{Kind: tools.KindExecutionFailed, Tool: call.Tool, Cause: err}
		}
		te.Attempts = attempt
		obs.Failed = true
		obs.Kind = string(te.Kind)
		obs.Output = te.Error()
		if res.Output != "" {
			obs.Output = res.Output + "\n" + obs.Output
		}
		if ctx.Err() != nil || !te.Transient() || attempt > l.cfg.MaxRetries {
			return obs
		}
		delay := l.cfg.Retry.Delay(attempt, l.opts.Rand())
		slog.Debug("retrying tool", "tool", call.Tool, "attempt", attempt, "delay", delay, "error", err)
		if err := l.opts.Sleep(ctx, delay); err != nil {
			return obs
		}
	}
}

func (l *Loop) observe(r *run, obs Observation) {
	r.ac.AddObservation(obs, l.cfg.MaxObservationChars, l.opts.Now())
}

func (l *Loop) reflect(r *run, obs Observation) Event {
	ac := r.ac
	if obs.Tool != "" {
		switch {
		case !obs.Failed:
			ac.ConsecutiveErrors = 0
		case !obs.Denied:
			ac.ConsecutiveErrors++
		}
		l.advancePlan(ac, obs)
	}
	verdict := Continue
	if ac.Plan != nil && ac.Plan.Len() > 0 && ac.Plan.IsComplete() {
		verdict = Satisfied
	}
	return Reflected{Verdict: verdict, ConsecutiveErrors: ac.ConsecutiveErrors}
}

// advancePlan marks the current step done after a successful call. Internal
// tools manage the plan themselves.
func (l *Loop) advancePlan(ac *Context, obs Observation) {
	if ac.Plan == nil || obs.Failed {
		return
	}
	if t, ok := l.opts.Registry.Get(obs.Tool); ok && tools.IsInternal(t) {
		return
	}
	if step, ok := ac.Plan.Next(); ok {
		_ = ac.Plan.Complete(step.ID, truncateWithEllipsis(firstLine(obs.Output), 200))
	}
}

func (l *Loop) respond(ctx context.Context, r *run, text string) Event {
	ac := r.ac
	if text == "" {
		out, err := l.generate(ctx, r, Status{State: StateResponding, Iteration: ac.Iteration}, l.builder.BuildFinalPrompt(ac))
		switch {
		case err != nil && ctx.Err() != nil:
			return l.stopEvent(ctx)
		case err != nil:
			slog.Warn("Final answer generation failed, using summary", "error", err)
			text = ac.Summary()
		default:
			text = strings.TrimSpace(out)
			if text == "" {
				text = ac.Summary()
			}
		}
		ac.AddMessage(RoleAssistant, text, l.opts.Now())
	}
	ac.Final = text
	return Responded{Text: text}
}

func (l *Loop) finish(r *run, st Status) {
	o := Outcome{Kind: OutcomeFailure, Reason: ReasonInvalidTransition}
	if st.Outcome != nil {
		o = *st.Outcome
	}
	if o.Kind != OutcomeSuccess && r.ac.Plan != nil {
		if step, ok := r.ac.Plan.Next(); ok && step.Status == planning.StatusInProgress {
			_ = r.ac.Plan.Fail(step.ID, o.String())
		}
		l.checkpoint(r, st)
	}
	l.metrics.LoopFinished(string(o.Kind), string(o.Reason))
	payload := map[string]any{"reason": string(o.Reason)}
	if o.Detail != "" {
		payload["detail"] = o.Detail
	}
	if r.ac.Final != "" {
		payload["text"] = r.ac.Final
	}
	l.emit(r, bus.Event{Type: bus.LoopCompleted, State: string(st.State), Iteration: st.Iteration,
		Outcome: string(o.Kind), Payload: payload})
	slog.Info("Agent loop finished", "conversation", r.ac.ConversationID, "outcome", o.String(), "iterations", st.Iteration)
}

func (l *Loop) result(r *run, st Status) Result {
	res := Result{
		ConversationID: r.ac.ConversationID,
		Text:           r.ac.Final,
		Iterations:     st.Iteration,
		Elapsed:        st.Elapsed,
	}
	if st.Outcome != nil {
		res.Outcome = *st.Outcome
	}
	if r.ac.Plan != nil {
		snap := r.ac.Plan.Snapshot()
		res.Plan = &snap
	}
	return res
}

// completer adapts the loop's generation path to planning.Completer.
type completer struct {
	l *Loop
	r *run
}

func (c completer) Complete(ctx context.Context, prompt string) (string, error) {
	return c.l.generate(ctx, c.r, Status{State: StatePlanning}, prompt)
}
