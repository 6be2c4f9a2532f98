// Package inference runs a local language model behind a single worker
// goroutine. The worker exclusively owns the backend model and context; every
// other goroutine talks to it through queued commands.
package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Options configure an Engine.
type Options struct {
	QueueSize    int
	StreamBuffer int
	ContextSize  int
	GPULayers    int
	Threads      int
	// MemoryBudget in bytes; 0 uses the memory available on the host.
	MemoryBudget uint64
	// VRAMBudget in bytes for offloaded layers; 0 asks nvidia-smi when
	// GPULayers is set. Unknown accelerator memory skips the device check.
	VRAMBudget   uint64
	Observer     Observer
}

// Observer receives engine measurements. The metrics package implements it.
type Observer interface {
	QueueDepth(n int)
	GenerationFinished(status string, d time.Duration)
}

// LoadedModelInfo describes the model currently held by the worker.
type LoadedModelInfo struct {
	Path           string    `json:"path"`
	Name           string    `json:"name"`
	Architecture   string    `json:"architecture"`
	ParameterCount uint64    `json:"parameter_count"`
	ContextSize    int       `json:"context_size"`
	FileSize       int64     `json:"file_size"`
	MemoryEstimate uint64    `json:"memory_estimate"`
	DeviceEstimate uint64    `json:"device_estimate,omitempty"`
	FileType       uint64    `json:"file_type"`
	LoadedAt       time.Time `json:"loaded_at"`
}

type session struct {
	model Model
	ctx   Context
	info  LoadedModelInfo
}

type command interface {
	op() string
	// kind is used when servicing the command panics.
	kind() ErrorKind
	fail(err error)
}

type genCmd struct {
	ctx    context.Context
	req    Request
	stream *Stream
}

func (c *genCmd) op() string      { return "generate" }
func (c *genCmd) kind() ErrorKind { return KindGenerationFailed }
func (c *genCmd) fail(err error)  { c.stream.finish(Message{Kind: MessageError, Err: err}) }

type loadResult struct {
	info *LoadedModelInfo
	err  error
}

type loadCmd struct {
	path  string
	reply chan loadResult
}

func (c *loadCmd) op() string      { return "load" }
func (c *loadCmd) kind() ErrorKind { return KindLoadFailed }
func (c *loadCmd) fail(err error) {
	select {
	case c.reply <- loadResult{err: err}:
	default:
	}
}

type controlCmd struct {
	name  string
	reply chan error
}

func (c *controlCmd) op() string      { return c.name }
func (c *controlCmd) kind() ErrorKind { return KindGenerationFailed }
func (c *controlCmd) fail(err error) {
	select {
	case c.reply <- err:
	default:
	}
}

// Engine serialises every model operation on one worker goroutine.
// Requests are serviced strictly in submission order, one at a time.
type Engine struct {
	backend Backend
	opts    Options
	cmds    chan command
	done    chan struct{}
	closing atomic.Bool

	mu      sync.Mutex
	dead    bool
	closed  bool
	cause   error
	cancels map[string]context.CancelFunc
	info    *LoadedModelInfo

	// owned by the worker goroutine
	sess *session
}

// New starts an engine worker for backend.
func New(backend Backend, opts Options) *Engine {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 64
	}
	if opts.ContextSize <= 0 {
		opts.ContextSize = 4096
	}
	e := &Engine{
		backend: backend,
		opts:    opts,
		cmds:    make(chan command, opts.QueueSize),
		done:    make(chan struct{}),
		cancels: make(map[string]context.CancelFunc),
	}
	go e.run()
	return e
}

func (e *Engine) submit(c command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return engineErr(KindWorkerUnavailable, c.op(), e.cause)
	}
	if e.closed {
		return ErrEngineClosed
	}
	select {
	case e.cmds <- c:
		if e.opts.Observer != nil {
			e.opts.Observer.QueueDepth(len(e.cmds))
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// LoadModel validates and loads the model at path, replacing any loaded model.
// A failed load leaves the engine usable.
func (e *Engine) LoadModel(ctx context.Context, path string) (*LoadedModelInfo, error) {
	c := &loadCmd{path: path, reply: make(chan loadResult, 1)}
	if err := e.submit(c); err != nil {
		return nil, err
	}
	select {
	case r := <-c.reply:
		return r.info, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Generate queues a request and returns its stream. The request is cancelled
// when ctx is done or Cancel is called with its ID.
func (e *Engine) Generate(ctx context.Context, req Request) (*Stream, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	rctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if _, dup := e.cancels[req.ID]; dup {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("duplicate request id %s", req.ID)
	}
	e.cancels[req.ID] = cancel
	e.mu.Unlock()

	c := &genCmd{ctx: rctx, req: req, stream: newStream(req.ID, e.opts.StreamBuffer)}
	if err := e.submit(c); err != nil {
		e.unregister(req.ID)
		return nil, err
	}
	return c.stream, nil
}

// Cancel cancels one queued or running request. It reports whether the
// request was known.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	delete(e.cancels, id)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// ClearCache clears the KV cache of the loaded context. It is a no-op without
// a model and safe to repeat.
func (e *Engine) ClearCache(ctx context.Context) error {
	return e.control(ctx, "clear_cache")
}

// Unload releases the context and then the model.
func (e *Engine) Unload(ctx context.Context) error {
	return e.control(ctx, "unload")
}

func (e *Engine) control(ctx context.Context, name string) error {
	c := &controlCmd{name: name, reply: make(chan error, 1)}
	if err := e.submit(c); err != nil {
		return err
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns the loaded model, or nil.
func (e *Engine) Info() *LoadedModelInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.info == nil {
		return nil
	}
	info := *e.info
	return &info
}

// Alive reports whether the worker is still running.
func (e *Engine) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.dead && !e.closed
}

// Close fails queued requests with ErrEngineClosed, unloads the model and
// stops the worker.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		e.closing.Store(true)
		close(e.cmds)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for c := range e.cmds {
		if e.opts.Observer != nil {
			e.opts.Observer.QueueDepth(len(e.cmds))
		}
		if fatal := e.handle(c); fatal != nil {
			e.die(fatal)
			return
		}
	}
	e.releaseSession()
	slog.Info("inference worker stopped")
}

// handle services one command. It returns a non-nil error only when the
// worker must stop.
func (e *Engine) handle(c command) (fatal error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("panic: %v", r)
		}
		slog.Error("inference command panicked", "op", c.op(), "error", err)
		if IsFatal(err) {
			c.fail(engineErr(KindWorkerUnavailable, c.op(), err))
			fatal = err
			return
		}
		c.fail(engineErr(c.kind(), c.op(), err))
	}()

	if e.closing.Load() {
		c.fail(ErrEngineClosed)
		if g, ok := c.(*genCmd); ok {
			e.unregister(g.req.ID)
		}
		return nil
	}

	switch c := c.(type) {
	case *genCmd:
		return e.generate(c)
	case *loadCmd:
		info, err := e.load(c.path)
		if IsFatal(err) {
			c.fail(engineErr(KindWorkerUnavailable, c.op(), err))
			return err
		}
		c.reply <- loadResult{info: info, err: err}
	case *controlCmd:
		switch c.name {
		case "clear_cache":
			if e.sess != nil {
				e.sess.ctx.ClearCache()
			}
		case "unload":
			e.releaseSession()
		}
		c.reply <- nil
	}
	return nil
}

func (e *Engine) load(path string) (*LoadedModelInfo, error) {
	meta, err := ReadMetadata(path)
	if err != nil {
		return nil, err
	}

	ctxSize := e.opts.ContextSize
	if meta.ContextLength > 0 && uint64(ctxSize) > meta.ContextLength {
		ctxSize = int(meta.ContextLength)
	}
	vram := e.opts.VRAMBudget
	if vram == 0 && e.opts.GPULayers != 0 {
		vram = detectVRAM()
	}
	if vram > 0 {
		if fit := DeviceContextSize(meta, e.opts.GPULayers, vram, ctxSize); fit < ctxSize {
			slog.Info("context clamped to fit accelerator memory", "requested", ctxSize, "context", fit, "vram", FormatBytes(vram))
			ctxSize = fit
		}
	}
	est := EstimateSplit(meta, ctxSize, e.opts.GPULayers)
	if vram > 0 && (ctxSize <= 0 || est.Device > vram) {
		return nil, engineErr(KindInsufficientMemory, "load",
			fmt.Errorf("%s offloads about %s, accelerator budget is %s", path, FormatBytes(est.Device), FormatBytes(vram)))
	}
	need := est.Host
	budget := e.opts.MemoryBudget
	if budget == 0 {
		budget = AvailableMemory()
		if budget > 0 && e.sess != nil {
			budget = addSat(budget, e.sess.info.MemoryEstimate)
		}
	}
	if budget > 0 && need > budget {
		return nil, engineErr(KindInsufficientMemory, "load",
			fmt.Errorf("%s needs about %s, budget is %s", path, FormatBytes(need), FormatBytes(budget)))
	}

	e.releaseSession()

	model, err := e.backend.Load(path, meta, LoadOptions{
		ContextSize: ctxSize,
		GPULayers:   e.opts.GPULayers,
		Threads:     e.opts.Threads,
	})
	if err != nil {
		if IsFatal(err) {
			return nil, err
		}
		return nil, engineErr(KindLoadFailed, "load", err)
	}
	mctx, err := model.NewContext(ctxSize)
	if err != nil {
		model.Release()
		if IsFatal(err) {
			return nil, err
		}
		return nil, engineErr(KindLoadFailed, "create context", err)
	}

	info := LoadedModelInfo{
		Path:           path,
		Name:           meta.Name,
		Architecture:   meta.Architecture,
		ParameterCount: meta.ParameterCount,
		ContextSize:    ctxSize,
		FileSize:       meta.FileSize,
		MemoryEstimate: need,
		DeviceEstimate: est.Device,
		FileType:       meta.FileType,
		LoadedAt:       time.Now(),
	}
	e.sess = &session{model: model, ctx: mctx, info: info}
	e.mu.Lock()
	e.info = &info
	e.mu.Unlock()

	slog.Info("model loaded", "path", path, "arch", meta.Architecture, "params", meta.ParameterCount,
		"ctx", ctxSize, "memory", FormatBytes(need))
	out := info
	return &out, nil
}

// releaseSession frees the context strictly before the model.
func (e *Engine) releaseSession() {
	s := e.sess
	if s == nil {
		return
	}
	e.sess = nil
	e.mu.Lock()
	e.info = nil
	e.mu.Unlock()

	s.ctx.Release()
	s.model.Release()
	slog.Info("model unloaded", "path", s.info.Path)
}

func (e *Engine) generate(c *genCmd) error {
	defer e.unregister(c.req.ID)
	start := time.Now()
	status := "error"
	defer func() {
		if e.opts.Observer != nil {
			e.opts.Observer.GenerationFinished(status, time.Since(start))
		}
	}()

	if c.ctx.Err() != nil {
		status = "cancelled"
		c.stream.finish(Message{Kind: MessageCancelled})
		return nil
	}
	if e.sess == nil {
		c.fail(engineErr(KindGenerationFailed, "generate", ErrNoModel))
		return nil
	}
	if err := c.req.Params.Validate(); err != nil {
		c.fail(engineErr(KindGenerationFailed, "generate", err))
		return nil
	}

	mctx := e.sess.ctx
	mctx.ClearCache()
	if err := mctx.Start(c.req.Prompt, c.req.Params); err != nil {
		return e.generationError(c, err)
	}

	stats := Stats{StopReason: "stop"}
	for {
		if c.ctx.Err() != nil {
			abort(mctx)
			status = "cancelled"
			c.stream.finish(Message{Kind: MessageCancelled})
			return nil
		}
		if e.closing.Load() {
			abort(mctx)
			c.fail(ErrEngineClosed)
			return nil
		}
		if limit := c.req.Params.MaxTokens; limit > 0 && stats.Tokens >= limit {
			abort(mctx)
			stats.StopReason = "length"
			break
		}

		tok, err := mctx.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			abort(mctx)
			return e.generationError(c, err)
		}
		stats.Tokens++

		select {
		case c.stream.ch <- Message{Kind: MessageToken, Token: tok.Text}:
		case <-c.ctx.Done():
			abort(mctx)
			status = "cancelled"
			c.stream.finish(Message{Kind: MessageCancelled})
			return nil
		}
	}

	stats.Duration = time.Since(start)
	status = "ok"
	c.stream.finish(Message{Kind: MessageEnd, Stats: stats})
	slog.Debug("generation finished", "id", c.req.ID, "tokens", stats.Tokens,
		"duration_ms", stats.Duration.Milliseconds(), "stop", stats.StopReason)
	return nil
}

func (e *Engine) generationError(c *genCmd, err error) error {
	if IsFatal(err) {
		c.fail(engineErr(KindWorkerUnavailable, "generate", err))
		return err
	}
	c.fail(engineErr(KindGenerationFailed, "generate", err))
	return nil
}

func abort(c Context) {
	if a, ok := c.(Aborter); ok {
		a.Abort()
	}
}

// die marks the engine unusable and fails every queued command.
func (e *Engine) die(cause error) {
	slog.Error("inference worker terminated", "error", cause)

	e.mu.Lock()
	e.dead = true
	e.cause = cause
	e.mu.Unlock()

	for {
		select {
		case c, ok := <-e.cmds:
			if !ok {
				e.releaseAfterFault()
				return
			}
			c.fail(engineErr(KindWorkerUnavailable, c.op(), cause))
			if g, ok := c.(*genCmd); ok {
				e.unregister(g.req.ID)
			}
		default:
			e.releaseAfterFault()
			return
		}
	}
}

func (e *Engine) releaseAfterFault() {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("release after fault panicked", "panic", r)
		}
	}()
	e.releaseSession()
}
