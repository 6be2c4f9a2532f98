package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/localclaw/internal/agent"
	"github.com/KafClaw/localclaw/internal/timeline"
)

// ErrActive is returned when a conversation id is already running.
var ErrActive = errors.New("conversation already running")

// CheckpointLister lists stored loop checkpoints.
type CheckpointLister interface {
	Checkpoints(excludeState string) ([]timeline.Checkpoint, error)
}

// Options configures a Manager.
type Options struct {
	// Loop is the template every conversation loop is built from.
	Loop agent.LoopOptions
	// MaxConcurrent bounds the loops running at once.
	MaxConcurrent int
	// ResultCacheSize bounds the finished results kept for Result.
	ResultCacheSize int
	// Store keeps chat transcripts for Send. Optional.
	Store *Store
	// HistoryLimit is how many earlier messages Send hands to the loop.
	HistoryLimit int
}

// Manager runs agent conversations. Each conversation gets its own loop; the
// loops share the engine, which serializes their generations.
type Manager struct {
	opts    Options
	sem     *Semaphore
	results *lru.Cache[string, agent.Result]

	mu     sync.Mutex
	active map[string]*conversation
}

type conversation struct {
	loop   *agent.Loop
	cancel context.CancelFunc
}

func (c *conversation) stop() {
	c.cancel()
	c.loop.Cancel()
}

// NewManager creates a manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.ResultCacheSize <= 0 {
		opts.ResultCacheSize = 128
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	cache, err := lru.New[string, agent.Result](opts.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("result cache: %w", err)
	}
	return &Manager{
		opts:    opts,
		sem:     NewSemaphore(opts.MaxConcurrent),
		results: cache,
		active:  make(map[string]*conversation),
	}, nil
}

// Run executes one request. It waits for a free slot; the error is non-nil
// only when no loop ran.
func (m *Manager) Run(ctx context.Context, req agent.Request) (agent.Result, error) {
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	return m.exec(ctx, req.ConversationID, func(ctx context.Context, l *agent.Loop) (agent.Result, error) {
		return l.Run(ctx, req), nil
	})
}

// Resume continues a conversation from its checkpoint.
func (m *Manager) Resume(ctx context.Context, conversationID string) (agent.Result, error) {
	return m.exec(ctx, conversationID, func(ctx context.Context, l *agent.Loop) (agent.Result, error) {
		return l.Resume(ctx, conversationID)
	})
}

func (m *Manager) exec(ctx context.Context, id string, fn func(context.Context, *agent.Loop) (agent.Result, error)) (agent.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := &conversation{loop: agent.NewLoop(m.opts.Loop), cancel: cancel}
	m.mu.Lock()
	if _, busy := m.active[id]; busy {
		m.mu.Unlock()
		return agent.Result{}, fmt.Errorf("%s: %w", id, ErrActive)
	}
	m.active[id] = c
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
	}()

	if !m.sem.TryAcquire() {
		slog.Debug("Conversation waiting for a slot", "conversation", id, "slots", m.sem.Cap())
		if err := m.sem.Acquire(ctx); err != nil {
			return agent.Result{}, err
		}
	}
	defer m.sem.Release()

	res, err := fn(ctx, c.loop)
	if err != nil {
		return res, err
	}
	m.results.Add(id, res)
	return res, nil
}

// Send runs a chat turn in a stored session: earlier turns are handed to the
// loop and the new exchange is appended to the transcript.
func (m *Manager) Send(ctx context.Context, sessionKey, text string) (agent.Result, error) {
	if m.opts.Store == nil {
		return m.Run(ctx, agent.Request{SessionID: sessionKey, Text: text})
	}
	s := m.opts.Store.GetOrCreate(sessionKey)
	res, err := m.Run(ctx, agent.Request{
		SessionID: sessionKey,
		Text:      text,
		History:   s.History(m.opts.HistoryLimit),
	})
	if err != nil {
		return res, err
	}
	s.AddMessage(agent.RoleUser, text)
	if res.Text != "" {
		s.AddMessage(agent.RoleAssistant, res.Text)
	}
	if err := m.opts.Store.Save(s); err != nil {
		slog.Warn("Session save failed", "session", sessionKey, "error", err)
	}
	return res, nil
}

// RunAll runs requests concurrently, bounded by the manager's slots. Results
// are returned in request order.
func (m *Manager) RunAll(ctx context.Context, reqs []agent.Request) ([]agent.Result, error) {
	out := make([]agent.Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := m.Run(gctx, req)
			out[i] = res
			return err
		})
	}
	return out, g.Wait()
}

// ResumeOpen resumes every conversation whose checkpoint is not terminal.
func (m *Manager) ResumeOpen(ctx context.Context, store CheckpointLister) ([]agent.Result, error) {
	cps, err := store.Checkpoints(string(agent.StateCompleted))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]agent.Result, len(cps))
	g, gctx := errgroup.WithContext(ctx)
	for i, cp := range cps {
		g.Go(func() error {
			res, err := m.Resume(gctx, cp.ConversationID)
			if err != nil {
				return fmt.Errorf("resume %s: %w", cp.ConversationID, err)
			}
			out[i] = res
			return nil
		})
	}
	return out, g.Wait()
}

// Cancel stops a running conversation. It reports whether one was found.
func (m *Manager) Cancel(conversationID string) bool {
	m.mu.Lock()
	c, ok := m.active[conversationID]
	m.mu.Unlock()
	if ok {
		c.stop()
	}
	return ok
}

// CancelAll stops every running conversation.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	convs := make([]*conversation, 0, len(m.active))
	for _, c := range m.active {
		convs = append(convs, c)
	}
	m.mu.Unlock()
	for _, c := range convs {
		c.stop()
	}
}

// Active returns the ids of running conversations, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Result returns a recently finished conversation's result.
func (m *Manager) Result(conversationID string) (agent.Result, bool) {
	return m.results.Get(conversationID)
}
