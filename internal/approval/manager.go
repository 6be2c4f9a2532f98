// Package approval provides interactive approval gates for tool calls above the
// permission ceiling.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/localclaw/internal/policy"
	"github.com/KafClaw/localclaw/internal/tools"
)

var (
	ErrNotFound       = errors.New("no pending approval")
	ErrAlreadyDecided = errors.New("approval already decided")
)

// Status values persisted for an approval.
const (
	StatusPending   = "pending"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// StatusOf maps a decision to its persisted status.
func StatusOf(d policy.Decision) string {
	switch d {
	case policy.Approve:
		return "approved"
	case policy.AlwaysAllow:
		return "always_allow"
	}
	return "denied"
}

// DecisionOf maps a persisted status back to a decision. It reports false for
// statuses that are not decisions.
func DecisionOf(status string) (policy.Decision, bool) {
	switch status {
	case "approved":
		return policy.Approve, true
	case "always_allow":
		return policy.AlwaysAllow, true
	case "denied":
		return policy.Deny, true
	}
	return "", false
}

// Request represents a pending approval for a tool call.
type Request struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Tool           string         `json:"tool"`
	Level          tools.Level    `json:"level"`
	Params         map[string]any `json:"params"`
	Target         string         `json:"target"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Store persists approvals. The timeline service implements it.
type Store interface {
	InsertApproval(req Request) error
	UpdateApprovalStatus(id, status string) error
	PendingApprovals() ([]Request, error)
}

// StatusSource reads approval statuses recorded outside this process.
type StatusSource interface {
	ApprovalStatus(id string) (string, error)
}

// Notifier is told about every new request.
type Notifier func(req Request)

type pending struct {
	req     Request
	ch      chan policy.Decision
	decided bool
}

// Manager handles approval lifecycle: create, wait, respond.
type Manager struct {
	mu        sync.Mutex
	pending   map[string]*pending
	store     Store
	notifiers []Notifier
}

// NewManager creates an approval manager. Store may be nil.
// Pending approvals left in the store by a previous process are marked expired.
func NewManager(store Store) *Manager {
	m := &Manager{
		pending: make(map[string]*pending),
		store:   store,
	}
	m.expireStale()
	return m
}

func (m *Manager) expireStale() {
	if m.store == nil {
		return
	}
	stale, err := m.store.PendingApprovals()
	if err != nil {
		slog.Warn("load stale approvals failed", "error", err)
		return
	}
	for _, r := range stale {
		if err := m.store.UpdateApprovalStatus(r.ID, StatusExpired); err != nil {
			slog.Warn("expire approval failed", "id", r.ID, "error", err)
		}
	}
	if len(stale) > 0 {
		slog.Info("expired stale approvals", "count", len(stale))
	}
}

// OnRequest registers a notifier called synchronously from Create.
func (m *Manager) OnRequest(fn Notifier) {
	m.mu.Lock()
	m.notifiers = append(m.notifiers, fn)
	m.mu.Unlock()
}

// Create registers a new approval request and returns its ID.
func (m *Manager) Create(req Request) string {
	req.ID = uuid.NewString()
	req.Status = StatusPending
	req.CreatedAt = time.Now()
	if req.Target == "" {
		req.Target = policy.Target(req.Params)
	}

	m.mu.Lock()
	m.pending[req.ID] = &pending{req: req, ch: make(chan policy.Decision, 1)}
	notifiers := append([]Notifier(nil), m.notifiers...)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.InsertApproval(req); err != nil {
			slog.Warn("persist approval failed", "id", req.ID, "error", err)
		}
	}
	for _, fn := range notifiers {
		fn(req)
	}
	return req.ID
}

// Wait blocks until the approval is responded to or the context expires.
func (m *Manager) Wait(ctx context.Context, id string) (policy.Decision, error) {
	m.mu.Lock()
	p, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	select {
	case d := <-p.ch:
		m.cleanup(id)
		m.setStatus(id, StatusOf(d))
		return d, nil
	case <-ctx.Done():
		// A decision that raced the deadline still wins. Respond cannot
		// reach p once it is out of the map.
		m.cleanup(id)
		select {
		case d := <-p.ch:
			m.setStatus(id, StatusOf(d))
			return d, nil
		default:
		}
		status := StatusCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = StatusTimeout
		}
		m.setStatus(id, status)
		return "", ctx.Err()
	}
}

// Respond delivers a decision for a pending request.
func (m *Manager) Respond(id string, d policy.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.decided {
		return fmt.Errorf("%w: %s", ErrAlreadyDecided, id)
	}
	p.decided = true
	p.ch <- d
	return nil
}

// IsPending reports whether id still awaits a decision.
func (m *Manager) IsPending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	return ok && !p.decided
}

// Pending returns the undecided requests, oldest first.
func (m *Manager) Pending() []Request {
	m.mu.Lock()
	out := make([]Request, 0, len(m.pending))
	for _, p := range m.pending {
		if !p.decided {
			out = append(out, p.req)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) setStatus(id, status string) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateApprovalStatus(id, status); err != nil {
		slog.Warn("update approval status failed", "id", id, "status", status, "error", err)
	}
}

func (m *Manager) cleanup(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Watch polls src for decisions recorded by another process, such as the
// approvals command, and delivers them to waiting requests. It returns when
// ctx is done.
func (m *Manager) Watch(ctx context.Context, src StatusSource, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(src)
		}
	}
}

func (m *Manager) poll(src StatusSource) {
	for _, req := range m.Pending() {
		status, err := src.ApprovalStatus(req.ID)
		if err != nil {
			slog.Debug("poll approval status failed", "id", req.ID, "error", err)
			continue
		}
		d, ok := DecisionOf(status)
		if !ok {
			continue
		}
		if err := m.Respond(req.ID, d); err == nil {
			slog.Info("approval decided externally", "id", req.ID, "tool", req.Tool, "decision", d)
		}
	}
}
