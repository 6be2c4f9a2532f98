// Package timeline persists agent history in sqlite: events, approvals,
// always-allow exceptions and loop checkpoints.
package timeline

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/KafClaw/localclaw/internal/approval"
	"github.com/KafClaw/localclaw/internal/bus"
	"github.com/KafClaw/localclaw/internal/tools"
)

var ErrNoCheckpoint = errors.New("no checkpoint")

type Service struct {
	db *sql.DB
}

func NewService(dbPath string) (*Service, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create timeline dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migrations for databases created before these columns existed.
	_, _ = db.Exec(`ALTER TABLE approvals ADD COLUMN target TEXT DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE events ADD COLUMN outcome TEXT DEFAULT ''`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON checkpoints(updated_at)`)

	return &Service{db: db}, nil
}

func (s *Service) Close() error {
	return s.db.Close()
}

// AddEvent stores an agent event. Events with an ID already stored are ignored.
func (s *Service) AddEvent(e bus.Event) error {
	e = bus.Stamp(e)
	payload := ""
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		payload = string(b)
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO events
		(event_id, event_type, conversation_id, state, iteration, tool, outcome, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.ConversationID, e.State, e.Iteration, e.Tool, e.Outcome, payload, e.Time.UTC())
	return err
}

// Events returns the events of a conversation, oldest first. A limit <= 0 returns all.
func (s *Service) Events(conversationID string, limit int) ([]EventRecord, error) {
	query := `SELECT id, COALESCE(event_id,''), event_type, conversation_id, COALESCE(state,''),
		COALESCE(iteration,0), COALESCE(tool,''), COALESCE(outcome,''), COALESCE(payload,''), timestamp
		FROM events WHERE conversation_id = ? ORDER BY timestamp ASC, id ASC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		var payload string
		if err := rows.Scan(&r.ID, &r.EventID, &r.Type, &r.ConversationID, &r.State,
			&r.Iteration, &r.Tool, &r.Outcome, &payload, &r.Timestamp); err != nil {
			return nil, err
		}
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &r.Payload)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Conversations lists the conversations with stored events, most recent first.
func (s *Service) Conversations(limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT e.conversation_id, COUNT(*), MIN(e.timestamp), MAX(e.timestamp),
		COALESCE((SELECT state FROM events l WHERE l.conversation_id = e.conversation_id AND l.state != ''
			ORDER BY l.timestamp DESC, l.id DESC LIMIT 1), '')
		FROM events e GROUP BY e.conversation_id ORDER BY MAX(e.timestamp) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var c ConversationSummary
		var first, last sqliteTime
		if err := rows.Scan(&c.ConversationID, &c.Events, &first, &last, &c.LastState); err != nil {
			return nil, err
		}
		c.FirstSeen, c.LastSeen = first.Time, last.Time
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertApproval persists a new approval request.
func (s *Service) InsertApproval(req approval.Request) error {
	params := ""
	if len(req.Params) > 0 {
		b, err := json.Marshal(req.Params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		params = string(b)
	}
	status := req.Status
	if status == "" {
		status = approval.StatusPending
	}
	created := req.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO approvals
		(approval_id, conversation_id, tool, level, params, target, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ConversationID, req.Tool, req.Level.String(), params, req.Target, status, created.UTC())
	return err
}

// UpdateApprovalStatus updates the status and decided_at timestamp.
func (s *Service) UpdateApprovalStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE approvals SET status = ?, decided_at = ? WHERE approval_id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", approval.ErrNotFound, id)
	}
	return nil
}

// DecidePending records a decision for an approval that is still pending.
// A second decision returns approval.ErrAlreadyDecided.
func (s *Service) DecidePending(id, status string) error {
	res, err := s.db.Exec(`UPDATE approvals SET status = ?, decided_at = ? WHERE approval_id = ? AND status = 'pending'`,
		status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Approval(id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", approval.ErrAlreadyDecided, id)
}

// ApprovalStatus returns the persisted status of an approval.
func (s *Service) ApprovalStatus(id string) (string, error) {
	var status string
	err := s.db.QueryRow(`SELECT status FROM approvals WHERE approval_id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", approval.ErrNotFound, id)
	}
	return status, err
}

// PendingApprovals returns all approval requests with status 'pending', oldest first.
func (s *Service) PendingApprovals() ([]approval.Request, error) {
	recs, err := s.approvals(`WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	out := make([]approval.Request, 0, len(recs))
	for _, r := range recs {
		req := approval.Request{
			ID:             r.ApprovalID,
			ConversationID: r.ConversationID,
			Tool:           r.Tool,
			Target:         r.Target,
			Status:         r.Status,
			CreatedAt:      r.CreatedAt,
		}
		if lvl, err := tools.ParseLevel(r.Level); err == nil {
			req.Level = lvl
		}
		if r.Params != "" {
			_ = json.Unmarshal([]byte(r.Params), &req.Params)
		}
		out = append(out, req)
	}
	return out, nil
}

// Approval returns one approval record.
func (s *Service) Approval(id string) (*ApprovalRecord, error) {
	recs, err := s.approvals(`WHERE approval_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", approval.ErrNotFound, id)
	}
	return &recs[0], nil
}

// ApprovalsByConversation returns the approvals raised by one conversation.
func (s *Service) ApprovalsByConversation(conversationID string) ([]ApprovalRecord, error) {
	return s.approvals(`WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
}

func (s *Service) approvals(where string, args ...interface{}) ([]ApprovalRecord, error) {
	rows, err := s.db.Query(`SELECT approval_id, COALESCE(conversation_id,''), tool, level,
		COALESCE(params,''), COALESCE(target,''), status, created_at, decided_at
		FROM approvals `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		var r ApprovalRecord
		var decidedAt sql.NullTime
		if err := rows.Scan(&r.ApprovalID, &r.ConversationID, &r.Tool, &r.Level,
			&r.Params, &r.Target, &r.Status, &r.CreatedAt, &decidedAt); err != nil {
			return nil, err
		}
		if decidedAt.Valid {
			r.DecidedAt = &decidedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertSessionException records an always-allow exception. Duplicates are ignored.
func (s *Service) InsertSessionException(sessionID, tool string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO session_exceptions (session_id, tool) VALUES (?, ?)`,
		sessionID, tool)
	return err
}

// DeleteSessionExceptions drops every exception of a session.
func (s *Service) DeleteSessionExceptions(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM session_exceptions WHERE session_id = ?`, sessionID)
	return err
}

// SessionExceptions returns the tools always allowed in a session, sorted.
func (s *Service) SessionExceptions(sessionID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT tool FROM session_exceptions WHERE session_id = ? ORDER BY tool`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tool string
		if err := rows.Scan(&tool); err != nil {
			return nil, err
		}
		out = append(out, tool)
	}
	return out, rows.Err()
}

// SaveCheckpoint inserts or replaces the checkpoint of a conversation.
func (s *Service) SaveCheckpoint(cp Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO checkpoints (conversation_id, state, status, context, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			state = excluded.state, status = excluded.status,
			context = excluded.context, updated_at = excluded.updated_at`,
		cp.ConversationID, cp.State, string(cp.Status), string(cp.Context), cp.UpdatedAt.UTC())
	return err
}

// LoadCheckpoint returns the checkpoint of a conversation, or ErrNoCheckpoint.
func (s *Service) LoadCheckpoint(conversationID string) (*Checkpoint, error) {
	cps, err := s.checkpoints(`WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, conversationID)
	}
	return &cps[0], nil
}

// DeleteCheckpoint removes the checkpoint of a conversation.
func (s *Service) DeleteCheckpoint(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE conversation_id = ?`, conversationID)
	return err
}

// Checkpoints lists checkpoints not in the given terminal state, oldest first.
func (s *Service) Checkpoints(excludeState string) ([]Checkpoint, error) {
	return s.checkpoints(`WHERE state != ? ORDER BY updated_at ASC`, excludeState)
}

func (s *Service) checkpoints(where string, args ...interface{}) ([]Checkpoint, error) {
	rows, err := s.db.Query(`SELECT conversation_id, state, status, context, updated_at FROM checkpoints `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var status, ctx string
		if err := rows.Scan(&cp.ConversationID, &cp.State, &status, &ctx, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		cp.Status = json.RawMessage(status)
		cp.Context = json.RawMessage(ctx)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// sqliteTime scans aggregate timestamps, which sqlite returns as text.
type sqliteTime struct {
	Time time.Time
}

var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func (t *sqliteTime) Scan(v interface{}) error {
	switch x := v.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = x
		return nil
	case []byte:
		return t.parse(string(x))
	case string:
		return t.parse(x)
	}
	return fmt.Errorf("unsupported time value %T", v)
}

func (t *sqliteTime) parse(s string) error {
	for _, layout := range sqliteTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			t.Time = ts
			return nil
		}
	}
	return fmt.Errorf("parse time %q", s)
}
