package timeline

import (
	"encoding/json"
	"time"
)

// Checkpoint is the persisted state of one agent loop. Status and Context are
// opaque JSON owned by the agent package.
type Checkpoint struct {
	ConversationID string          `json:"conversation_id"`
	State          string          `json:"state"`
	Status         json.RawMessage `json:"status"`
	Context        json.RawMessage `json:"context"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EventRecord is a stored agent event.
type EventRecord struct {
	ID             int64          `json:"id"`
	EventID        string         `json:"event_id"`
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	State          string         `json:"state,omitempty"`
	Iteration      int            `json:"iteration"`
	Tool           string         `json:"tool,omitempty"`
	Outcome        string         `json:"outcome,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ApprovalRecord is a stored approval request with its resolution time.
type ApprovalRecord struct {
	ApprovalID     string     `json:"approval_id"`
	ConversationID string     `json:"conversation_id"`
	Tool           string     `json:"tool"`
	Level          string     `json:"level"`
	Params         string     `json:"params"`
	Target         string     `json:"target"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
}

// ConversationSummary is one row of the conversation listing.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	Events         int       `json:"events"`
	LastState      string    `json:"last_state"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT UNIQUE,
	event_type TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	state TEXT DEFAULT '',
	iteration INTEGER DEFAULT 0,
	tool TEXT DEFAULT '',
	outcome TEXT DEFAULT '',
	payload TEXT DEFAULT '',
	timestamp DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_conversation ON events(conversation_id);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

CREATE TABLE IF NOT EXISTS approvals (
	approval_id TEXT PRIMARY KEY,
	conversation_id TEXT DEFAULT '',
	tool TEXT NOT NULL,
	level TEXT NOT NULL,
	params TEXT DEFAULT '',
	target TEXT DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL,
	decided_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);

CREATE TABLE IF NOT EXISTS session_exceptions (
	session_id TEXT NOT NULL,
	tool TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (session_id, tool)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	conversation_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	status TEXT NOT NULL,
	context TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`
