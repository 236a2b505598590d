package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/spmtrack/idgen"
	"github.com/hazyhaar/spmtrack/tracker"
)

const schema = `
CREATE TABLE IF NOT EXISTS tracking_events (
    id          TEXT PRIMARY KEY,
    received_at INTEGER NOT NULL,
    event_time  INTEGER NOT NULL DEFAULT 0,
    transport   TEXT NOT NULL DEFAULT '',
    session_id  TEXT NOT NULL DEFAULT '',
    category    TEXT NOT NULL DEFAULT '',
    trigger_name TEXT NOT NULL DEFAULT '',
    spm         TEXT NOT NULL DEFAULT '',
    page_url    TEXT NOT NULL DEFAULT '',
    error_type  TEXT NOT NULL DEFAULT '',
    message     TEXT NOT NULL DEFAULT '',
    element_text TEXT NOT NULL DEFAULT '',
    client_ip   TEXT NOT NULL DEFAULT '',
    user_agent  TEXT NOT NULL DEFAULT '',
    payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tracking_session ON tracking_events(session_id, event_time);
CREATE INDEX IF NOT EXISTS idx_tracking_spm ON tracking_events(spm) WHERE spm != '';
`

// Record is one stored event.
type Record struct {
	ID          string          `json:"id"`
	ReceivedAt  int64           `json:"received_at"`
	EventTime   int64           `json:"event_time"`
	Transport   string          `json:"transport"`
	SessionID   string          `json:"session_id"`
	Category    string          `json:"category"`
	Trigger     string          `json:"trigger"`
	Spm         string          `json:"spm"`
	PageURL     string          `json:"page_url"`
	ErrorType   string          `json:"error_type,omitempty"`
	Message     string          `json:"message,omitempty"`
	ElementText string          `json:"element_text,omitempty"`
	ClientIP    string          `json:"client_ip"`
	UserAgent   string          `json:"user_agent"`
	Payload     json.RawMessage `json:"payload"`
}

// Meta describes the request events arrived with.
type Meta struct {
	Transport string
	ClientIP  string
	UserAgent string
}

// Store persists events in SQLite.
type Store struct {
	db     *sql.DB
	policy *bluemonday.Policy
	now    func() time.Time
}

// OpenStore opens (creating if needed) the SQLite database at path.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("collector: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("collector: open: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore applies pragmas and schema to db.
func NewStore(db *sql.DB) (*Store, error) {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("collector: %s: %w", p, err)
		}
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("collector: schema: %w", err)
		}
	}
	return &Store{db: db, policy: bluemonday.StrictPolicy(), now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Insert stores every raw event in one transaction and returns how many
// were written.
func (s *Store) Insert(ctx context.Context, raws []json.RawMessage, meta Meta) (int, error) {
	if len(raws) == 0 {
		return 0, nil
	}
	recs := make([]Record, 0, len(raws))
	received := s.now().UnixMilli()
	for i, raw := range raws {
		var ev tracker.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return 0, fmt.Errorf("collector: event %d: %w", i, err)
		}
		recs = append(recs, s.record(ev, raw, meta, received))
	}

	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO tracking_events
			(id, received_at, event_time, transport, session_id, category, trigger_name, spm,
			 page_url, error_type, message, element_text, client_ip, user_agent, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range recs {
			if _, err := stmt.ExecContext(ctx, r.ID, r.ReceivedAt, r.EventTime, r.Transport,
				r.SessionID, r.Category, r.Trigger, r.Spm, r.PageURL, r.ErrorType, r.Message,
				r.ElementText, r.ClientIP, r.UserAgent, string(r.Payload)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("collector: insert: %w", err)
	}
	return len(recs), nil
}

func (s *Store) record(ev tracker.Event, raw json.RawMessage, meta Meta, received int64) Record {
	clean := s.policy.Sanitize
	r := Record{
		ID:         idgen.New(),
		ReceivedAt: received,
		EventTime:  ev.Timestamp,
		Transport:  meta.Transport,
		SessionID:  clean(ev.SessionID),
		Category:   clean(string(ev.Category)),
		Trigger:    clean(string(ev.Trigger)),
		Spm:        clean(ev.Spm),
		PageURL:    clean(ev.URL),
		ClientIP:   meta.ClientIP,
		UserAgent:  clean(meta.UserAgent),
		Payload:    raw,
	}
	if ev.ErrorInfo != nil {
		r.ErrorType = clean(string(ev.Type))
		r.Message = clean(ev.Message)
	}
	if ev.Element != nil {
		r.ElementText = clean(ev.Element.Text)
	}
	return r
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracking_events`).Scan(&n)
	return n, err
}

// Recent returns the latest events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, received_at, event_time, transport, session_id, category, trigger_name, spm,
		        page_url, error_type, message, element_text, client_ip, user_agent, payload
		 FROM tracking_events ORDER BY received_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var payload string
		if err := rows.Scan(&r.ID, &r.ReceivedAt, &r.EventTime, &r.Transport, &r.SessionID,
			&r.Category, &r.Trigger, &r.Spm, &r.PageURL, &r.ErrorType, &r.Message,
			&r.ElementText, &r.ClientIP, &r.UserAgent, &payload); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}
