// Package events records provider and webhook events as JSON log lines and
// keeps them in SQLite so a session can be traced after the fact.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aimessages/aimessages/internal/invoke"
)

// Event types.
const (
	TypeImageCreate       = "image_create"
	TypeImageEdit         = "image_edit"
	TypeImageEditWithMask = "image_edit_with_mask"
	TypeImageVariation    = "image_variation"
	TypeDoodle            = "doodle"
	TypeTextEdit          = "text_edit"
	TypeChatCompletion    = "chat_completion"
	TypeCompletion        = "completion"
	TypeIncomingWebhook   = "incoming_webhook"
	TypeMessageAuth       = "message_auth"
	TypeSendMessage       = "send_message"
	TypeStoreQuery        = "store_query"
	TypeStorageUpload     = "storage_upload"
	TypePublication       = "publication"
)

// Statuses beyond the invoke ones.
const (
	StatusRequested = invoke.StatusRequested
	StatusReceived  = "received"
	StatusRetrying  = invoke.StatusRetrying
	StatusCompleted = invoke.StatusCompleted
	StatusFailed    = invoke.StatusFailed
)

// Entry is one recorded event.
type Entry struct {
	ID        int64     `json:"-"`
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id"`
	UID       string    `json:"uid,omitempty"`
	Type      string    `json:"event_type,omitempty"`
	Provider  string    `json:"event_provider,omitempty"`
	Status    string    `json:"event_status,omitempty"`
	HTTPType  int       `json:"http_type,omitempty"`
	HTTPInfo  string    `json:"http_info,omitempty"`
	NumSteps  int       `json:"num_steps,omitempty"`
}

// Recorder writes entries. A nil *Recorder discards everything.
type Recorder struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite event log at path.
func Open(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating events directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening events db at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging events db at %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			uid TEXT,
			event_type TEXT,
			event_provider TEXT,
			event_status TEXT,
			http_type INTEGER,
			http_info TEXT,
			num_steps INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating events schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.db.Close()
}

// Record logs e as one JSON line and stores it. Missing session fields are
// filled from ctx. Storage failures are logged, never returned.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	uid, session := FromContext(ctx)
	if e.SessionID == "" {
		e.SessionID = session
	}
	if e.UID == "" {
		e.UID = uid
	}

	if line, err := json.Marshal(e); err == nil {
		log.Printf("events: %s", line)
	}

	_, err := r.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO events (at, session_id, uid, event_type, event_provider, event_status, http_type, http_info, num_steps)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.UnixMilli(), e.SessionID, e.UID, e.Type, e.Provider, e.Status, e.HTTPType, e.HTTPInfo, e.NumSteps,
	)
	if err != nil {
		log.Printf("events: storing %s/%s: %v", e.Type, e.Status, err)
	}
}

// Observe records invoke call events; it makes a Recorder an invoke.Observer.
func (r *Recorder) Observe(ctx context.Context, ev invoke.Event) {
	if r == nil {
		return
	}
	e := Entry{
		Type:     ev.Operation,
		Provider: ev.Provider,
		Status:   ev.Status,
		HTTPType: ev.Code,
	}
	switch ev.Status {
	case invoke.StatusCompleted:
		e.HTTPType = 200
	case invoke.StatusRetrying:
		e.HTTPInfo = fmt.Sprintf("attempt %d, retry in %s", ev.Attempt+1, ev.Delay)
	case invoke.StatusFailed:
		if ev.Err != nil {
			e.HTTPInfo = ev.Err.Error()
		}
	}
	r.Record(ctx, e)
}

// Recent returns the last limit entries of a session, oldest first.
func (r *Recorder) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if r == nil {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, at, session_id, uid, event_type, event_provider, event_status, http_type, http_info, num_steps
		 FROM (SELECT * FROM events WHERE session_id = ? ORDER BY id DESC LIMIT ?) ORDER BY id`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			at int64
		)
		if err := rows.Scan(&e.ID, &at, &e.SessionID, &e.UID, &e.Type, &e.Provider, &e.Status, &e.HTTPType, &e.HTTPInfo, &e.NumSteps); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

type ctxKey struct{}

type identity struct {
	uid, session string
}

// WithSession attaches the user and session ids that Record falls back to.
func WithSession(ctx context.Context, uid, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, identity{uid: uid, session: sessionID})
}

// FromContext returns the ids attached by WithSession.
func FromContext(ctx context.Context) (uid, sessionID string) {
	id, _ := ctx.Value(ctxKey{}).(identity)
	return id.uid, id.session
}
