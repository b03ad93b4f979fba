// Package journal persists bus events to a local SQLite database so a
// session can be inspected or replayed offline. It is a debugging
// surface: the core never reads the journal during normal operation.
//
// Uses SQLite with WAL mode for concurrent read access while the
// recorder writes.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/keel/internal/bus"
	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/token"
)

//go:embed schema.sql
var schemaSQL string

// Entry is one journaled event.
type Entry struct {
	Seq         int64          `json:"seq"`
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Domain      string         `json:"domain,omitempty"`
	Source      string         `json:"source,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
	Fingerprint string         `json:"fingerprint"`
}

// Journal is an append-only event log backed by SQLite.
type Journal struct {
	db  *sql.DB
	gen token.Generator
}

// Open creates or opens the journal database at path. Idempotent;
// applies pragmas and schema on every open.
func Open(path string, gen token.Generator) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}

	if gen == nil {
		gen = token.UUIDv7Generator{}
	}
	return &Journal{db: db, gen: gen}, nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append writes one event. The payload is serialized to canonical
// JSON and fingerprinted, so byte-identical payloads journal
// identically across sessions. Duplicate ids are silently ignored.
func (j *Journal) Append(ctx context.Context, ev bus.Event) error {
	payload, err := canon.Marshal(toCanonical(ev.Payload))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	fp, err := canon.Fingerprint(toCanonical(ev.Payload))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO events (id, type, domain, source, ts, payload, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		j.gen.Generate(),
		ev.Type,
		ev.Domain,
		ev.Source,
		ts.UTC().Format(time.RFC3339Nano),
		string(payload),
		fp,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events returns all journaled events in append order. typeFilter
// narrows to one event type when non-empty.
func (j *Journal) Events(ctx context.Context, typeFilter string) ([]Entry, error) {
	query := `SELECT seq, id, type, domain, source, ts, payload, fingerprint FROM events`
	args := []any{}
	if typeFilter != "" {
		query += ` WHERE type = ?`
		args = append(args, typeFilter)
	}
	query += ` ORDER BY seq`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts, payload string
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &e.Domain, &e.Source, &ts, &payload, &e.Fingerprint); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse journal timestamp: %w", err)
		}
		if payload != "null" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode journal payload: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count reports the number of journaled events.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal: %w", err)
	}
	return n, nil
}

// Replay re-emits every journaled event onto b, in append order.
func (j *Journal) Replay(ctx context.Context, b *bus.Bus) (int, error) {
	entries, err := j.Events(ctx, "")
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		b.Emit(bus.Event{
			Type:      e.Type,
			Domain:    e.Domain,
			Source:    e.Source,
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
		})
	}
	return len(entries), nil
}

// Record subscribes the journal to every event on b and returns the
// unsubscribe function. Append failures are logged, never propagated:
// journaling must not disturb the event flow it observes.
func (j *Journal) Record(ctx context.Context, b *bus.Bus) func() {
	return b.On(bus.Wildcard, func(ev bus.Event) {
		if err := j.Append(ctx, ev); err != nil {
			slog.Warn("journal append failed", "type", ev.Type, "error", err)
		}
	})
}

// toCanonical widens a payload map for canonical serialization.
func toCanonical(m map[string]any) any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = widen(v)
	}
	return out
}

func widen(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case map[string]any:
		return toCanonical(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = widen(e)
		}
		return out
	default:
		return v
	}
}
