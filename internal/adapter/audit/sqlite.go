// Package audit persists audit events in SQLite.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"relaybot/internal/domain"
	"relaybot/internal/infra/tracer"
)

// tsLayout is fixed width so that timestamps order lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteLogger implements domain.AuditLogger and domain.AuditReader.
type SQLiteLogger struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the audit database at path and runs the schema
// migration. Parent directories are created with 0700.
func Open(path string) (*SQLiteLogger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, domain.NewDomainError("audit.Open", domain.ErrAuditWrite, err.Error())
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// One writer keeps the append order equal to the commit order.
	db.SetMaxOpenConns(1)
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &SQLiteLogger{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			id        TEXT NOT NULL UNIQUE,
			ts        TEXT NOT NULL,
			type      TEXT NOT NULL,
			actor     TEXT NOT NULL DEFAULT '',
			action    TEXT NOT NULL DEFAULT '',
			path      TEXT NOT NULL DEFAULT '',
			outcome   TEXT NOT NULL DEFAULT '',
			prev_hash TEXT NOT NULL DEFAULT '',
			new_hash  TEXT NOT NULL DEFAULT '',
			detail    TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS audit_events_ts ON audit_events (ts);
	`)
	return err
}

// Log appends event. Missing ids and timestamps are filled in. The hash pair
// of config writes is lifted from Detail into its own columns.
func (l *SQLiteLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	detail := make(map[string]string, len(event.Detail))
	for k, v := range event.Detail {
		detail[k] = v
	}
	prevHash, newHash := detail["prev_hash"], detail["new_hash"]
	delete(detail, "prev_hash")
	delete(detail, "new_hash")
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return domain.NewDomainError("SQLiteLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	l.mu.Lock()
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, ts, type, actor, action, path, outcome, prev_hash, new_hash, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UTC().Format(tsLayout), string(event.Type),
		event.Actor, event.Action, event.Resource, event.Outcome,
		prevHash, newHash, string(detailJSON),
	)
	l.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("SQLiteLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(event.Detail)+1)
		attrs = append(attrs, tracer.StringAttr("audit.actor", event.Actor))
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// Query returns events matching f, oldest first.
func (l *SQLiteLogger) Query(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(tsLayout))
	}
	q := "SELECT id, ts, type, actor, action, path, outcome, prev_hash, new_hash, detail FROM audit_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events := []domain.AuditEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than maxAge and returns how many were removed.
func (l *SQLiteLogger) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge).UTC().Format(tsLayout)
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.ExecContext(ctx, "DELETE FROM audit_events WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database connection.
func (l *SQLiteLogger) Close() error {
	return l.db.Close()
}

func scanEvent(rows *sql.Rows) (domain.AuditEvent, error) {
	var (
		e                  domain.AuditEvent
		ts, typ, detailStr string
		prevHash, newHash  string
	)
	if err := rows.Scan(&e.ID, &ts, &typ, &e.Actor, &e.Action, &e.Resource, &e.Outcome, &prevHash, &newHash, &detailStr); err != nil {
		return e, err
	}
	e.Type = domain.AuditEventType(typ)
	e.Timestamp, _ = time.Parse(tsLayout, ts)
	if err := json.Unmarshal([]byte(detailStr), &e.Detail); err != nil {
		return e, fmt.Errorf("unmarshal audit detail: %w", err)
	}
	if e.Detail == nil {
		e.Detail = map[string]string{}
	}
	if prevHash != "" {
		e.Detail["prev_hash"] = prevHash
	}
	if newHash != "" {
		e.Detail["new_hash"] = newHash
	}
	return e, nil
}
