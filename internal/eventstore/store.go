package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one decode lifecycle entry.
type Event struct {
	ID        int64
	WorkerID  string
	RequestID string
	TraceID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store is the SQLite-backed decode journal.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. Ephemeral retention
// yields a store that accepts and discards every write.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "decode-journal"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("decode journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("decode journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS workers (
    worker_id TEXT PRIMARY KEY,
    role TEXT,
    model TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS decode_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    worker_id TEXT NOT NULL,
    request_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(worker_id) REFERENCES workers(worker_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_decode_events_request ON decode_events(request_id, id);
CREATE INDEX IF NOT EXISTS idx_decode_events_worker_created ON decode_events(worker_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// RegisterWorker ensures a worker row exists. Events reference it.
func (s *Store) RegisterWorker(ctx context.Context, workerID, role, model string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers(worker_id, role, model, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(worker_id) DO UPDATE SET role=excluded.role, model=excluded.model, updated_at=excluded.updated_at`,
		workerID, role, model, s.clock().UTC(), s.clock().UTC())
	return err
}

// AppendEvent writes an event into the journal.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.WorkerID == "" || evt.RequestID == "" {
		return errors.New("event requires worker and request ids")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decode_events(worker_id, request_id, trace_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.WorkerID, evt.RequestID, evt.TraceID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ListRequestEvents returns the lifecycle of one request in insertion order.
func (s *Store) ListRequestEvents(ctx context.Context, requestID string) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	return s.query(ctx,
		`SELECT id, worker_id, request_id, trace_id, event_type, payload, created_at
		 FROM decode_events WHERE request_id = ? ORDER BY id ASC`, requestID)
}

// ListWorkerEvents retrieves up to limit events for a worker ordered ascending by time.
func (s *Store) ListWorkerEvents(ctx context.Context, workerID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT id, worker_id, request_id, trace_id, event_type, payload, created_at
		 FROM decode_events WHERE worker_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, workerID, limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var trace sql.NullString
		var created any
		if err := rows.Scan(&e.ID, &e.WorkerID, &e.RequestID, &trace, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.TraceID = trace.String
		e.CreatedAt = parseTimestamp(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
	case []byte:
		return parseTimestamp(string(t))
	}
	return time.Time{}
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM decode_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM workers WHERE updated_at < ?
			AND NOT EXISTS (SELECT 1 FROM decode_events e WHERE e.worker_id = workers.worker_id)`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxWorkers > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM workers WHERE worker_id IN (
			SELECT worker_id FROM workers ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxWorkers)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure verifies an ephemeral journal holds no database handle.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
