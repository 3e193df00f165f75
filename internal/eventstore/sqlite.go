package eventstore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists events using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens or creates the journal.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, wrap(ErrDatabaseOpenFailed, err)
	}
	// One connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, wrap(ErrInitializeSchemaFailed, err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS build_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		owner TEXT NOT NULL,
		status TEXT NOT NULL,
		stage TEXT,
		progress INTEGER NOT NULL,
		message TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_build_events_build_id ON build_events(build_id);
	CREATE INDEX IF NOT EXISTS idx_build_events_timestamp ON build_events(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append adds an event and returns it with its assigned id.
func (s *SQLiteStore) Append(ctx context.Context, e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO build_events (build_id, kind, owner, status, stage, progress, message, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		e.BuildID, e.Kind, e.Owner, e.Status, e.Stage, e.Progress, e.Message, e.Timestamp.UnixMilli(),
	)
	if err != nil {
		return Event{}, wrap(ErrEventAppendFailed, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return e, nil
}

// ByBuildID returns the events of one build in insertion order.
func (s *SQLiteStore) ByBuildID(ctx context.Context, buildID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, build_id, kind, owner, status, stage, progress, message, timestamp FROM build_events WHERE build_id = ? ORDER BY id",
		buildID,
	)
	if err != nil {
		return nil, wrap(ErrEventQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// DeleteBuild drops the journal of one build.
func (s *SQLiteStore) DeleteBuild(ctx context.Context, buildID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM build_events WHERE build_id = ?", buildID)
	if err != nil {
		return 0, wrap(ErrEventDeleteFailed, err)
	}
	return res.RowsAffected()
}

// PurgeBefore drops every event older than cutoff.
func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM build_events WHERE timestamp < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, wrap(ErrEventDeleteFailed, err)
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var stage, message sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.BuildID, &e.Kind, &e.Owner, &e.Status, &stage, &e.Progress, &message, &ts); err != nil {
			return nil, wrap(ErrEventQueryFailed, err)
		}
		e.Stage = stage.String
		e.Message = message.String
		e.Timestamp = time.UnixMilli(ts).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(ErrEventQueryFailed, err)
	}
	return events, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
