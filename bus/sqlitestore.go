package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowsim/flowsim"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

const insertEventSQL = `
	INSERT INTO events
		(run_id, seq, kind, node_id, token_id, time_ns, step, elapsed_ns, payload, trace_id, span_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectEventColumns = `
	run_id, seq, kind, node_id, token_id, time_ns, step, elapsed_ns, payload, trace_id, span_id`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes events older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per run (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists simulation events to a SQLite database in WAL
// mode. Timestamps and elapsed durations are stored as integer nanoseconds
// so age-based pruning is a plain integer comparison. A background pruner
// runs while any retention setting is configured.
type SQLiteEventStore struct {
	db     *sql.DB
	insert *sql.Stmt
	cfg    SQLiteStoreConfig
	stop   chan struct{}
	done   chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: init: %w", err)
		}
	}

	insert, err := db.Prepare(insertEventSQL)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: prepare insert: %w", err)
	}

	s := &SQLiteEventStore{
		db:     db,
		insert: insert,
		cfg:    cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append stores one event. The payload is serialized to JSON; a nil payload
// is stored as an empty object so List never yields nil maps.
func (s *SQLiteEventStore) Append(ctx context.Context, event flowsim.Event) error {
	payloadJSON := []byte("{}")
	if len(event.Payload) > 0 {
		var err error
		payloadJSON, err = json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("sqlitestore: marshal payload: %w", err)
		}
	}

	if _, err := s.insert.ExecContext(ctx,
		event.RunID, event.Seq, string(event.Kind),
		event.NodeID, event.TokenID,
		event.Time.UnixNano(), event.Step, int64(event.Elapsed),
		string(payloadJSON), event.TraceID, event.SpanID,
	); err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns events for a run in seq order, skipping seqs at or below
// afterSeq. A positive limit caps the result.
func (s *SQLiteEventStore) List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]flowsim.Event, error) {
	query := "SELECT" + selectEventColumns + `
		FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	var events []flowsim.Event
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// LatestSeq returns the highest Seq for a run (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE run_id = ?`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- seq is always non-negative
}

// RunIDs returns the distinct run IDs present in the store, sorted.
func (s *SQLiteEventStore) RunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT run_id FROM events ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: run ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	_ = s.insert.Close()
	return s.db.Close()
}

// Prune runs one pruning pass: first by age, then by per-run count.
// Exported so callers (and tests) can prune on demand.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UnixNano()
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE time_ns < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		// Delete every event that has RetentionCount or more newer events
		// within the same run, keeping the most recent per run.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE id IN (
				SELECT e.id FROM events e
				WHERE (SELECT COUNT(*) FROM events newer
				       WHERE newer.run_id = e.run_id AND newer.seq > e.seq) >= ?
			)`, s.cfg.RetentionCount,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by count: %w", err)
		}
	}

	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

// scanEventRow rebuilds an event from one row of selectEventColumns.
func scanEventRow(rows *sql.Rows) (flowsim.Event, error) {
	var (
		e           flowsim.Event
		kind        string
		timeNano    int64
		elapsedNano int64
		payloadJSON string
	)
	if err := rows.Scan(
		&e.RunID, &e.Seq, &kind,
		&e.NodeID, &e.TokenID,
		&timeNano, &e.Step, &elapsedNano,
		&payloadJSON, &e.TraceID, &e.SpanID,
	); err != nil {
		return flowsim.Event{}, fmt.Errorf("sqlitestore: scan: %w", err)
	}

	e.Kind = flowsim.EventKind(kind)
	e.Time = time.Unix(0, timeNano)
	e.Elapsed = time.Duration(elapsedNano)
	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return flowsim.Event{}, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
	}
	return e, nil
}

// Compile-time interface check.
var _ EventStore = (*SQLiteEventStore)(nil)
