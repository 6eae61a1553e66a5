// Package postgres persists the outbound timeline to PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxloop/turnpipe/pkg/turnpipe"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS timeline_events (
	session_id TEXT NOT NULL,
	seq        BIGINT NOT NULL,
	turn_id    TEXT NOT NULL,
	event_type TEXT NOT NULL,
	text       TEXT NOT NULL DEFAULT '',
	err_kind   TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	phase      TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, seq)
)`

// Store implements turnpipe.ConversationStore against a PostgreSQL
// timeline_events table. Append never blocks the caller: it hands the
// event to a bounded queue drained by a single background goroutine,
// matching the interface's "Append MUST return immediately" contract.
type Store struct {
	pool   *pgxpool.Pool
	logger turnpipe.Logger
	queue  chan queuedEvent
	done   chan struct{}
}

type queuedEvent struct {
	sessionID uuid.UUID
	event     turnpipe.OutboundEvent
}

// NewStore connects to dsn, runs its migration, and starts the
// background writer. queueSize bounds how many events can be in flight
// before Append starts dropping newly appended events.
func NewStore(ctx context.Context, dsn string, queueSize int, logger turnpipe.Logger) (*Store, error) {
	if logger == nil {
		logger = turnpipe.NoOpLogger{}
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{
		pool:   pool,
		logger: logger,
		queue:  make(chan queuedEvent, queueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Append implements turnpipe.ConversationStore. When the queue is full
// the event is dropped rather than applying backpressure to the caller.
func (s *Store) Append(sessionID uuid.UUID, event turnpipe.OutboundEvent) {
	select {
	case s.queue <- queuedEvent{sessionID: sessionID, event: event}:
	default:
		s.logger.Warn("timeline event dropped, queue full", "sessionID", sessionID, "type", event.Type)
	}
}

func (s *Store) run() {
	defer close(s.done)
	for qe := range s.queue {
		s.write(qe)
	}
}

func (s *Store) write(qe queuedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e := qe.event
	recordedAt := e.TS
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	const q = `
		INSERT INTO timeline_events
		    (session_id, seq, turn_id, event_type, text, err_kind, detail, phase, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, seq) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		qe.sessionID.String(),
		e.Seq,
		e.TurnID.String(),
		string(e.Type),
		e.Text,
		string(e.Kind),
		e.Detail,
		e.Phase.String(),
		recordedAt,
	)
	if err != nil {
		s.logger.Error("timeline event write failed", "sessionID", qe.sessionID, "seq", e.Seq, "error", err)
	}
}

// Close drains the queue and releases the connection pool. It blocks
// until every already-queued event has been written or attempted.
func (s *Store) Close() error {
	close(s.queue)
	<-s.done
	s.pool.Close()
	return nil
}

// Recent returns the most recent events for sessionID, oldest first,
// for replaying a timeline to a reconnecting client.
func (s *Store) Recent(ctx context.Context, sessionID uuid.UUID, limit int) ([]turnpipe.OutboundEvent, error) {
	const q = `
		SELECT seq, turn_id, event_type, text, err_kind, detail, phase, recorded_at
		FROM   timeline_events
		WHERE  session_id = $1
		ORDER  BY seq DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query recent: %w", err)
	}
	defer rows.Close()

	var events []turnpipe.OutboundEvent
	for rows.Next() {
		var (
			turnID, evType, kind, phase string
			e                           turnpipe.OutboundEvent
		)
		if err := rows.Scan(&e.Seq, &turnID, &evType, &e.Text, &kind, &e.Detail, &phase, &e.TS); err != nil {
			return nil, fmt.Errorf("postgres store: scan recent: %w", err)
		}
		e.SessionID = sessionID
		e.TurnID, _ = uuid.Parse(turnID)
		e.Type = turnpipe.OutboundEventType(evType)
		e.Kind = turnpipe.ErrorKind(kind)
		e.Phase = turnpipe.ParsePhaseState(phase)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate recent: %w", err)
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
