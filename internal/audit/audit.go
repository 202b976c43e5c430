// Package audit records the security-relevant events of this protocol's
// registration/login/reset flows to a SQL table, async and batched the
// way this codebase's ancestry logs security events, narrowed down to
// the handful of event types this protocol actually has.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// EventType classifies an audited event.
type EventType string

const (
	EventRegisterAttempt EventType = "register_attempt"
	EventRegisterSuccess EventType = "register_success"
	EventRegisterFailed  EventType = "register_failed"
	EventLoginAttempt    EventType = "login_attempt"
	EventLoginSuccess    EventType = "login_success"
	EventLoginFailed     EventType = "login_failed"
	EventLoginThrottled  EventType = "login_throttled"
	EventResetPeer       EventType = "reset_peer"
	EventResetServer     EventType = "reset_server"
)

// Event is a single audited occurrence.
type Event struct {
	ID        uuid.UUID
	Username  string
	EventType EventType
	Detail    string
	Timestamp time.Time
}

// Config tunes the async batch writer.
type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns sane defaults for a single relay process.
func DefaultConfig() *Config {
	return &Config{
		QueueSize:     1000,
		BatchSize:     50,
		FlushInterval: 2 * time.Second,
	}
}

// Logger batches events to the configured SQL table rather than blocking
// the connection goroutine that originates them on a network round trip.
type Logger struct {
	db       *sql.DB
	cfg      *Config
	queue    chan Event
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Open opens driverName (expected: "postgres" or "sqlite3") at dsn,
// ensures the audit_events table exists, and starts the background
// batch writer.
func Open(driverName, dsn string, cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", driverName, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("audit: ping %s: %w", driverName, err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("audit: create table: %w", err)
	}

	l := &Logger{
		db:       db,
		cfg:      cfg,
		queue:    make(chan Event, cfg.QueueSize),
		shutdown: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.batchWriter()
	return l, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	event_type TEXT NOT NULL,
	detail     TEXT NOT NULL,
	timestamp  TIMESTAMP NOT NULL
)`

// Log enqueues an event for the batch writer. It never blocks the caller
// on a full queue: an event dropped here is logged to stderr instead of
// stalling a connection goroutine over an audit trail write.
func (l *Logger) Log(username string, eventType EventType, detail string) {
	ev := Event{
		ID:        uuid.New(),
		Username:  username,
		EventType: eventType,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	select {
	case l.queue <- ev:
	default:
		log.Printf("audit: queue full, dropping event %s for %s", eventType, username)
	}
}

func (l *Logger) batchWriter() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, l.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.writeBatch(batch); err != nil {
			log.Printf("audit: write batch of %d failed: %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-l.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= l.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.shutdown:
			for ev := range l.queue {
				batch = append(batch, ev)
			}
			flush()
			return
		}
	}
}

func (l *Logger) writeBatch(batch []Event) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO audit_events (id, username, event_type, detail, timestamp) VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, ev := range batch {
		if _, err := stmt.Exec(ev.ID.String(), ev.Username, string(ev.EventType), ev.Detail, ev.Timestamp); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Shutdown flushes any queued events and waits up to timeout for the
// background writer to finish.
func (l *Logger) Shutdown(timeout time.Duration) error {
	close(l.queue)
	close(l.shutdown)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return l.db.Close()
	case <-time.After(timeout):
		return fmt.Errorf("audit: shutdown timed out after %v", timeout)
	}
}

// Recent returns the most recent events for username, newest first, used
// by operators investigating a login-throttle or reset complaint.
func (l *Logger) Recent(ctx context.Context, username string, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, username, event_type, detail, timestamp FROM audit_events WHERE username = $1 ORDER BY timestamp DESC LIMIT $2`,
		username, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var idStr, typeStr string
		if err := rows.Scan(&idStr, &ev.Username, &typeStr, &ev.Detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("audit: parse id: %w", err)
		}
		ev.ID = id
		ev.EventType = EventType(typeStr)
		out = append(out, ev)
	}
	return out, rows.Err()
}
