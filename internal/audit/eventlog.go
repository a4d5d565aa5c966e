// Package audit records attempt lifecycle events in an append-only log
// for the activity/audit subsystem to read.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Event types emitted by the engine.
const (
	TypeAttemptStarted   = "AttemptStarted"
	TypeAttemptSubmitted = "AttemptSubmitted"
	TypeAttemptFinalized = "AttemptFinalized"
	TypeAttemptRegraded  = "AttemptRegraded"
)

type Event struct {
	Offset    int64
	Type      string
	Key       string // attempt id
	DataJSON  string
	CreatedAt int64
}

// Recorder appends events. Implementations must never block the caller
// on failure; a lost audit event must not fail a student operation.
type Recorder interface {
	Record(ctx context.Context, typ, key string, data interface{})
}

// SQLLog appends to the event_log table.
type SQLLog struct{ db *sql.DB }

func NewSQLLog(db *sql.DB) *SQLLog { return &SQLLog{db: db} }

func (l *SQLLog) Record(ctx context.Context, typ, key string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO event_log (typ, key, data, created_at) VALUES ($1,$2,$3,$4)`,
		typ, key, string(payload), time.Now().Unix())
	if err != nil {
		log.Printf("audit: append %s for %s failed: %v", typ, key, err)
	}
}

// MemoryLog collects events for tests.
type MemoryLog struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (l *MemoryLog) Record(_ context.Context, typ, key string, data interface{}) {
	payload, _ := json.Marshal(data)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{
		Offset:    int64(len(l.events) + 1),
		Type:      typ,
		Key:       key,
		DataJSON:  string(payload),
		CreatedAt: time.Now().Unix(),
	})
}

func (l *MemoryLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}
