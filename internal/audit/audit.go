// Package audit records every gate-relevant event in an append-only log:
// stops, decisions, exits, executions, and bypass attempts. Events are never
// mutated or dropped after append.
package audit

import (
	"sync"
	"time"

	"github.com/kestrel-sec/actiongate/internal/action"
)

// EventKind tags an audit event.
type EventKind string

const (
	EventStop             EventKind = "STOP"
	EventExit             EventKind = "EXIT"
	EventApprove          EventKind = "APPROVE"
	EventExecuteOK        EventKind = "EXECUTE_OK"
	EventExecuteFail      EventKind = "EXECUTE_FAIL"
	EventBypassAttempt    EventKind = "BYPASS_ATTEMPT"
	EventSpuriousDecision EventKind = "SPURIOUS_DECISION"
)

// Event is one append-only audit record. Seq is a global monotonic sequence
// number assigned at append time, so ordering stays well-defined even under
// identical timestamps.
type Event struct {
	Seq         uint64
	Kind        EventKind
	Fingerprint action.Fingerprint
	Actor       string
	Timestamp   time.Time
	Reasons     []string
	Preview     string
	TokenID     string
	Error       string
}

// Sink persists events durably. Persist must not drop: when storage-bound it
// blocks the appender instead.
type Sink interface {
	Persist(event *Event)
	Close()
}

// Log is the in-process append-only event log. Appends are safe under
// concurrent writers; per-fingerprint history preserves append order.
type Log struct {
	mu   sync.Mutex
	seq  uint64
	byFP map[action.Fingerprint][]Event
	sink Sink
}

// NewLog creates a log forwarding each appended event to the sink.
func NewLog(sink Sink) *Log {
	return &Log{
		byFP: make(map[action.Fingerprint][]Event),
		sink: sink,
	}
}

// Append assigns the next sequence number, records the event, and forwards it
// to the sink. The sequence assignment and in-memory append happen under one
// lock, which is what keeps a fingerprint's history causally ordered.
func (l *Log) Append(event Event) Event {
	l.mu.Lock()
	l.seq++
	event.Seq = l.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.byFP[event.Fingerprint] = append(l.byFP[event.Fingerprint], event)
	l.mu.Unlock()

	if l.sink != nil {
		l.sink.Persist(&event)
	}
	return event
}

// History returns a copy of the fingerprint's event sequence in append order.
// The copy is finite and restartable: callers may iterate it any number of
// times without observing later appends.
func (l *Log) History(fp action.Fingerprint) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := l.byFP[fp]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}
