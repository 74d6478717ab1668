// Package events is the bounded, channel-based event stream the core uses
// to surface address conflicts, session aborts, and DTC changes (spec §7),
// generalizing the teacher's dedicated dtcChan (cmd/agent-j1939/bus.go) into
// one typed event envelope shared by every component.
package events

import (
	"sync"
	"time"
)

// Kind identifies what happened.
type Kind string

const (
	KindAddressConflict  Kind = "address_conflict"
	KindSessionAbort     Kind = "session_abort"
	KindSessionExpired   Kind = "session_expired"
	KindDTCActiveChanged Kind = "dtc_active_changed"
	KindThrottle         Kind = "throttle"
	KindRestoreNormal    Kind = "restore_normal"
)

// Event is one record in the stream. Detail carries kind-specific data
// (e.g. AddressConflictDetail); callers type-assert on Kind.
type Event struct {
	Kind      Kind
	Time      time.Time
	Detail    any
}

type AddressConflictDetail struct {
	Address      uint8
	IncumbentID  uint64
	ChallengerID uint64
}

type SessionDetail struct {
	SourceAddress      uint8
	DestinationAddress uint8
	PGN                uint32
	BAM                bool
}

type DTCDetail struct {
	SourceAddress uint8
	Active        bool
}

// Recorder fans events out to bounded buffered channel(s). Subscribers that
// fail to keep up lose each new event that finds their channel full rather than block a
// producer holding a component lock (spec §5: handlers hold at most one
// lock and never block on an external call while holding it).
type Recorder struct {
	subsMu sync.Mutex
	subs   []chan Event
}

// NewRecorder returns an empty event recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Subscribe registers a new channel of the given buffer depth that receives
// every future event. Callers must keep draining it; a full channel simply
// drops the newest event for that subscriber rather than blocking Emit.
func (r *Recorder) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()
	return ch
}

// Emit fans the event out to every subscriber, never blocking.
func (r *Recorder) Emit(kind Kind, when time.Time, detail any) {
	ev := Event{Kind: kind, Time: when, Detail: detail}
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
