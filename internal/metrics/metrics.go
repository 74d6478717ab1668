// Package metrics holds the process-wide atomic counters the core surfaces
// as its only externally observable failure signal (spec §7).
package metrics

import "sync/atomic"

// Counters is a flat set of lock-free counters shared across components.
// Each field corresponds to one error-taxonomy kind from spec §7.
type Counters struct {
	FramesMalformed       atomic.Int64
	FramesUnhandledPGN    atomic.Int64
	SPNExtractionFailures atomic.Int64
	SessionReorders       atomic.Int64
	SessionTimeouts       atomic.Int64
	SessionAborts         atomic.Int64
	AddressConflicts      atomic.Int64
	QueueOverflows        atomic.Int64
	SinkFailures          atomic.Int64
	BackpressureThrottles atomic.Int64
	MessagesExpired       atomic.Int64
	MessagesDropped       atomic.Int64
}

// Global is the process-wide counters instance. Components may also hold
// their own private Counters for testing; production wiring shares this one.
var Global = &Counters{}

// Snapshot is a point-in-time, race-free read of every counter.
type Snapshot struct {
	FramesMalformed       int64
	FramesUnhandledPGN    int64
	SPNExtractionFailures int64
	SessionReorders       int64
	SessionTimeouts       int64
	SessionAborts         int64
	AddressConflicts      int64
	QueueOverflows        int64
	SinkFailures          int64
	BackpressureThrottles int64
	MessagesExpired       int64
	MessagesDropped       int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		FramesMalformed:       c.FramesMalformed.Load(),
		FramesUnhandledPGN:    c.FramesUnhandledPGN.Load(),
		SPNExtractionFailures: c.SPNExtractionFailures.Load(),
		SessionReorders:       c.SessionReorders.Load(),
		SessionTimeouts:       c.SessionTimeouts.Load(),
		SessionAborts:         c.SessionAborts.Load(),
		AddressConflicts:      c.AddressConflicts.Load(),
		QueueOverflows:        c.QueueOverflows.Load(),
		SinkFailures:          c.SinkFailures.Load(),
		BackpressureThrottles: c.BackpressureThrottles.Load(),
		MessagesExpired:       c.MessagesExpired.Load(),
		MessagesDropped:       c.MessagesDropped.Load(),
	}
}
