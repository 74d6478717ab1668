// Package msgqueue implements the Prioritized Message Queue: five
// priority classes, REAL_TIME/BATCH/ADAPTIVE/EMERGENCY processing modes,
// deadline expiration, and admission control with priority-based eviction
// (spec §4.5), grounded in
// afs_fastapi/equipment/message_queue_optimization.py's MessageQueue.
package msgqueue

import (
	"sync"
	"time"

	"github.com/afs-fleet/isobus-core/internal/codec"
	"github.com/afs-fleet/isobus-core/internal/metrics"
)

// Priority mirrors MessagePriority (spec §4.5); lower numeric value is
// more urgent, matching the Python enum's ordering.
type Priority int

const (
	PriorityCritical Priority = iota + 1
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

var priorityOrder = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground}

// Mode selects how the queue drains itself (spec §4.5).
type Mode int

const (
	ModeRealTime Mode = iota
	ModeBatch
	ModeAdaptive
	ModeEmergency
)

// OperationContext is the agricultural context influencing batching
// decisions (spec §4.5/§4.7).
type OperationContext int

const (
	ContextFieldWork OperationContext = iota
	ContextTransport
	ContextMaintenance
	ContextIdle
	ContextEmergency
)

// CongestionLevel mirrors congestion.Level without importing that
// package, keeping msgqueue a leaf dependency of codec only; the
// Protocol Manager translates between the two.
type CongestionLevel int

const (
	CongestionNormal CongestionLevel = iota
	CongestionModerate
	CongestionHigh
	CongestionCritical
)

// Message is one queued frame with its scheduling metadata (spec §3
// QueuedMessage).
type Message struct {
	Frame            codec.Frame
	Decoded          *codec.DecodedMessage // nil for frames with no sink-facing decode (e.g. control-plane PGNs)
	Priority         Priority
	Enqueued         time.Time
	SourceInterface  string
	OperationContext OperationContext
	Deadline         time.Time // zero means no deadline
	BatchEligible    bool
	SafetyCritical   bool
	RetryCount       int
	MaxRetries       int
}

// IsExpired reports whether the message's deadline has passed.
func (m Message) IsExpired(now time.Time) bool {
	return !m.Deadline.IsZero() && now.After(m.Deadline)
}

// IsSafetyCritical reports priority-or-flag safety criticality (spec
// §4.5 is_safety_critical).
func (m Message) IsSafetyCritical() bool {
	return m.Priority == PriorityCritical || m.SafetyCritical
}

// BatchConfig tunes batch accumulation (spec §4.5 BatchConfiguration).
type BatchConfig struct {
	MaxBatchSize     int
	MaxBatchAge      time.Duration
	MinBatchSize     int
}

// DefaultBatchConfig matches the Python reference's defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{MaxBatchSize: 50, MaxBatchAge: 100 * time.Millisecond, MinBatchSize: 5}
}

// Config bundles queue-wide tunables.
type Config struct {
	MaxQueueSize int
	Batch        BatchConfig
	Mode         Mode
}

// DefaultConfig matches the Python reference's max_queue_size=10000,
// mode=ADAPTIVE.
func DefaultConfig() Config {
	return Config{MaxQueueSize: 10000, Batch: DefaultBatchConfig(), Mode: ModeAdaptive}
}

// Queue is the Prioritized Message Queue. One mutex guards every priority
// lane and the batch buffer (spec §5: one lock per component).
type Queue struct {
	cfg Config

	mu                sync.Mutex
	lanes             map[Priority][]Message
	batchBuffer       []Message
	lastBatchAt       time.Time
	mode              Mode
	operationContext  OperationContext
	congestionLevel   CongestionLevel

	messagesProcessed int64
	messagesExpired   int64
	messagesDropped   int64
}

// New builds a Prioritized Message Queue.
func New(cfg Config) *Queue {
	lanes := make(map[Priority][]Message, len(priorityOrder))
	for _, p := range priorityOrder {
		lanes[p] = nil
	}
	return &Queue{cfg: cfg, lanes: lanes, mode: cfg.Mode, lastBatchAt: time.Now()}
}

func (q *Queue) totalLocked() int {
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

// evictableOrder is the eviction scan order for dropLowestLocked: spec
// §4.5 step 1 restricts eviction to BACKGROUND -> LOW -> NORMAL, so a
// full queue of CRITICAL/HIGH messages rejects the enqueue instead of
// ever evicting one of its own (testable property "no CRITICAL message
// is ever dropped except on shutdown").
var evictableOrder = []Priority{PriorityBackground, PriorityLow, PriorityNormal}

// dropLowestLocked evicts one message from the lowest-urgency non-empty
// evictable lane, returning true if something was dropped (spec §4.5
// admission control).
func (q *Queue) dropLowestLocked() bool {
	for _, p := range evictableOrder {
		lane := q.lanes[p]
		if len(lane) > 0 {
			q.lanes[p] = lane[1:]
			return true
		}
	}
	return false
}

// Enqueue admits a message, applying priority-based eviction when the
// queue is at capacity (spec §4.5). CRITICAL/HIGH messages may evict a
// lower-priority message to make room; other priorities are dropped
// outright when full.
func (q *Queue) Enqueue(msg Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.totalLocked() >= q.cfg.MaxQueueSize {
		if msg.Priority == PriorityCritical || msg.Priority == PriorityHigh {
			if !q.dropLowestLocked() {
				q.messagesDropped++
				metrics.Global.QueueOverflows.Add(1)
				return false
			}
			q.messagesDropped++
			metrics.Global.QueueOverflows.Add(1)
		} else {
			q.messagesDropped++
			metrics.Global.QueueOverflows.Add(1)
			return false
		}
	}

	q.lanes[msg.Priority] = append(q.lanes[msg.Priority], msg)
	return true
}

// SetOperationContext updates the operation context, which affects
// batching decisions in ADAPTIVE mode (spec §4.5).
func (q *Queue) SetOperationContext(ctx OperationContext) {
	q.mu.Lock()
	q.operationContext = ctx
	q.mu.Unlock()
}

// SetCongestionLevel updates the congestion level consulted by ADAPTIVE
// mode's batch-vs-real-time decision.
func (q *Queue) SetCongestionLevel(level CongestionLevel) {
	q.mu.Lock()
	q.congestionLevel = level
	q.mu.Unlock()
}

// shouldBatchLocked mirrors _should_use_batch_processing (spec §4.5).
func (q *Queue) shouldBatchLocked() bool {
	if q.operationContext == ContextEmergency {
		return false
	}
	if q.congestionLevel == CongestionHigh || q.congestionLevel == CongestionCritical {
		return true
	}
	if q.operationContext == ContextFieldWork {
		return false
	}
	if q.operationContext == ContextTransport || q.operationContext == ContextIdle {
		return true
	}
	return false
}

// DequeueBatch drains the queue for one scheduling tick under the
// queue's current mode, returning the messages to process now (in
// priority order) and the ones discarded because they had expired. Safety-critical
// (CRITICAL) messages are always drained first and never batched or
// starved (spec §4.5 / testable property "no safety starvation").
func (q *Queue) DequeueBatch(now time.Time) (immediate []Message, expired []Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	drainLane := func(p Priority) {
		lane := q.lanes[p]
		for _, m := range lane {
			if m.IsExpired(now) {
				expired = append(expired, m)
				q.messagesExpired++
				metrics.Global.MessagesExpired.Add(1)
				continue
			}
			immediate = append(immediate, m)
			q.messagesProcessed++
		}
		q.lanes[p] = nil
	}

	// CRITICAL always drains immediately regardless of mode.
	drainLane(PriorityCritical)

	switch q.mode {
	case ModeEmergency:
		drainLane(PriorityHigh)
		for _, p := range []Priority{PriorityNormal, PriorityLow, PriorityBackground} {
			dropped := len(q.lanes[p])
			q.messagesDropped += int64(dropped)
			metrics.Global.MessagesDropped.Add(int64(dropped))
			q.lanes[p] = nil
		}

	case ModeRealTime:
		for _, p := range priorityOrder[1:] {
			drainLane(p)
		}

	case ModeBatch:
		q.collectForBatchLocked(now)

	case ModeAdaptive:
		if q.shouldBatchLocked() {
			q.collectForBatchLocked(now)
		} else {
			for _, p := range priorityOrder[1:] {
				drainLane(p)
			}
		}
	}

	return immediate, expired
}

// collectForBatchLocked moves eligible messages from HIGH..BACKGROUND
// lanes into the batch buffer, up to MaxBatchSize, mirroring
// _collect_for_batch. Expired messages are discarded and counted;
// messages that are not batch-eligible stay in their lanes. ReadyBatch
// surfaces the accumulated buffer once thresholds are met.
func (q *Queue) collectForBatchLocked(now time.Time) {
	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground} {
		lane := q.lanes[p]
		var kept []Message
		for _, m := range lane {
			if len(q.batchBuffer) >= q.cfg.Batch.MaxBatchSize {
				kept = append(kept, m)
				continue
			}
			if m.IsExpired(now) {
				q.messagesExpired++
				metrics.Global.MessagesExpired.Add(1)
				continue
			}
			if m.BatchEligible {
				q.batchBuffer = append(q.batchBuffer, m)
			} else {
				kept = append(kept, m)
			}
		}
		q.lanes[p] = kept
	}
}

// ReadyBatch reports the accumulated batch buffer and clears it once the
// size or age threshold is met, matching _should_process_batch /
// _process_current_batch.
func (q *Queue) ReadyBatch(now time.Time) ([]Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.batchBuffer) == 0 {
		return nil, false
	}
	age := now.Sub(q.lastBatchAt)
	ready := len(q.batchBuffer) >= q.cfg.Batch.MaxBatchSize ||
		age >= q.cfg.Batch.MaxBatchAge ||
		(len(q.batchBuffer) >= q.cfg.Batch.MinBatchSize && age >= q.cfg.Batch.MaxBatchAge/2)
	if !ready {
		return nil, false
	}

	batch := q.batchBuffer
	q.batchBuffer = nil
	q.lastBatchAt = now
	q.messagesProcessed += int64(len(batch))
	return batch, true
}

// Depth returns the current number of queued messages across all lanes.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalLocked()
}

// SetMode overrides the processing mode directly (e.g. from a congestion
// Throttle decision; spec §4.6 apply_throttle_decision).
func (q *Queue) SetMode(mode Mode) {
	q.mu.Lock()
	q.mode = mode
	q.mu.Unlock()
}
