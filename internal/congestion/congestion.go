// Package congestion implements the Congestion Detector: a rolling-window
// weighted score over bus load/message rate/error rate/queue depth/
// latency, NORMAL/MODERATE/HIGH/CRITICAL classification, trend analysis,
// and throttle-decision logic per operation context (spec §4.6), grounded
// in afs_fastapi/equipment/congestion_detection.py's
// NetworkCongestionDetector and TrafficThrottler.
package congestion

import (
	"sync"
	"time"

	"github.com/afs-fleet/isobus-core/internal/events"
	"github.com/afs-fleet/isobus-core/internal/metrics"
)

// Level is the classified congestion severity (spec §4.6).
type Level int

const (
	LevelNormal Level = iota
	LevelModerate
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelModerate:
		return "moderate"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Metrics is one rolling-window sample (spec §3 CongestionMetrics).
type Metrics struct {
	BusLoadPercentage   float64
	MessageRatePerSec   float64
	ErrorRatePercentage float64
	QueueDepth          int
	AverageLatencyMS    float64
	PeakLatencyMS       float64
	Timestamp           time.Time
}

// congestion score weights, verbatim from the Python reference (spec
// §4.6 calculate_congestion_score).
const (
	weightBusLoad     = 0.35
	weightMessageRate = 0.15
	weightErrorRate   = 0.25
	weightQueueDepth  = 0.15
	weightLatency     = 0.10
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Score computes the 0.0-1.0 weighted congestion score, matching the
// Python reference's normalizers exactly.
func (m Metrics) Score() float64 {
	busLoadScore := clamp01(m.BusLoadPercentage / 90.0)
	messageRateScore := clamp01(m.MessageRatePerSec / 800.0)
	errorRateScore := clamp01(m.ErrorRatePercentage / 5.0)
	queueDepthScore := clamp01(float64(m.QueueDepth) / 150.0)
	latencyScore := clamp01(m.AverageLatencyMS / 80.0)

	score := weightBusLoad*busLoadScore +
		weightMessageRate*messageRateScore +
		weightErrorRate*errorRateScore +
		weightQueueDepth*queueDepthScore +
		weightLatency*latencyScore
	return clamp01(score)
}

// Classify maps a congestion score to its Level (spec §4.6 thresholds).
func Classify(score float64) Level {
	switch {
	case score < 0.4:
		return LevelNormal
	case score < 0.6:
		return LevelModerate
	case score < 0.8:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Trend is the slope-based direction of recent congestion scores.
type Trend int

const (
	TrendStable Trend = iota
	TrendIncreasing
	TrendDecreasing
)

// Detector maintains a bounded history of Metrics samples and classifies
// the current congestion level (spec §4.6).
type Detector struct {
	historySize int

	mu      sync.Mutex
	history []Metrics
	level   Level
}

// NewDetector builds a Congestion Detector with the given rolling-window
// size (the Python reference's default history_window_size is 30).
func NewDetector(historySize int) *Detector {
	if historySize <= 0 {
		historySize = 30
	}
	return &Detector{historySize: historySize}
}

// Observe records a new Metrics sample and returns the updated Level.
func (d *Detector) Observe(m Metrics) Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, m)
	if len(d.history) > d.historySize {
		d.history = d.history[len(d.history)-d.historySize:]
	}
	d.level = Classify(m.Score())
	return d.level
}

// CurrentLevel returns the most recently classified level.
func (d *Detector) CurrentLevel() Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// linearSlope fits y = slope*x + intercept via ordinary least squares
// over x = 0..n-1, matching np.polyfit(x, y, 1)[0].
func linearSlope(y []float64) float64 {
	n := float64(len(y))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range y {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Trend analyzes the last 5 samples' congestion scores for a linear
// trend, matching _analyze_congestion_trend's +/-0.02 slope thresholds.
func (d *Detector) Trend() Trend {
	d.mu.Lock()
	history := append([]Metrics{}, d.history...)
	d.mu.Unlock()

	if len(history) < 3 {
		return TrendStable
	}
	recent := history
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	if len(recent) < 3 {
		return TrendStable
	}
	scores := make([]float64, len(recent))
	for i, m := range recent {
		scores[i] = m.Score()
	}
	slope := linearSlope(scores)
	switch {
	case slope > 0.02:
		return TrendIncreasing
	case slope < -0.02:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// OperationContext mirrors the throttler's "field_operation"/"transport"
// string contexts as a typed enum.
type OperationContext int

const (
	ContextUnspecified OperationContext = iota
	ContextFieldOperation
	ContextTransport
)

// ThrottleAction is the recommended traffic-shaping action (spec §4.6).
type ThrottleAction int

const (
	ActionNone ThrottleAction = iota
	ActionReduceLowPriority
	ActionReduceNormalPriority
	ActionReduceHighPriority
	ActionEmergencyThrottle
	ActionRestoreNormal
)

// Decision is a throttling recommendation for the message queue and
// bandwidth arbiter (spec §3 ThrottleDecision).
type Decision struct {
	Action             ThrottleAction
	Level              Level
	SeverityFactor     float64 // 0.0 full throttle .. 1.0 no throttle
	AffectedPriorities []string
	EstimatedReliefMS  float64
	EmergencyMode      bool
	RecoveryMode       bool
	PreserveSafetyMsgs bool
	OperationContext   OperationContext
	Confidence         float64
}

// ThrottleDetail is the events.Event payload for KindThrottle/
// KindRestoreNormal.
type ThrottleDetail struct {
	Action         ThrottleAction
	Level          Level
	SeverityFactor float64
}

// Throttler turns a classified congestion level into a Decision,
// grounded in TrafficThrottler.make_throttle_decision.
type Throttler struct {
	rec *events.Recorder

	mu              sync.Mutex
	activeThrottles []string
}

// NewThrottler builds a Traffic Throttler.
func NewThrottler(rec *events.Recorder) *Throttler {
	return &Throttler{rec: rec}
}

// Decide computes the throttle decision for the current level/context.
// Recovery (RESTORE_NORMAL) is returned whenever throttles are active and
// the level has returned to NORMAL, exactly as the Python reference
// checks recovery before the per-level handlers.
func (t *Throttler) Decide(level Level, ctx OperationContext) Decision {
	t.mu.Lock()
	hasActive := len(t.activeThrottles) > 0
	t.mu.Unlock()

	if hasActive && level == LevelNormal {
		return Decision{Action: ActionRestoreNormal, Level: level, SeverityFactor: 1.0, RecoveryMode: true,
			PreserveSafetyMsgs: true, OperationContext: ctx, Confidence: 1.0}
	}

	switch level {
	case LevelNormal:
		return Decision{Action: ActionNone, Level: level, SeverityFactor: 1.0, PreserveSafetyMsgs: true,
			OperationContext: ctx, Confidence: 1.0}

	case LevelModerate:
		severity := 0.8
		if ctx == ContextFieldOperation {
			severity *= 1.1
		}
		return Decision{Action: ActionReduceLowPriority, Level: level, SeverityFactor: severity,
			AffectedPriorities: []string{"LOW"}, EstimatedReliefMS: 5000,
			PreserveSafetyMsgs: true, OperationContext: ctx, Confidence: 1.0}

	case LevelHigh:
		severity := 0.6
		if ctx == ContextFieldOperation {
			severity *= 1.1
		}
		return Decision{Action: ActionReduceNormalPriority, Level: level, SeverityFactor: severity,
			AffectedPriorities: []string{"NORMAL"}, EstimatedReliefMS: 10000,
			PreserveSafetyMsgs: true, OperationContext: ctx, Confidence: 1.0}

	default: // LevelCritical
		severity := 0.3
		if ctx == ContextFieldOperation {
			severity *= 0.8
		}
		return Decision{Action: ActionEmergencyThrottle, Level: level, SeverityFactor: severity,
			AffectedPriorities: []string{"HIGH"}, EstimatedReliefMS: 20000,
			EmergencyMode: true, PreserveSafetyMsgs: true, OperationContext: ctx, Confidence: 0.9}
	}
}

// Apply records a Decision as the throttler's active state, clearing it
// on recovery, and emits the corresponding event (spec §4.6
// apply_throttle_decision).
func (t *Throttler) Apply(d Decision, now time.Time) {
	t.mu.Lock()
	if d.RecoveryMode {
		t.activeThrottles = nil
	} else if d.Action != ActionNone {
		t.activeThrottles = append([]string{}, d.AffectedPriorities...)
	}
	t.mu.Unlock()

	detail := ThrottleDetail{Action: d.Action, Level: d.Level, SeverityFactor: d.SeverityFactor}
	if d.RecoveryMode {
		if t.rec != nil {
			t.rec.Emit(events.KindRestoreNormal, now, detail)
		}
		return
	}
	if d.Action != ActionNone {
		metrics.Global.BackpressureThrottles.Add(1)
		if t.rec != nil {
			t.rec.Emit(events.KindThrottle, now, detail)
		}
	}
}

// ActiveThrottles reports the priority classes currently throttled.
func (t *Throttler) ActiveThrottles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.activeThrottles...)
}
