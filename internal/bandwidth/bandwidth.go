// Package bandwidth implements the Bandwidth Arbiter: priority-guaranteed
// kbps allocation across field/transport/maintenance/emergency operation
// contexts, with preemption of lower-priority allocations and
// congestion-triggered reallocation (spec §4.7), grounded in
// afs_fastapi/equipment/adaptive_bandwidth_management.py's
// BandwidthAllocator and BandwidthPolicy.
package bandwidth

import (
	"sort"
	"sync"
	"time"

	"github.com/afs-fleet/isobus-core/internal/congestion"
)

// OperationContext is the agricultural context an allocation was made
// under (spec §4.7 OperationBandwidthContext).
type OperationContext int

const (
	ContextFieldOperation OperationContext = iota
	ContextTransportOperation
	ContextMaintenanceOperation
	ContextEmergencyOperation
)

// PriorityLevel mirrors the string priority levels the Python reference
// compares against ("HIGH", "NORMAL", "LOW", "EMERGENCY").
type PriorityLevel string

const (
	PriorityEmergency PriorityLevel = "EMERGENCY"
	PriorityHigh      PriorityLevel = "HIGH"
	PriorityNormal    PriorityLevel = "NORMAL"
	PriorityLow       PriorityLevel = "LOW"
)

// policyLimits is one context's allocation policy (spec §4.7
// BandwidthPolicy).
type policyLimits struct {
	minimumGuaranteePercentage float64
	canBePreempted            bool
	priorityMultiplier         float64
	emergencyReservePercentage float64
}

// Policy holds the fixed per-context allocation rules, verbatim from the
// Python reference's three named policies.
type Policy struct {
	fieldOperation   policyLimits
	transportOperation policyLimits
	emergencyOperation policyLimits
}

// NewPolicy builds the Bandwidth Policy with the reference's constants:
// field ops guarantee 60% and cannot be preempted, transport guarantees
// 30% and can be preempted, emergency guarantees 80% and cannot be
// preempted.
func NewPolicy() *Policy {
	return &Policy{
		fieldOperation: policyLimits{
			minimumGuaranteePercentage: 60, canBePreempted: false,
			priorityMultiplier: 1.5, emergencyReservePercentage: 20,
		},
		transportOperation: policyLimits{
			minimumGuaranteePercentage: 30, canBePreempted: true,
			priorityMultiplier: 1.0, emergencyReservePercentage: 5,
		},
		emergencyOperation: policyLimits{
			minimumGuaranteePercentage: 80, canBePreempted: false,
			priorityMultiplier: 2.0, emergencyReservePercentage: 50,
		},
	}
}

// limitsFor returns the policy for a context, defaulting to the transport
// policy for unrecognized contexts (matching the Python reference).
func (p *Policy) limitsFor(ctx OperationContext) policyLimits {
	switch ctx {
	case ContextFieldOperation:
		return p.fieldOperation
	case ContextEmergencyOperation:
		return p.emergencyOperation
	case ContextTransportOperation:
		return p.transportOperation
	default:
		return p.transportOperation
	}
}

// GuaranteedMinimum computes the guaranteed-minimum bandwidth for a
// request, never exceeding the requested amount.
func (p *Policy) GuaranteedMinimum(ctx OperationContext, requestedKbps, totalKbps float64) float64 {
	limits := p.limitsFor(ctx)
	policyMinimum := totalKbps * (limits.minimumGuaranteePercentage / 100.0)
	if requestedKbps < policyMinimum {
		return requestedKbps
	}
	return policyMinimum
}

// Allocation is one operation's bandwidth grant (spec §3
// BandwidthAllocation).
type Allocation struct {
	OperationID        string
	OperationContext   OperationContext
	RequestedKbps      float64
	AllocatedKbps      float64
	GuaranteedMinimum  float64
	PriorityLevel      PriorityLevel
	CanBePreempted     bool
	AllocatedAt        time.Time
	LastUpdated        time.Time
}

// Arbiter is the Bandwidth Arbiter: it owns the total capacity and every
// active allocation (spec §4.7).
type Arbiter struct {
	totalKbps float64
	policy    *Policy

	mu          sync.Mutex
	allocations map[string]*Allocation
}

// NewArbiter builds a Bandwidth Arbiter over a fixed total capacity.
func NewArbiter(totalKbps float64) *Arbiter {
	return &Arbiter{totalKbps: totalKbps, policy: NewPolicy(), allocations: make(map[string]*Allocation)}
}

func (a *Arbiter) allocatedLocked() float64 {
	var sum float64
	for _, alloc := range a.allocations {
		sum += alloc.AllocatedKbps
	}
	return sum
}

// Allocate grants bandwidth to an operation, preempting lower-priority
// transport allocations when field/emergency operations need room (spec
// §4.7 allocate_bandwidth).
func (a *Arbiter) Allocate(operationID string, ctx OperationContext, requestedKbps float64, priority PriorityLevel) Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	limits := a.policy.limitsFor(ctx)
	guaranteed := a.policy.GuaranteedMinimum(ctx, requestedKbps, a.totalKbps)

	available := a.totalKbps - a.allocatedLocked()

	var allocated float64
	if ctx == ContextFieldOperation || priority == PriorityEmergency {
		if available >= requestedKbps {
			allocated = requestedKbps
		} else {
			allocated = a.preemptForPriorityLocked(requestedKbps, ctx)
		}
	} else {
		allocated = requestedKbps
		if allocated > available {
			allocated = available
		}
		if allocated < 0 {
			allocated = 0
		}
	}

	now := time.Now()
	alloc := Allocation{
		OperationID: operationID, OperationContext: ctx, RequestedKbps: requestedKbps,
		AllocatedKbps: allocated, GuaranteedMinimum: guaranteed, PriorityLevel: priority,
		CanBePreempted: limits.canBePreempted, AllocatedAt: now, LastUpdated: now,
	}
	a.allocations[operationID] = &alloc
	return alloc
}

// preemptForPriorityLocked reduces preemptable (transport) allocations to
// free room for a higher-priority request (spec §4.7
// _preempt_for_priority_operation). Must be called with mu held.
func (a *Arbiter) preemptForPriorityLocked(requestedKbps float64, requestingCtx OperationContext) float64 {
	available := a.totalKbps - a.allocatedLocked()
	if available >= requestedKbps {
		return requestedKbps
	}

	var preemptable []*Allocation
	for _, alloc := range a.allocations {
		if alloc.CanBePreempted {
			preemptable = append(preemptable, alloc)
		}
	}
	sort.SliceStable(preemptable, func(i, j int) bool {
		ti := preemptable[i].OperationContext != ContextTransportOperation
		tj := preemptable[j].OperationContext != ContextTransportOperation
		if ti != tj {
			return !ti // transport-context operations sort first
		}
		ni := preemptable[i].PriorityLevel != PriorityNormal
		nj := preemptable[j].PriorityLevel != PriorityNormal
		if ni != nj {
			return !ni // NORMAL-priority operations sort first
		}
		return preemptable[i].AllocatedKbps > preemptable[j].AllocatedKbps
	})

	freed := available
	for _, alloc := range preemptable {
		if freed >= requestedKbps {
			break
		}
		var target float64
		if requestingCtx == ContextFieldOperation {
			target = alloc.GuaranteedMinimum * 0.5
			if alloc.AllocatedKbps < target {
				target = alloc.AllocatedKbps
			}
		} else {
			target = alloc.GuaranteedMinimum
		}
		if alloc.AllocatedKbps > target {
			reduction := alloc.AllocatedKbps - target
			alloc.AllocatedKbps = target
			alloc.LastUpdated = time.Now()
			freed += reduction
		}
	}

	if requestedKbps < freed {
		return requestedKbps
	}
	return freed
}

// Get returns an operation's current allocation, if any.
func (a *Arbiter) Get(operationID string) (Allocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.allocations[operationID]
	if !ok {
		return Allocation{}, false
	}
	return *alloc, true
}

// ReallocateForCongestion scales back preemptable allocations when
// congestion is HIGH or CRITICAL, leaving emergency and non-preemptable
// (field) operations untouched (spec §4.7
// reallocate_for_congestion). Returns nothing below HIGH.
func (a *Arbiter) ReallocateForCongestion(level congestion.Level) map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	results := make(map[string]float64)
	if level != congestion.LevelHigh && level != congestion.LevelCritical {
		return results
	}

	factor := 0.6
	if level == congestion.LevelCritical {
		factor = 0.4
	}

	for id, alloc := range a.allocations {
		switch {
		case alloc.OperationContext == ContextEmergencyOperation || alloc.PriorityLevel == PriorityEmergency:
			results[id] = alloc.AllocatedKbps
		case alloc.CanBePreempted:
			scaled := alloc.AllocatedKbps * factor
			newAlloc := alloc.GuaranteedMinimum
			if scaled > newAlloc {
				newAlloc = scaled
			}
			alloc.AllocatedKbps = newAlloc
			alloc.LastUpdated = time.Now()
			results[id] = newAlloc
		default:
			results[id] = alloc.AllocatedKbps
		}
	}
	return results
}

// Utilization returns the fraction [0,1] of total capacity allocated.
func (a *Arbiter) Utilization() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.totalKbps <= 0 {
		return 0
	}
	return a.allocatedLocked() / a.totalKbps
}
