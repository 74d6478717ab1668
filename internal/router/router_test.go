package router

import (
	"testing"

	"github.com/afs-fleet/isobus-core/internal/msgqueue"
)

func TestNoMatchRoutesToAllActiveAtLowPriority(t *testing.T) {
	r := New()
	r.SetActiveInterfaces([]string{"can0", "can1"})

	result := r.Route(0xF004, 0x20, 0xFF)
	if len(result.Interfaces) != 2 {
		t.Fatalf("interfaces = %v, want all active", result.Interfaces)
	}
	if result.Priority != msgqueue.PriorityLow {
		t.Fatalf("priority = %v, want LOW", result.Priority)
	}
}

func TestMatchingRuleContributesInterfacesAndPriority(t *testing.T) {
	r := New()
	r.SetActiveInterfaces([]string{"can0", "can1"})
	r.SetRules([]Rule{
		{
			Name: "eec1-to-telemetry", PGNs: map[uint32]struct{}{0xF004: {}},
			Priority: msgqueue.PriorityHigh, Interfaces: []string{"telemetry"}, Enabled: true,
		},
	})

	result := r.Route(0xF004, 0x20, 0xFF)
	if len(result.Interfaces) != 1 || result.Interfaces[0] != "telemetry" {
		t.Fatalf("interfaces = %v, want [telemetry]", result.Interfaces)
	}
	if result.Priority != msgqueue.PriorityHigh {
		t.Fatalf("priority = %v, want HIGH", result.Priority)
	}
}

func TestMultipleMatchingRulesUnionInterfacesAndStrictestPriority(t *testing.T) {
	r := New()
	r.SetRules([]Rule{
		{Name: "a", PGNs: map[uint32]struct{}{0xF004: {}}, Priority: msgqueue.PriorityNormal,
			Interfaces: []string{"telemetry"}, Enabled: true},
		{Name: "b", SAs: map[uint8]struct{}{0x20: {}}, Priority: msgqueue.PriorityCritical,
			Interfaces: []string{"dashboard"}, Enabled: true},
	})

	result := r.Route(0xF004, 0x20, 0xFF)
	if len(result.Interfaces) != 2 {
		t.Fatalf("interfaces = %v, want union of both rules", result.Interfaces)
	}
	if result.Priority != msgqueue.PriorityCritical {
		t.Fatalf("priority = %v, want CRITICAL (strictest of the two matches)", result.Priority)
	}
}

func TestDisabledRuleNeverMatches(t *testing.T) {
	r := New()
	r.SetActiveInterfaces([]string{"can0"})
	r.SetRules([]Rule{
		{Name: "disabled", PGNs: map[uint32]struct{}{0xF004: {}}, Priority: msgqueue.PriorityCritical,
			Interfaces: []string{"telemetry"}, Enabled: false},
	})

	result := r.Route(0xF004, 0x20, 0xFF)
	if len(result.Interfaces) != 1 || result.Interfaces[0] != "can0" {
		t.Fatalf("disabled rule must not match, got %v", result.Interfaces)
	}
	if result.Priority != msgqueue.PriorityLow {
		t.Fatalf("priority = %v, want LOW (no rule matched)", result.Priority)
	}
}

func TestMemoizationIsInvalidatedByRuleChange(t *testing.T) {
	r := New()
	r.SetActiveInterfaces([]string{"can0"})

	first := r.Route(0xF004, 0x20, 0xFF)
	if len(first.Interfaces) != 1 {
		t.Fatalf("expected memoized no-match result, got %v", first)
	}

	r.SetRules([]Rule{
		{Name: "new", PGNs: map[uint32]struct{}{0xF004: {}}, Priority: msgqueue.PriorityHigh,
			Interfaces: []string{"telemetry"}, Enabled: true},
	})

	second := r.Route(0xF004, 0x20, 0xFF)
	if len(second.Interfaces) != 1 || second.Interfaces[0] != "telemetry" {
		t.Fatalf("memo should be invalidated after SetRules, got %v", second)
	}
}

func TestMemoizationIsInvalidatedByActiveInterfaceChange(t *testing.T) {
	r := New()
	r.SetActiveInterfaces([]string{"can0"})
	r.Route(0xF004, 0x20, 0xFF)

	r.SetActiveInterfaces([]string{"can0", "can1"})
	result := r.Route(0xF004, 0x20, 0xFF)
	if len(result.Interfaces) != 2 {
		t.Fatalf("memo should be invalidated after SetActiveInterfaces, got %v", result.Interfaces)
	}
}
