// Package router implements the Router: an ordered list of PGN/SA/DA
// filter rules selecting egress interfaces and a priority class for each
// decoded message, with memoization per (PGN, SA, DA) (spec §4.8). Grounded in the
// teacher's plain-map, single-mutex component style
// (internal/j1939/j1939.go) since neither the teacher nor the rest of the
// pack implements PGN-based routing directly.
package router

import (
	"sort"
	"sync"

	"github.com/afs-fleet/isobus-core/internal/msgqueue"
)

// Rule matches messages by PGN/SA/DA set membership; an empty set matches
// anything for that field (spec §4.8).
type Rule struct {
	Name       string
	PGNs       map[uint32]struct{}
	SAs        map[uint8]struct{}
	DAs        map[uint8]struct{}
	Priority   msgqueue.Priority
	Interfaces []string
	Enabled    bool
}

func (r Rule) matches(pgn uint32, sa, da uint8) bool {
	if !r.Enabled {
		return false
	}
	if len(r.PGNs) > 0 {
		if _, ok := r.PGNs[pgn]; !ok {
			return false
		}
	}
	if len(r.SAs) > 0 {
		if _, ok := r.SAs[sa]; !ok {
			return false
		}
	}
	if len(r.DAs) > 0 {
		if _, ok := r.DAs[da]; !ok {
			return false
		}
	}
	return true
}

// Result is the routing outcome for a decoded message.
type Result struct {
	Interfaces []string
	Priority   msgqueue.Priority
}

type memoKey struct {
	pgn uint32
	sa  uint8
	da  uint8
}

// Router holds the ordered rule set, the currently active interface set,
// and a per-(PGN,SA,DA) memoization cache invalidated on any rule or
// interface-set change (spec §4.8).
type Router struct {
	mu               sync.Mutex
	rules            []Rule
	activeInterfaces map[string]struct{}
	memo             map[memoKey]Result
}

// New builds a Router with no rules and no active interfaces.
func New() *Router {
	return &Router{activeInterfaces: make(map[string]struct{}), memo: make(map[memoKey]Result)}
}

// SetRules replaces the ordered rule list and invalidates the memo cache.
func (r *Router) SetRules(rules []Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append([]Rule{}, rules...)
	r.memo = make(map[memoKey]Result)
}

// SetActiveInterfaces replaces the set of currently active interfaces and
// invalidates the memo cache.
func (r *Router) SetActiveInterfaces(interfaces []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeInterfaces = make(map[string]struct{}, len(interfaces))
	for _, iface := range interfaces {
		r.activeInterfaces[iface] = struct{}{}
	}
	r.memo = make(map[memoKey]Result)
}

// Route selects the egress interfaces and priority class for a message
// (spec §4.8): matching rules contribute the union of their interfaces,
// and the effective priority is the strictest (lowest-numbered) among
// matching rules. With no match, the message goes to every active
// interface at LOW priority.
func (r *Router) Route(pgn uint32, sa, da uint8) Result {
	key := memoKey{pgn: pgn, sa: sa, da: da}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.memo[key]; ok {
		return cached
	}

	ifaceSet := make(map[string]struct{})
	matched := false
	priority := msgqueue.PriorityLow

	for _, rule := range r.rules {
		if !rule.matches(pgn, sa, da) {
			continue
		}
		matched = true
		for _, iface := range rule.Interfaces {
			ifaceSet[iface] = struct{}{}
		}
		if rule.Priority < priority {
			priority = rule.Priority
		}
	}

	if !matched {
		for iface := range r.activeInterfaces {
			ifaceSet[iface] = struct{}{}
		}
		priority = msgqueue.PriorityLow
	}

	interfaces := make([]string, 0, len(ifaceSet))
	for iface := range ifaceSet {
		interfaces = append(interfaces, iface)
	}
	sort.Strings(interfaces)

	result := Result{Interfaces: interfaces, Priority: priority}
	r.memo[key] = result
	return result
}
