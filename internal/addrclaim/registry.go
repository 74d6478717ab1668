package addrclaim

import (
	"sync"
	"time"

	"github.com/afs-fleet/isobus-core/internal/codec"
	"github.com/afs-fleet/isobus-core/internal/events"
	"github.com/afs-fleet/isobus-core/internal/metrics"
)

// Device is a claimed network participant (spec §3).
type Device struct {
	Address  uint8
	Name     Name
	LastSeen time.Time
}

// Policy selects how a conflicting claim at an already-occupied address
// is resolved (spec §9 Open Question; default recorded in
// SPEC_FULL.md §6).
type Policy int

const (
	// FirstWriterWins rejects any later claim whose NAME differs from the
	// incumbent's, regardless of the NAME values (spec §4.3 default
	// behavior).
	FirstWriterWins Policy = iota
	// LowestNameWins grants the address to whichever NAME numerically
	// compares lower, evicting the incumbent if the challenger wins
	// (spec §4.3, optional extension named in spec.md's OnAddressClaim).
	LowestNameWins
)

// Registry is the Address Claim Registry (spec §4.3). One mutex guards
// every claimed/pending address.
type Registry struct {
	policy Policy
	rec    *events.Recorder

	mu      sync.RWMutex
	claimed map[uint8]Device

	callbacksMu sync.Mutex
	callbacks   []func(Device)
}

// NewRegistry builds an Address Claim Registry under the given
// arbitration policy.
func NewRegistry(policy Policy, rec *events.Recorder) *Registry {
	return &Registry{policy: policy, rec: rec, claimed: make(map[uint8]Device)}
}

// AddClaimCallback registers a callback invoked whenever an address is
// (re-)claimed.
func (r *Registry) AddClaimCallback(cb func(Device)) {
	r.callbacksMu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.callbacksMu.Unlock()
}

// OnAddressClaim handles an incoming PGN 60928 claim frame (spec §4.3).
// Requires PF=0xEE and an 8-byte payload; malformed frames are ignored.
func (r *Registry) OnAddressClaim(frame codec.Frame, now time.Time) (Device, bool) {
	id := codec.ParseIdentifier(frame.ID)
	if id.PF != 0xEE || len(frame.Data) != 8 {
		metrics.Global.FramesMalformed.Add(1)
		return Device{}, false
	}

	name := ParseName(frame.Data)
	device := Device{Address: id.SA, Name: name, LastSeen: now}

	r.mu.Lock()
	incumbent, exists := r.claimed[id.SA]
	switch {
	case !exists:
		r.claimed[id.SA] = device
	case incumbent.Name == name:
		incumbent.LastSeen = now
		r.claimed[id.SA] = incumbent
	case r.policy == LowestNameWins && name.AsUint64() < incumbent.Name.AsUint64():
		r.claimed[id.SA] = device
	default:
		r.mu.Unlock()
		metrics.Global.AddressConflicts.Add(1)
		r.rec.Emit(events.KindAddressConflict, now, events.AddressConflictDetail{
			Address: id.SA, IncumbentID: uint64(incumbent.Name.IdentityNumber),
			ChallengerID: uint64(name.IdentityNumber),
		})
		return Device{}, false
	}
	r.mu.Unlock()

	r.callbacksMu.Lock()
	cbs := append([]func(Device){}, r.callbacks...)
	r.callbacksMu.Unlock()
	for _, cb := range cbs {
		cb(device)
	}
	return device, true
}

// CreateAddressClaim assembles the 8-byte NAME payload and CAN ID for
// device, per spec §4.3: priority 6, PF=0xEE, PS=0xFF.
func CreateAddressClaim(device Device) codec.Frame {
	id := codec.BuildIdentifier(0xEE00, 6, device.Address, 0xFF)
	return codec.Frame{ID: id, Data: EncodeName(device.Name), Extended: true}
}

// DeviceByAddress looks up the device currently claiming an address.
func (r *Registry) DeviceByAddress(address uint8) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.claimed[address]
	return d, ok
}

// DevicesByFunction returns every device currently claiming the given
// ISOBUS function code.
func (r *Registry) DevicesByFunction(function uint8) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Device
	for _, d := range r.claimed {
		if d.Name.Function == function {
			out = append(out, d)
		}
	}
	return out
}

// Count reports the number of currently claimed addresses (network-status
// snapshot, spec §4.9).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.claimed)
}

// AllDevices returns every currently claimed device, for the Protocol
// Manager's network-status snapshot and offline-detection sweep (spec
// §4.9).
func (r *Registry) AllDevices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.claimed))
	for _, d := range r.claimed {
		out = append(out, d)
	}
	return out
}

// PurgeStale removes every device whose last claim/refresh is older than
// threshold relative to now, returning the removed devices. Mirrors
// ISOBUSProtocolManager._background_cleanup's device-offline detection
// (spec §4.9).
func (r *Registry) PurgeStale(threshold time.Duration, now time.Time) []Device {
	r.mu.Lock()
	var removed []Device
	for addr, d := range r.claimed {
		if now.Sub(d.LastSeen) > threshold {
			removed = append(removed, d)
			delete(r.claimed, addr)
		}
	}
	r.mu.Unlock()
	return removed
}
