package addrclaim

import (
	"testing"
	"time"

	"github.com/afs-fleet/isobus-core/internal/codec"
	"github.com/afs-fleet/isobus-core/internal/events"
)

func claimFrame(sa uint8, identityNumber uint32) codec.Frame {
	name := Name{IdentityNumber: identityNumber, Function: 1}
	data := EncodeName(name)
	id := codec.BuildIdentifier(0xEE00, 6, sa, 0xFF)
	return codec.Frame{ID: id, Data: data, Extended: true}
}

// S5 Address-claim conflict (spec §8).
func TestAddressClaimConflict(t *testing.T) {
	rec := events.NewRecorder()
	ch := rec.Subscribe(4)
	reg := NewRegistry(FirstWriterWins, rec)
	now := time.Now()

	first, ok := reg.OnAddressClaim(claimFrame(0x25, 11111), now)
	if !ok {
		t.Fatal("first claim should succeed")
	}
	if first.Name.IdentityNumber != 11111 {
		t.Fatalf("identity = %d, want 11111", first.Name.IdentityNumber)
	}

	_, ok = reg.OnAddressClaim(claimFrame(0x25, 22222), now)
	if ok {
		t.Fatal("conflicting claim must be rejected")
	}

	dev, found := reg.DeviceByAddress(0x25)
	if !found || dev.Name.IdentityNumber != 11111 {
		t.Fatalf("device at 0x25 = %+v, want identity 11111 retained", dev)
	}

	select {
	case ev := <-ch:
		if ev.Kind != events.KindAddressConflict {
			t.Fatalf("event kind = %v, want %v", ev.Kind, events.KindAddressConflict)
		}
	default:
		t.Fatal("expected exactly one conflict event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("expected exactly one conflict event, got extra: %+v", ev)
	default:
	}
}

func TestSameNameUpdatesLastSeenWithoutConflict(t *testing.T) {
	rec := events.NewRecorder()
	reg := NewRegistry(FirstWriterWins, rec)
	now := time.Now()
	reg.OnAddressClaim(claimFrame(0x10, 500), now)
	later := now.Add(time.Second)
	_, ok := reg.OnAddressClaim(claimFrame(0x10, 500), later)
	if !ok {
		t.Fatal("re-claim with identical NAME must succeed")
	}
	dev, _ := reg.DeviceByAddress(0x10)
	if !dev.LastSeen.Equal(later) {
		t.Fatal("LastSeen should advance on matching re-claim")
	}
}

func TestLowestNameWinsEvictsIncumbent(t *testing.T) {
	rec := events.NewRecorder()
	reg := NewRegistry(LowestNameWins, rec)
	now := time.Now()
	reg.OnAddressClaim(claimFrame(0x25, 22222), now)
	dev, ok := reg.OnAddressClaim(claimFrame(0x25, 11111), now)
	if !ok {
		t.Fatal("lower NAME should win under LowestNameWins policy")
	}
	if dev.Name.IdentityNumber != 11111 {
		t.Fatalf("winner identity = %d, want 11111", dev.Name.IdentityNumber)
	}
}

func TestMalformedClaimRejected(t *testing.T) {
	rec := events.NewRecorder()
	reg := NewRegistry(FirstWriterWins, rec)
	frame := codec.Frame{ID: codec.BuildIdentifier(0xEE00, 6, 0x10, 0xFF), Data: []byte{1, 2, 3}, Extended: true}
	if _, ok := reg.OnAddressClaim(frame, time.Now()); ok {
		t.Fatal("8-byte payload is required")
	}
}
