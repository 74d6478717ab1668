package isobus

import (
	"context"
	"testing"
	"time"

	"github.com/afs-fleet/isobus-core/internal/addrclaim"
	"github.com/afs-fleet/isobus-core/internal/bandwidth"
	"github.com/afs-fleet/isobus-core/internal/codec"
	"github.com/afs-fleet/isobus-core/internal/congestion"
	"github.com/afs-fleet/isobus-core/internal/diagnostics"
	"github.com/afs-fleet/isobus-core/internal/events"
	"github.com/afs-fleet/isobus-core/internal/msgqueue"
	"github.com/afs-fleet/isobus-core/internal/router"
	"github.com/afs-fleet/isobus-core/internal/transport"
)

func newTestManager() *Manager {
	rec := events.NewRecorder()
	return New(
		transport.NewHandler(transport.DefaultConfig(), rec),
		addrclaim.NewRegistry(addrclaim.FirstWriterWins, rec),
		diagnostics.NewHandler(rec),
		msgqueue.New(msgqueue.DefaultConfig()),
		congestion.NewDetector(30),
		congestion.NewThrottler(rec),
		bandwidth.NewArbiter(250),
		router.New(),
		rec,
	)
}

func engineFrame(sa uint8) codec.Frame {
	return codec.Frame{
		ID:       codec.BuildIdentifier(0xF004, 3, sa, 0xFF),
		Data:     []byte{0, 0, 0, 0, 0, 0, 0, 0},
		Extended: true,
	}
}

func TestEnqueueThenDrainQueueDispatchesDecodedMessageToSinks(t *testing.T) {
	m := newTestManager()
	m.Router.SetActiveInterfaces([]string{"can0"})
	var got *codec.DecodedMessage
	var iface string
	m.AddMessageSink(func(msg *codec.DecodedMessage, interfaceID string) {
		got = msg
		iface = interfaceID
	})

	now := time.Now()
	if !m.Enqueue(engineFrame(0x20), "can0", now) {
		t.Fatal("expected Enqueue to admit the message")
	}
	m.drainQueue(now)

	if got == nil {
		t.Fatal("expected sink to receive a decoded message")
	}
	if got.PGN != 0xF004 || iface != "can0" {
		t.Fatalf("got PGN=%x iface=%s, want PGN=f004 iface=can0", got.PGN, iface)
	}
}

func TestDrainQueueSinkPanicDoesNotAffectOthers(t *testing.T) {
	m := newTestManager()
	m.Router.SetActiveInterfaces([]string{"can0"})
	secondCalled := false
	m.AddMessageSink(func(msg *codec.DecodedMessage, interfaceID string) {
		panic("boom")
	})
	m.AddMessageSink(func(msg *codec.DecodedMessage, interfaceID string) {
		secondCalled = true
	})

	now := time.Now()
	m.Enqueue(engineFrame(0x20), "can0", now)
	m.drainQueue(now)

	if !secondCalled {
		t.Fatal("a panicking sink must not prevent the next sink from running")
	}
}

func TestDeliverMessageRetriesOnSinkFailureThenDrops(t *testing.T) {
	m := newTestManager()
	m.Router.SetActiveInterfaces([]string{"can0"})
	// Retry only applies at NORMAL priority or more urgent (spec §9
	// SinkFailure); the default no-rule-match priority is LOW, so give
	// this PGN a NORMAL rule to exercise the retry path.
	m.Router.SetRules([]router.Rule{{
		Name: "engine-normal", Enabled: true,
		PGNs:     map[uint32]struct{}{0xF004: {}},
		Priority: msgqueue.PriorityNormal,
	}})
	calls := 0
	m.AddMessageSink(func(msg *codec.DecodedMessage, interfaceID string) {
		calls++
		panic("sink always fails")
	})

	now := time.Now()
	m.Enqueue(engineFrame(0x20), "can0", now)

	for i := 0; i <= defaultMaxRetries; i++ {
		m.drainQueue(now)
	}

	if calls != defaultMaxRetries+1 {
		t.Fatalf("got %d sink calls, want %d (1 initial + %d retries before drop)", calls, defaultMaxRetries+1, defaultMaxRetries)
	}
	if m.Queue.Depth() != 0 {
		t.Fatalf("expected message dropped after exhausting retries, queue depth = %d", m.Queue.Depth())
	}
}

func TestDrainQueueDeliversReadyBatchToBatchSinks(t *testing.T) {
	m := newTestManager()
	m.Router.SetActiveInterfaces([]string{"can0"})
	m.Queue.SetMode(msgqueue.ModeBatch)

	var gotBatch []*codec.DecodedMessage
	m.AddBatchSink(func(messages []*codec.DecodedMessage, interfaceID string) bool {
		gotBatch = messages
		return true
	})

	now := time.Now()
	m.Enqueue(engineFrame(0x20), "can0", now)
	m.drainQueue(now)
	m.drainQueue(now.Add(time.Second))

	if len(gotBatch) != 1 {
		t.Fatalf("got batch of %d messages, want 1", len(gotBatch))
	}
}

func TestHandleFrameRoutesAddressClaimToRegistry(t *testing.T) {
	m := newTestManager()
	name := addrclaim.Name{Function: 130}
	frame := addrclaim.CreateAddressClaim(addrclaim.Device{Address: 0x21, Name: name})

	m.HandleFrame(frame, "can0", time.Now())

	dev, ok := m.AddrClaim.DeviceByAddress(0x21)
	if !ok {
		t.Fatal("expected address claim to register a device")
	}
	if dev.Name.Function != 130 {
		t.Fatalf("got function %d, want 130", dev.Name.Function)
	}
}

func TestHandleFrameRoutesDM1ToDiagnostics(t *testing.T) {
	m := newTestManager()
	frame := codec.Frame{
		ID:       codec.BuildIdentifier(codec.PGNDM1, 6, 0x20, 0xFF),
		Data:     []byte{0x00, 0xFF, 0x6E, 0x00, 0x19, 0x00, 0, 0},
		Extended: true,
	}
	m.HandleFrame(frame, "can0", time.Now())

	dtcs := m.Diagnostics.ActiveDTCs(0x20)
	if len(dtcs) != 1 {
		t.Fatalf("got %d DTCs, want 1", len(dtcs))
	}
}

func TestEnqueueRoutesThroughRouterIntoQueue(t *testing.T) {
	m := newTestManager()
	m.Router.SetActiveInterfaces([]string{"can0"})

	ok := m.Enqueue(engineFrame(0x20), "can0", time.Now())
	if !ok {
		t.Fatal("expected Enqueue to admit the message")
	}
	if m.Queue.Depth() != 1 {
		t.Fatalf("got queue depth %d, want 1", m.Queue.Depth())
	}
}

func TestNetworkStatusReflectsDevicesAndTransport(t *testing.T) {
	m := newTestManager()
	name := addrclaim.Name{Function: 130}
	frame := addrclaim.CreateAddressClaim(addrclaim.Device{Address: 0x21, Name: name})
	m.HandleFrame(frame, "can0", time.Now())

	status := m.NetworkStatus()
	if status.Devices.Total != 1 {
		t.Fatalf("got devices total %d, want 1", status.Devices.Total)
	}
	if status.Devices.ByFunction[130] != 1 {
		t.Fatalf("got ByFunction[130]=%d, want 1", status.Devices.ByFunction[130])
	}
	if status.Transport.ActiveSessions != 0 {
		t.Fatalf("got active sessions %d, want 0", status.Transport.ActiveSessions)
	}
}

func TestStartAndStopCleanupLoop(t *testing.T) {
	m := newTestManager()
	m.Start(context.Background())
	m.Stop()
}

func TestSampleAndThrottleAppliesCongestionToQueueAndBandwidth(t *testing.T) {
	m := newTestManager()
	m.Bandwidth.Allocate("transport-op", bandwidth.ContextTransportOperation, 50, bandwidth.PriorityNormal)

	for i := 0; i < 900; i++ {
		m.frameCounter.Add(1)
	}
	m.sampleAndThrottle(time.Now(), time.Second)

	if m.Congestion.CurrentLevel() == congestion.LevelNormal {
		t.Fatal("expected a high synthetic frame rate to push congestion above normal")
	}
}
