package transport

import (
	"testing"
	"time"

	"github.com/afs-fleet/isobus-core/internal/codec"
	"github.com/afs-fleet/isobus-core/internal/events"
)

func bamAnnounce(sa uint8, pgn uint32, totalSize, totalPackets int) codec.Frame {
	data := make([]byte, 8)
	data[0] = ControlBAM
	data[1] = byte(totalSize)
	data[2] = byte(totalSize >> 8)
	data[3] = byte(totalPackets)
	data[4] = 0xFF
	data[5] = byte(pgn)
	data[6] = byte(pgn >> 8)
	data[7] = byte(pgn >> 16)
	id := codec.BuildIdentifier(pgnTransportControl, 7, sa, 0xFF)
	return codec.Frame{ID: id, Data: data, Extended: true}
}

func dtFrame(sa uint8, seq int, payload []byte) codec.Frame {
	data := append([]byte{byte(seq)}, payload...)
	for len(data) < 8 {
		data = append(data, 0xFF)
	}
	id := codec.BuildIdentifier(pgnTransportDataTransfer, 7, sa, 0xFF)
	return codec.Frame{ID: id, Data: data, Extended: true}
}

// S4 BAM 25-byte reassembly (spec §8).
func TestBAMReassembly25Bytes(t *testing.T) {
	h := NewHandler(DefaultConfig(), events.NewRecorder())
	var got *CompletedMessage
	h.AddSink(func(msg CompletedMessage) { got = &msg })

	now := time.Now()
	h.HandleControlFrame(bamAnnounce(0x10, 0xABCD, 25, 4), now)

	segments := [][]byte{[]byte("ABCDEFG"), []byte("HIJKLMN"), []byte("OPQRSTU"), []byte("VWXY")}
	for i, seg := range segments {
		h.HandleDataFrame(dtFrame(0x10, i+1, seg), now)
	}

	if got == nil {
		t.Fatal("expected one completion callback")
	}
	if string(got.Payload) != "ABCDEFGHIJKLMNOPQRSTUVWXY" {
		t.Fatalf("payload = %q, want ABCDEFGHIJKLMNOPQRSTUVWXY", got.Payload)
	}
	if got.PGN != 0xABCD || got.SourceAddress != 0x10 {
		t.Fatalf("PGN/SA = %04X/%02X, want ABCD/10", got.PGN, got.SourceAddress)
	}
	if h.ActiveSessionCount() != 0 {
		t.Fatal("session should be removed after completion")
	}
}

func TestNewBAMSupersedesPrevious(t *testing.T) {
	h := NewHandler(DefaultConfig(), events.NewRecorder())
	now := time.Now()
	h.HandleControlFrame(bamAnnounce(0x10, 0xABCD, 25, 4), now)
	h.HandleControlFrame(bamAnnounce(0x10, 0xABCD, 14, 2), now)
	if h.ActiveSessionCount() != 1 {
		t.Fatalf("active sessions = %d, want 1 (new BAM supersedes)", h.ActiveSessionCount())
	}
}

func TestOutOfOrderSequenceRejectedNotAborted(t *testing.T) {
	h := NewHandler(DefaultConfig(), events.NewRecorder())
	now := time.Now()
	h.HandleControlFrame(bamAnnounce(0x10, 0xABCD, 25, 4), now)
	h.HandleDataFrame(dtFrame(0x10, 2, []byte("HIJKLMN")), now) // out of order
	if h.ActiveSessionCount() != 1 {
		t.Fatal("single sequence error must not abort the session")
	}
}

func TestSequenceErrorsAboveThresholdAbort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSequenceErrors = 1
	h := NewHandler(cfg, events.NewRecorder())
	now := time.Now()
	h.HandleControlFrame(bamAnnounce(0x10, 0xABCD, 25, 4), now)
	h.HandleDataFrame(dtFrame(0x10, 3, []byte("OPQRSTU")), now)
	h.HandleDataFrame(dtFrame(0x10, 3, []byte("OPQRSTU")), now)
	if h.ActiveSessionCount() != 0 {
		t.Fatal("session should abort once sequence errors exceed the configured threshold")
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	h := NewHandler(Config{SessionTimeout: time.Millisecond, MaxSequenceErrors: 3}, events.NewRecorder())
	now := time.Now()
	h.HandleControlFrame(bamAnnounce(0x10, 0xABCD, 25, 4), now)
	later := now.Add(time.Second)
	h.CleanupExpired(later)
	if h.ActiveSessionCount() != 0 {
		t.Fatal("expired session should be removed")
	}
}

func TestRTSKeyedByDestination(t *testing.T) {
	h := NewHandler(DefaultConfig(), events.NewRecorder())
	now := time.Now()
	data := make([]byte, 8)
	data[0] = ControlRTS
	data[1], data[2] = 10, 0
	data[3] = 2
	data[4] = 255
	data[5], data[6], data[7] = 0xCD, 0xAB, 0x00
	id := codec.BuildIdentifier(pgnTransportControl, 7, 0x20, 0x30)
	h.HandleControlFrame(codec.Frame{ID: id, Data: data, Extended: true}, now)
	if h.ActiveSessionCount() != 1 {
		t.Fatal("expected one RTS-established session")
	}
}
