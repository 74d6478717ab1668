package telemetry

import (
	"testing"

	"github.com/afs-fleet/isobus-core/internal/codec"
)

// These tests exercise the sink's behavior before Connect has ever
// established a broker session, since a real broker isn't available in
// this environment; publish's not-connected branch is the one piece of
// logic reachable without one.

func TestPublishFailsWhenNotConnected(t *testing.T) {
	s := NewMQTTSink(DefaultMQTTConfig())
	msg := &codec.DecodedMessage{PGN: 0xF004, Name: "EEC1", SourceAddress: 0x20}
	if s.publish(msg, "can0") {
		t.Fatal("publish must fail before Connect has run")
	}
}

func TestHandleMessageDoesNotPanicWhenNotConnected(t *testing.T) {
	s := NewMQTTSink(DefaultMQTTConfig())
	msg := &codec.DecodedMessage{PGN: 0xF004, Name: "EEC1"}
	s.HandleMessage(msg, "can0")
}

func TestFlushBatchReportsFailureWhenNotConnected(t *testing.T) {
	s := NewMQTTSink(DefaultMQTTConfig())
	messages := []*codec.DecodedMessage{
		{PGN: 0xF004, Name: "EEC1"},
		{PGN: 0xF005, Name: "ETC1"},
	}
	if s.FlushBatch(messages, "can0") {
		t.Fatal("FlushBatch must report failure when every publish fails")
	}
}

func TestDefaultMQTTConfigMatchesDefaults(t *testing.T) {
	cfg := DefaultMQTTConfig()
	if cfg.Broker == "" || cfg.Topic == "" || cfg.ClientID == "" {
		t.Fatal("DefaultMQTTConfig must populate every field")
	}
}
