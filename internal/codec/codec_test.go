package codec

import (
	"math"
	"testing"
	"time"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func findSPN(msg *DecodedMessage, spn int) (DecodedSPN, bool) {
	for _, s := range msg.SPNs {
		if s.SPN == spn {
			return s, true
		}
	}
	return DecodedSPN{}, false
}

// S1 EEC1 decode (spec §8).
func TestDecodeEEC1(t *testing.T) {
	frame := Frame{
		ID:       0x18F00400,
		Data:     []byte{0x00, 0x64, 0xC8, 0x40, 0x38, 0x00, 0x00, 0x00},
		Extended: true,
	}
	msg, ok := Decode(frame)
	if !ok {
		t.Fatal("expected decode success")
	}
	if msg.PGN != 0xF004 {
		t.Fatalf("PGN = %04X, want F004", msg.PGN)
	}
	if msg.SourceAddress != 0x00 {
		t.Fatalf("SA = %02X, want 00", msg.SourceAddress)
	}
	if msg.Priority != 6 {
		t.Fatalf("priority = %d, want 6", msg.Priority)
	}

	speed, ok := findSPN(msg, 190)
	if !ok || !speed.Valid || !approxEqual(speed.Value, 1800.0, 0.25) {
		t.Fatalf("SPN190 = %+v, want ~1800.0 rpm", speed)
	}
	pressure, ok := findSPN(msg, 102)
	if !ok || !pressure.Valid || !approxEqual(pressure.Value, 200.0, 2) {
		t.Fatalf("SPN102 = %+v, want 200.0 kPa", pressure)
	}
	torque, ok := findSPN(msg, 61)
	if !ok || !torque.Valid || !approxEqual(torque.Value, 75.0, 1) {
		t.Fatalf("SPN61 = %+v, want 75.0 %%", torque)
	}
}

// S2 Vehicle speed (spec §8).
func TestDecodeWVS(t *testing.T) {
	frame := Frame{
		ID:       0x18FEF10B,
		Data:     []byte{0xFF, 0x80, 0x19, 0x00, 0x00, 0x00, 0x00, 0x00},
		Extended: true,
	}
	msg, ok := Decode(frame)
	if !ok {
		t.Fatal("expected decode success")
	}
	speed, ok := findSPN(msg, 84)
	if !ok || !speed.Valid || !approxEqual(speed.Value, 25.5, 0.01) {
		t.Fatalf("SPN84 = %+v, want 25.5 km/h", speed)
	}
}

// S3 Vehicle position (spec §8).
func TestDecodeVehiclePosition(t *testing.T) {
	data := make([]byte, 8)
	insertBits(data, 0, 32, uint64(uint32(407128000)))
	rawLon := int32(-740060000)
	insertBits(data, 32, 32, uint64(uint32(rawLon)))

	frame := Frame{ID: 0x18FEF325, Data: data, Extended: true}
	msg, ok := Decode(frame)
	if !ok {
		t.Fatal("expected decode success")
	}
	lat, ok := findSPN(msg, 584)
	if !ok || !lat.Valid || !approxEqual(lat.Value, 40.7128, 0.0001) {
		t.Fatalf("SPN584 = %+v, want 40.7128", lat)
	}
	lon, ok := findSPN(msg, 585)
	if !ok || !lon.Valid || !approxEqual(lon.Value, -74.0060, 0.0001) {
		t.Fatalf("SPN585 = %+v, want -74.0060", lon)
	}
}

func TestDecodeStandardIdentifierIgnored(t *testing.T) {
	frame := Frame{ID: 0x123, Data: make([]byte, 8), Extended: false}
	if _, ok := Decode(frame); ok {
		t.Fatal("standard identifiers must not decode")
	}
}

func TestDecodeUnknownPGNSilentlyDropped(t *testing.T) {
	frame := Frame{ID: BuildIdentifier(0xABCD, 6, 0x10, 0xFF), Data: make([]byte, 8), Extended: true}
	if _, ok := Decode(frame); ok {
		t.Fatal("unknown PGN must be silently dropped")
	}
}

func TestDecodeNotAvailableAndError(t *testing.T) {
	data := make([]byte, 8)
	insertBits(data, 24, 16, 0xFFFF) // engine speed not-available
	frame := Frame{ID: BuildIdentifier(0xF004, 6, 0x00, 0xFF), Data: data, Extended: true}
	msg, ok := Decode(frame)
	if !ok {
		t.Fatal("expected decode success")
	}
	speed, ok := findSPN(msg, 190)
	if !ok || !speed.NotAvailable || speed.HasValue {
		t.Fatalf("SPN190 = %+v, want not-available with no value", speed)
	}
}

func TestDecodeSPNExtractionFailureLeavesOthers(t *testing.T) {
	// Payload truncated so SPN190 (bits 24-39) cannot be extracted, but
	// SPN102/SPN61 (bits 8-23) still can (spec §7 edge case).
	frame := Frame{ID: BuildIdentifier(0xF004, 6, 0x00, 0xFF), Data: []byte{0x00, 0x64, 0xC8}, Extended: true}
	msg, ok := Decode(frame)
	if !ok {
		t.Fatal("expected decode success")
	}
	if _, found := findSPN(msg, 190); found {
		t.Fatal("SPN190 should have failed extraction and been omitted")
	}
	if _, found := findSPN(msg, 102); !found {
		t.Fatal("SPN102 should still decode")
	}
}

// Invariant 1: encode/decode round-trip within one raw unit of quantization.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := map[int]float64{190: 1800.0, 102: 200.0, 61: 75.0}
	frame, ok := Encode(0xF004, 0x11, values, DefaultPriority, DefaultDestination)
	if !ok {
		t.Fatal("expected encode success")
	}
	msg, ok := Decode(frame)
	if !ok {
		t.Fatal("expected decode success")
	}
	for spn, want := range values {
		got, found := findSPN(msg, spn)
		if !found || !got.Valid {
			t.Fatalf("SPN%d missing or invalid after round trip", spn)
		}
		def, _ := Lookup(0xF004)
		var tol float64
		for _, d := range def.SPNs {
			if d.SPN == spn {
				tol = d.Scale
			}
		}
		if !approxEqual(got.Value, want, tol) {
			t.Fatalf("SPN%d round trip = %v, want ~%v (tol %v)", spn, got.Value, want, tol)
		}
	}
}

// Invariant 1 continued: SPNs omitted from encode appear not-available.
func TestEncodeOmittedSPNIsNotAvailable(t *testing.T) {
	frame, ok := Encode(0xF004, 0x11, map[int]float64{190: 1800.0}, DefaultPriority, DefaultDestination)
	if !ok {
		t.Fatal("expected encode success")
	}
	msg, _ := Decode(frame)
	torque, found := findSPN(msg, 61)
	if !found || !torque.NotAvailable {
		t.Fatalf("SPN61 = %+v, want not-available", torque)
	}
}

func TestEncodeUnknownPGNFails(t *testing.T) {
	if _, ok := Encode(0xDEAD, 0x00, nil, DefaultPriority, DefaultDestination); ok {
		t.Fatal("expected encode failure for unknown PGN")
	}
}

func TestBuildIdentifierRoundTripsParseIdentifier(t *testing.T) {
	id := BuildIdentifier(0xF004, 6, 0x11, 0xFF)
	parsed := ParseIdentifier(id)
	pgn, da := parsed.PGNAndDestination()
	if pgn != 0xF004 || da != 0xFF || parsed.SA != 0x11 || parsed.Priority != 6 {
		t.Fatalf("round trip mismatch: pgn=%04X da=%02X sa=%02X prio=%d", pgn, da, parsed.SA, parsed.Priority)
	}
}

func TestExtractBitsByteBoundary(t *testing.T) {
	// SPN spanning a byte boundary (spec §8 boundary case).
	data := []byte{0b11110000, 0b00001111}
	raw, ok := extractBits(data, 4, 8)
	if !ok || raw != 0xFF {
		t.Fatalf("extractBits across boundary = %x, ok=%v, want FF", raw, ok)
	}
}

func TestExtractBitsLastBitOfPayload(t *testing.T) {
	data := []byte{0x00}
	raw, ok := extractBits(data, 7, 1)
	if !ok || raw != 0 {
		t.Fatalf("extractBits last bit = %x, ok=%v", raw, ok)
	}
	data[0] = 0x80
	raw, ok = extractBits(data, 7, 1)
	if !ok || raw != 1 {
		t.Fatalf("extractBits last bit set = %x, ok=%v", raw, ok)
	}
}

func TestDecodeUsesFrameTimestampWhenSet(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	frame := Frame{ID: BuildIdentifier(0xF004, 6, 0, 0xFF), Data: make([]byte, 8), Extended: true, Timestamp: ts}
	msg, ok := Decode(frame)
	if !ok || !msg.Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %v, want %v", msg.Timestamp, ts)
	}
}
