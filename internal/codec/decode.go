package codec

import (
	"time"

	"github.com/afs-fleet/isobus-core/internal/metrics"
)

// extractBits pulls bit_length bits starting at start_bit out of a
// little-endian bit vector (byte 0's LSB is bit 0), exactly mirroring
// can_frame_codec.py's _extract_bits. Returns ok=false when the payload is
// too short for the requested range.
func extractBits(data []byte, startBit, bitLength int) (uint64, bool) {
	if len(data)*8 < startBit+bitLength {
		return 0, false
	}
	var bits uint64
	for i, b := range data {
		bits |= uint64(b) << (uint(i) * 8)
	}
	mask := uint64(1)<<uint(bitLength) - 1
	return (bits >> uint(startBit)) & mask, true
}

// signExtend reinterprets a raw unsigned value of the given bit width as a
// two's-complement signed integer, matching the Python reference's
// struct.unpack("b"/"h"/"i", ...) reinterpretation for widths <=8, <=16,
// and <=32 respectively (can_frame_codec.py _decode_spn).
func signExtend(raw uint64, bitLength int) int64 {
	switch {
	case bitLength <= 8:
		return int64(int8(uint8(raw)))
	case bitLength <= 16:
		return int64(int16(uint16(raw)))
	case bitLength <= 32:
		return int64(int32(uint32(raw)))
	default:
		signBit := uint64(1) << uint(bitLength-1)
		if raw&signBit != 0 {
			return int64(raw) - int64(uint64(1)<<uint(bitLength))
		}
		return int64(raw)
	}
}

func isSignedType(t DataType) bool {
	switch t {
	case TypeSignedInt, TypeLatitude, TypeLongitude:
		return true
	default:
		return false
	}
}

// decodeSPN extracts and scales one SPN out of a payload (spec §4.1).
func decodeSPN(def SPNDefinition, data []byte) (DecodedSPN, bool) {
	raw, ok := extractBits(data, def.StartBit, def.BitLength)
	if !ok {
		metrics.Global.SPNExtractionFailures.Add(1)
		return DecodedSPN{}, false
	}

	out := DecodedSPN{SPN: def.SPN, Name: def.Name, Units: def.Units, RawValue: raw}

	if def.HasNotAvailable && raw == def.NotAvailableBits {
		out.NotAvailable = true
		return out, true
	}
	if def.HasError && raw == def.ErrorBits {
		out.Error = true
		return out, true
	}

	var signedRaw float64
	if isSignedType(def.DataType) {
		signedRaw = float64(signExtend(raw, def.BitLength))
	} else {
		signedRaw = float64(raw)
	}

	value := signedRaw*def.Scale + def.Offset
	out.Value = value
	out.HasValue = true
	out.Valid = true
	if def.HasRange && (value < def.MinValue || value > def.MaxValue) {
		out.Valid = false
	}
	return out, true
}

// Decode parses a raw Frame into a DecodedMessage per spec §4.1. It
// returns ok=false for standard (11-bit) identifiers, for PGNs not in the
// Catalog, and for the Transport Protocol PGNs (handled instead by the
// transport package).
func Decode(frame Frame) (*DecodedMessage, bool) {
	if !frame.Extended {
		return nil, false
	}
	if frame.ID > 0x1FFFFFFF {
		metrics.Global.FramesMalformed.Add(1)
		return nil, false
	}

	id := ParseIdentifier(frame.ID)
	pgn, destination := id.PGNAndDestination()

	// Transport Protocol frames are not decoded here; the transport
	// package owns PGN 0xEC00/0xEB00 reassembly (spec §4.2).
	if pgn == PGNTransportControl || pgn == PGNTransportDataTransfer {
		return nil, false
	}

	def, ok := Lookup(pgn)
	if !ok {
		metrics.Global.FramesUnhandledPGN.Add(1)
		return nil, false
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	msg := &DecodedMessage{
		PGN:                pgn,
		Name:               def.Name,
		SourceAddress:      id.SA,
		DestinationAddress: destination,
		Priority:           id.Priority,
		Timestamp:          ts,
		Payload:            frame.Data,
	}
	for _, spnDef := range def.SPNs {
		decoded, ok := decodeSPN(spnDef, frame.Data)
		if !ok {
			// SPNExtractionFailure: omit this SPN, keep decoding the rest
			// (spec §7 edge case).
			continue
		}
		msg.SPNs = append(msg.SPNs, decoded)
	}
	return msg, true
}
