package codec

import "math"

// insertBits writes the low bit_length bits of value into data at
// start_bit, little-endian, mirroring can_frame_codec.py's _insert_bits.
func insertBits(data []byte, startBit, bitLength int, value uint64) bool {
	if len(data)*8 < startBit+bitLength {
		return false
	}
	mask := uint64(1)<<uint(bitLength) - 1
	value &= mask
	for i := 0; i < bitLength; i++ {
		bitPos := startBit + i
		byteIdx := bitPos / 8
		bitInByte := uint(bitPos % 8)
		if value&(1<<uint(i)) != 0 {
			data[byteIdx] |= 1 << bitInByte
		} else {
			data[byteIdx] &^= 1 << bitInByte
		}
	}
	return true
}

// signedRawBounds returns the saturation range for a signed SPN of the
// given bit width, matching the Python reference's per-width literal
// bounds (can_frame_codec.py _encode_spn_value).
func signedRawBounds(bitLength int) (min, max int64) {
	switch {
	case bitLength <= 8:
		return -128, 127
	case bitLength <= 16:
		return -32768, 32767
	case bitLength <= 32:
		return -2147483648, 2147483647
	default:
		return 0, int64(uint64(1)<<uint(bitLength) - 1)
	}
}

// encodeSPNValue converts a physical value back to its raw bit pattern,
// applying inverse scale/offset, rounding to nearest integer, and
// saturating at the signed/unsigned bit-width limits (spec §4.1 Encode
// contract). A nil value (SPN absent from the caller's map) yields the
// PGN's not-available raw constant.
func encodeSPNValue(def SPNDefinition, value *float64) uint64 {
	if value == nil {
		return def.NotAvailableBits
	}

	rawF := (*value - def.Offset) / def.Scale
	raw := int64(math.Round(rawF))

	if isSignedType(def.DataType) {
		min, max := signedRawBounds(def.BitLength)
		if raw < min {
			raw = min
		} else if raw > max {
			raw = max
		}
		return uint64(raw) & (uint64(1)<<uint(def.BitLength) - 1)
	}

	maxRaw := uint64(1)<<uint(def.BitLength) - 1
	if raw < 0 {
		return 0
	}
	if uint64(raw) > maxRaw {
		return maxRaw
	}
	return uint64(raw)
}

// Encode builds a Frame for pgn carrying the supplied SPN values (spec
// §4.1). values maps SPN number to physical value; SPNs in the PGN's
// catalog entry that are absent from values are emitted as not-available.
// Encode fails (ok=false) only when pgn has no catalog entry.
func Encode(pgn uint32, sa uint8, values map[int]float64, priority uint8, destination uint8) (Frame, bool) {
	def, ok := Lookup(pgn)
	if !ok {
		return Frame{}, false
	}

	data := make([]byte, def.DataLength)
	for _, spnDef := range def.SPNs {
		var vp *float64
		if v, present := values[spnDef.SPN]; present {
			vv := v
			vp = &vv
		}
		raw := encodeSPNValue(spnDef, vp)
		insertBits(data, spnDef.StartBit, spnDef.BitLength, raw)
	}

	id := BuildIdentifier(pgn, priority, sa, destination)
	return Frame{ID: id, Data: data, Extended: true}, true
}

// DefaultPriority and DefaultDestination match the Python encoder's
// keyword defaults (priority=6, destination_address=255).
const (
	DefaultPriority    uint8 = 6
	DefaultDestination uint8 = 0xFF
)
