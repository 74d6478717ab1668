// Package codec implements the bit-exact J1939/ISOBUS frame codec: 29-bit
// identifier parsing, PGN derivation, and per-SPN bit extraction with scale
// and offset, following the bit-twiddling idiom of the teacher's
// internal/j1939/j1939.go parseFrame/parse* functions, generalized from a
// hardcoded switch over PGNs into a data-driven catalog (afs_fastapi's
// can_frame_codec.py PGNDefinition/SPNDefinition shape).
package codec

import "time"

// DataType records how a SPN's raw bits map to a physical quantity.
type DataType int

const (
	TypeUnsignedInt DataType = iota
	TypeSignedInt
	TypeLatitude
	TypeLongitude
	TypeASCII
)

// SPNDefinition is the static metadata for one Suspect Parameter Number
// within a PGN (spec §3).
type SPNDefinition struct {
	SPN              int
	Name             string
	DataType         DataType
	StartBit         int
	BitLength        int
	Scale            float64
	Offset           float64
	Units            string
	HasRange         bool
	MinValue         float64
	MaxValue         float64
	NotAvailableBits uint64 // raw value meaning "not available"; see HasNotAvailable
	HasNotAvailable  bool
	ErrorBits        uint64 // raw value meaning "error"; see HasError
	HasError         bool
}

// PGNDefinition is the static metadata for one Parameter Group Number
// (spec §3).
type PGNDefinition struct {
	PGN                    uint32
	Name                   string
	DataLength             int
	TransmissionPeriodMS   int // 0 means not cyclic
	SPNs                   []SPNDefinition
	Proprietary            bool
	SourceAddressSpecific  bool
	DestinationSpecific    bool
}

// DecodedSPN is the runtime result of extracting one SPN from a payload.
type DecodedSPN struct {
	SPN           int
	Name          string
	Units         string
	RawValue      uint64
	Value         float64 // meaningful only when Valid && !NotAvailable && !Error
	HasValue      bool
	Valid         bool
	NotAvailable  bool
	Error         bool
}

// DecodedMessage is the runtime result of decoding one J1939 frame (spec §3).
type DecodedMessage struct {
	PGN                uint32
	Name               string
	SourceAddress      uint8
	DestinationAddress uint8
	Priority           uint8
	Timestamp          time.Time
	Payload            []byte
	SPNs               []DecodedSPN
	MultiFrame         bool
	FrameCount         int
}

// Frame is the opaque wire carrier (spec §3): a 29-bit identifier plus
// 0..8 (or up to 64 for CAN FD) data bytes.
type Frame struct {
	ID         uint32 // 29-bit J1939 identifier
	Data       []byte
	Extended   bool
	RTR        bool
	ErrorFrame bool
	Timestamp  time.Time
}

// Identifier is the decomposed form of a 29-bit J1939 CAN identifier
// (spec §3/§6).
type Identifier struct {
	Priority uint8
	DataPage uint8
	PF       uint8
	PS       uint8
	SA       uint8
}

// ParseIdentifier decomposes a 29-bit CAN ID into its J1939 fields.
func ParseIdentifier(id uint32) Identifier {
	return Identifier{
		Priority: uint8((id >> 26) & 0x07),
		DataPage: uint8((id >> 24) & 0x01),
		PF:       uint8((id >> 16) & 0xFF),
		PS:       uint8((id >> 8) & 0xFF),
		SA:       uint8(id & 0xFF),
	}
}

// PGNAndDestination derives (PGN, destination address) from an Identifier
// per the PDU1/PDU2 rule in spec §3: PF >= 240 is PDU2 (broadcast, global
// destination); PF < 240 is PDU1 (destination-specific, PS is the DA).
func (id Identifier) PGNAndDestination() (pgn uint32, destination uint8) {
	if id.PF >= 240 {
		pgn = (uint32(id.DataPage) << 16) | (uint32(id.PF) << 8) | uint32(id.PS)
		return pgn, 0xFF
	}
	pgn = (uint32(id.DataPage) << 16) | (uint32(id.PF) << 8)
	return pgn, id.PS
}

// BuildIdentifier constructs the 29-bit CAN ID for a PGN/priority/SA/DA
// combination, inverting ParseIdentifier/PGNAndDestination (spec §6).
func BuildIdentifier(pgn uint32, priority, sa, destination uint8) uint32 {
	dataPage := uint8((pgn >> 16) & 0x01)
	pf := uint8((pgn >> 8) & 0xFF)
	var ps uint8
	if pf >= 240 {
		ps = uint8(pgn & 0xFF)
	} else {
		ps = destination
	}
	return (uint32(priority&0x07) << 26) |
		(uint32(dataPage) << 24) |
		(uint32(pf) << 16) |
		(uint32(ps) << 8) |
		uint32(sa)
}
