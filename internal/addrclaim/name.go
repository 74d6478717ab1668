// Package addrclaim implements the ISO 11783-5 NAME-based address claim
// registry: NAME field parsing, conflict detection, and address/function
// lookup (spec §4.3), grounded in
// afs_fastapi/protocols/isobus_handlers.py's AddressClaimHandler.
package addrclaim

// Name is the decoded ISO 11783-5 NAME field carried in an 8-byte address
// claim payload (spec §3).
type Name struct {
	IdentityNumber      uint32 // 21 bits
	ManufacturerCode    uint16 // 11 bits
	ECUInstance         uint8  // 3 bits
	FunctionInstance    uint8  // 5 bits
	Function            uint8  // 8 bits
	DeviceClass         uint8  // 7 bits
	DeviceClassInstance uint8  // 4 bits
	IndustryGroup       uint8  // 3 bits
	ArbitraryCapable    bool
}

// ParseName decodes an 8-byte NAME payload, mirroring
// AddressClaimHandler.handle_address_claim's bit layout exactly.
func ParseName(b []byte) Name {
	var n Name
	n.IdentityNumber = (uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16) & 0x1FFFFF
	n.ManufacturerCode = uint16(uint32(b[3])|uint32(b[4])<<8) >> 5 & 0x7FF
	n.ECUInstance = (b[4] >> 3) & 0x07
	n.FunctionInstance = b[4] & 0x1F
	n.Function = b[5]
	n.DeviceClass = (b[6] >> 1) & 0x7F
	n.DeviceClassInstance = ((b[6] & 0x01) << 3) | ((b[7] >> 5) & 0x07)
	n.IndustryGroup = (b[7] >> 4) & 0x07
	n.ArbitraryCapable = b[7]&0x80 != 0
	return n
}

// AsUint64 returns the 64-bit NAME value used for lowest-NAME-wins
// arbitration (spec §9 Open Question / SPEC_FULL.md §6 default).
func (n Name) AsUint64() uint64 {
	var v uint64
	v |= uint64(n.IdentityNumber) & 0x1FFFFF
	v |= uint64(n.ManufacturerCode&0x7FF) << 21
	v |= uint64(n.ECUInstance&0x07) << 32
	v |= uint64(n.FunctionInstance&0x1F) << 35
	v |= uint64(n.Function) << 40
	v |= uint64(n.DeviceClass&0x7F) << 48
	v |= uint64(n.DeviceClassInstance&0x0F) << 55
	v |= uint64(n.IndustryGroup&0x07) << 59
	if n.ArbitraryCapable {
		v |= 1 << 63
	}
	return v
}

// EncodeName assembles the 8-byte NAME payload for a CreateAddressClaim
// frame, inverting ParseName.
func EncodeName(n Name) []byte {
	b := make([]byte, 8)
	ident := n.IdentityNumber & 0x1FFFFF
	b[0] = byte(ident)
	b[1] = byte(ident >> 8)
	b[2] = byte(ident >> 16)
	manufAndIdent := (uint32(n.ManufacturerCode&0x7FF) << 5) | ((ident >> 16) & 0x1F)
	b[3] = byte(manufAndIdent)
	b[4] = (n.ECUInstance << 3) | (n.FunctionInstance & 0x1F)
	b[5] = n.Function
	b[6] = (n.DeviceClass << 1) | ((n.DeviceClassInstance >> 3) & 0x01)
	b[7] = ((n.DeviceClassInstance & 0x07) << 5) | ((n.IndustryGroup & 0x07) << 4)
	if n.ArbitraryCapable {
		b[7] |= 0x80
	}
	return b
}
