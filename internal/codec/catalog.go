package codec

// Reserved data-page/PF values used outside the ordinary PGN catalog
// (spec §9 glossary).
const (
	PGNAddressClaim         uint32 = 0xEE00
	PGNTransportControl     uint32 = 0xEC00
	PGNTransportDataTransfer uint32 = 0xEB00
	PGNDM1                  uint32 = 0xFECA
	PGNDM2                  uint32 = 0xFECB
)

// Catalog is the read-only, shared-without-locks PGN/SPN metadata table
// (spec §5 ownership rule: "shared immutably for the life of the
// process"). Values are taken verbatim from the agricultural PGN set in
// afs_fastapi/core/can_frame_codec.py's J1939Decoder._load_agricultural_pgns.
var Catalog = buildCatalog()

func buildCatalog() map[uint32]PGNDefinition {
	defs := []PGNDefinition{
		{
			PGN:                  0xF004,
			Name:                 "Electronic Engine Controller 1",
			DataLength:           8,
			TransmissionPeriodMS: 50,
			SPNs: []SPNDefinition{
				{
					SPN: 190, Name: "Engine Speed", DataType: TypeUnsignedInt,
					StartBit: 24, BitLength: 16, Scale: 0.125, Units: "rpm",
					HasRange: true, MinValue: 0, MaxValue: 8031.875,
					NotAvailableBits: 0xFFFF, HasNotAvailable: true,
					ErrorBits: 0xFFFE, HasError: true,
				},
				{
					SPN: 102, Name: "Engine Intake Manifold #1 Pressure", DataType: TypeUnsignedInt,
					StartBit: 8, BitLength: 8, Scale: 2.0, Units: "kPa",
					HasRange: true, MinValue: 0, MaxValue: 500,
					NotAvailableBits: 0xFF, HasNotAvailable: true,
					ErrorBits: 0xFE, HasError: true,
				},
				{
					SPN: 61, Name: "Engine Percent Torque At Current Speed", DataType: TypeUnsignedInt,
					StartBit: 16, BitLength: 8, Scale: 1.0, Offset: -125, Units: "%",
					HasRange: true, MinValue: -125, MaxValue: 125,
					NotAvailableBits: 0xFF, HasNotAvailable: true,
					ErrorBits: 0xFE, HasError: true,
				},
			},
		},
		{
			PGN:                  0xF005,
			Name:                 "Electronic Transmission Controller 1",
			DataLength:           8,
			TransmissionPeriodMS: 100,
			SPNs: []SPNDefinition{
				{
					SPN: 191, Name: "Transmission Output Shaft Speed", DataType: TypeUnsignedInt,
					StartBit: 8, BitLength: 16, Scale: 0.125, Units: "rpm",
					HasRange: true, MinValue: 0, MaxValue: 8031.875,
					NotAvailableBits: 0xFFFF, HasNotAvailable: true,
					ErrorBits: 0xFFFE, HasError: true,
				},
				{
					SPN: 127, Name: "Transmission Current Gear", DataType: TypeUnsignedInt,
					StartBit: 40, BitLength: 8, Scale: 1.0, Offset: -125, Units: "",
					HasRange: true, MinValue: -125, MaxValue: 125,
					NotAvailableBits: 0xFF, HasNotAvailable: true,
					ErrorBits: 0xFE, HasError: true,
				},
			},
		},
		{
			PGN:                  0xFEF1,
			Name:                 "Wheel-Based Vehicle Speed",
			DataLength:           8,
			TransmissionPeriodMS: 100,
			SPNs: []SPNDefinition{
				{
					SPN: 84, Name: "Wheel-Based Vehicle Speed", DataType: TypeUnsignedInt,
					StartBit: 8, BitLength: 16, Scale: 0.00390625, Units: "km/h",
					HasRange: true, MinValue: 0, MaxValue: 250.996,
					NotAvailableBits: 0xFFFF, HasNotAvailable: true,
					ErrorBits: 0xFFFE, HasError: true,
				},
			},
		},
		{
			PGN:                  0xFEF2,
			Name:                 "Fuel Economy",
			DataLength:           8,
			TransmissionPeriodMS: 1000,
			SPNs: []SPNDefinition{
				{
					SPN: 183, Name: "Engine Fuel Rate", DataType: TypeUnsignedInt,
					StartBit: 0, BitLength: 16, Scale: 0.05, Units: "L/h",
					HasRange: true, MinValue: 0, MaxValue: 3212.75,
					NotAvailableBits: 0xFFFF, HasNotAvailable: true,
					ErrorBits: 0xFFFE, HasError: true,
				},
				{
					SPN: 184, Name: "Engine Instantaneous Fuel Economy", DataType: TypeUnsignedInt,
					StartBit: 16, BitLength: 16, Scale: 0.00390625, Units: "km/L",
					HasRange: true, MinValue: 0, MaxValue: 125.5,
					NotAvailableBits: 0xFFFF, HasNotAvailable: true,
					ErrorBits: 0xFFFE, HasError: true,
				},
			},
		},
		{
			PGN:                  0xFEF3,
			Name:                 "Vehicle Position",
			DataLength:           8,
			TransmissionPeriodMS: 1000,
			SPNs: []SPNDefinition{
				{
					SPN: 584, Name: "Latitude", DataType: TypeLatitude,
					StartBit: 0, BitLength: 32, Scale: 1e-7, Units: "degrees",
					HasRange: true, MinValue: -180, MaxValue: 180,
					NotAvailableBits: 0xFFFFFFFF, HasNotAvailable: true,
					ErrorBits: 0xFFFFFFFE, HasError: true,
				},
				{
					SPN: 585, Name: "Longitude", DataType: TypeLongitude,
					StartBit: 32, BitLength: 32, Scale: 1e-7, Units: "degrees",
					HasRange: true, MinValue: -180, MaxValue: 180,
					NotAvailableBits: 0xFFFFFFFF, HasNotAvailable: true,
					ErrorBits: 0xFFFFFFFE, HasError: true,
				},
			},
		},
		// Ambient/agricultural PGNs supplementing the minimum catalog, folded
		// in from the teacher's internal/j1939/j1939.go parse switch to
		// preserve those decoded fields (SPEC_FULL.md §5).
		{
			PGN:                  0xFEE9,
			Name:                 "Fuel Consumption (Liquid)",
			DataLength:           8,
			TransmissionPeriodMS: 1000,
			SPNs: []SPNDefinition{
				{
					SPN: 182, Name: "Engine Trip Fuel", DataType: TypeUnsignedInt,
					StartBit: 0, BitLength: 32, Scale: 0.5, Units: "L",
					NotAvailableBits: 0xFFFFFFFF, HasNotAvailable: true,
					ErrorBits: 0xFFFFFFFE, HasError: true,
				},
				{
					SPN: 250, Name: "Engine Total Fuel Used", DataType: TypeUnsignedInt,
					StartBit: 32, BitLength: 32, Scale: 0.5, Units: "L",
					NotAvailableBits: 0xFFFFFFFF, HasNotAvailable: true,
					ErrorBits: 0xFFFFFFFE, HasError: true,
				},
			},
		},
		{
			PGN:                  0xFEE4,
			Name:                 "High Resolution Vehicle Distance",
			DataLength:           8,
			TransmissionPeriodMS: 1000,
			SPNs: []SPNDefinition{
				{
					SPN: 917, Name: "High Resolution Total Vehicle Distance", DataType: TypeUnsignedInt,
					StartBit: 0, BitLength: 32, Scale: 0.005, Units: "km",
					NotAvailableBits: 0xFFFFFFFF, HasNotAvailable: true,
					ErrorBits: 0xFFFFFFFE, HasError: true,
				},
			},
		},
		{
			PGN:                  0xFEF5,
			Name:                 "Ambient Conditions",
			DataLength:           8,
			TransmissionPeriodMS: 1000,
			SPNs: []SPNDefinition{
				{
					SPN: 171, Name: "Ambient Air Temperature", DataType: TypeSignedInt,
					StartBit: 24, BitLength: 16, Scale: 0.03125, Offset: -273, Units: "degC",
					NotAvailableBits: 0xFFFF, HasNotAvailable: true,
					ErrorBits: 0xFFFE, HasError: true,
				},
			},
		},
		{
			PGN:                  0xFEFC,
			Name:                 "Fuel Level",
			DataLength:           8,
			TransmissionPeriodMS: 1000,
			SPNs: []SPNDefinition{
				{
					SPN: 96, Name: "Fuel Level", DataType: TypeUnsignedInt,
					StartBit: 0, BitLength: 8, Scale: 0.4, Units: "%",
					NotAvailableBits: 0xFF, HasNotAvailable: true,
					ErrorBits: 0xFE, HasError: true,
				},
			},
		},
	}

	out := make(map[uint32]PGNDefinition, len(defs))
	for _, d := range defs {
		out[d.PGN] = d
	}
	return out
}

// Lookup returns the catalog entry for pgn, or ok=false if the PGN is
// unknown (observed via the FramesUnhandledPGN counter by the caller).
func Lookup(pgn uint32) (PGNDefinition, bool) {
	d, ok := Catalog[pgn]
	return d, ok
}
