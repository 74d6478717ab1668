// Package diagnostics implements the Diagnostic Decoder: DM1 (active) and
// DM2 (previously active) DTC messages — lamp-status byte and packed
// 4-byte DTC records (spec §4.4), grounded in
// afs_fastapi/protocols/isobus_handlers.py's DiagnosticHandler. The DTC
// record bit layout follows spec.md §6 exactly (FMI at (byte2>>3)&0x1F
// with a conversion-method flag at byte2 bit 7), which differs from a
// narrower shift in the Python reference and is treated as authoritative
// per the spec's explicit field list.
package diagnostics

import (
	"sync"
	"time"

	"github.com/afs-fleet/isobus-core/internal/codec"
	"github.com/afs-fleet/isobus-core/internal/events"
	"github.com/afs-fleet/isobus-core/internal/metrics"
)

const (
	pgnDM1 uint32 = 0xFECA
	pgnDM2 uint32 = 0xFECB
)

// LampStatus is the decoded DM1 lamp-status byte (spec §4.4).
type LampStatus struct {
	MIL string // OFF, ON, RESERVED, NOT_AVAILABLE
	RSL bool
	AWL bool
	PL  bool
}

var milNames = [4]string{"OFF", "ON", "RESERVED", "NOT_AVAILABLE"}

func parseLampStatus(b byte) LampStatus {
	return LampStatus{
		MIL: milNames[(b>>6)&0x03],
		RSL: (b>>4)&0x03 == 1,
		AWL: (b>>2)&0x03 == 1,
		PL:  b&0x03 == 1,
	}
}

// DTC is a decoded Diagnostic Trouble Code record (spec §3).
type DTC struct {
	SPN               uint32 // 19 bits
	FMI               uint8  // 5 bits
	OccurrenceCount   uint8  // 7 bits
	ConversionMethod  bool
	LampStatus        LampStatus
	Active            bool
}

// parseDTC decodes one 4-byte DTC record per spec §6. A record with SPN=0
// and FMI=0 denotes an empty slot and terminates the caller's loop.
func parseDTC(b []byte, lamp LampStatus, active bool) (DTC, bool) {
	spn := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2]&0x07)<<16
	fmi := (b[2] >> 3) & 0x1F
	conversion := b[2]&0x80 != 0
	count := b[3] & 0x7F

	if spn == 0 && fmi == 0 {
		return DTC{}, false
	}
	return DTC{
		SPN: spn, FMI: fmi, OccurrenceCount: count,
		ConversionMethod: conversion, LampStatus: lamp, Active: active,
	}, true
}

func parseDTCList(data []byte, lamp LampStatus, active bool) []DTC {
	var out []DTC
	for i := 0; i+4 <= len(data); i += 4 {
		dtc, ok := parseDTC(data[i:i+4], lamp, active)
		if !ok {
			break
		}
		out = append(out, dtc)
	}
	return out
}

// Handler is the Diagnostic Decoder (spec §4.4): it tracks active and
// previously-active DTCs per source address.
type Handler struct {
	rec *events.Recorder

	mu       sync.RWMutex
	active   map[uint8][]DTC
	inactive map[uint8][]DTC

	callbacksMu sync.Mutex
	callbacks   []func(sa uint8, dtcs []DTC)
}

// NewHandler builds a Diagnostic Decoder.
func NewHandler(rec *events.Recorder) *Handler {
	return &Handler{rec: rec, active: make(map[uint8][]DTC), inactive: make(map[uint8][]DTC)}
}

// AddCallback registers a callback invoked whenever a source address's
// active-DTC set changes.
func (h *Handler) AddCallback(cb func(sa uint8, dtcs []DTC)) {
	h.callbacksMu.Lock()
	h.callbacks = append(h.callbacks, cb)
	h.callbacksMu.Unlock()
}

// HandleDM1 parses a PGN 0xFECA frame: byte 0 lamp status, bytes 2+
// packed 4-byte DTC records (spec §4.4).
func (h *Handler) HandleDM1(frame codec.Frame, now time.Time) []DTC {
	if len(frame.Data) < 2 {
		metrics.Global.FramesMalformed.Add(1)
		return nil
	}
	id := codec.ParseIdentifier(frame.ID)
	lamp := parseLampStatus(frame.Data[0])
	dtcs := parseDTCList(frame.Data[2:], lamp, true)

	h.mu.Lock()
	prev := h.active[id.SA]
	h.active[id.SA] = dtcs
	h.mu.Unlock()

	changed := len(prev) != len(dtcs)
	for i := 0; !changed && i < len(dtcs); i++ {
		changed = prev[i].SPN != dtcs[i].SPN || prev[i].FMI != dtcs[i].FMI
	}
	if !changed {
		return dtcs
	}
	h.rec.Emit(events.KindDTCActiveChanged, now, events.DTCDetail{SourceAddress: id.SA, Active: true})

	h.callbacksMu.Lock()
	cbs := append([]func(uint8, []DTC){}, h.callbacks...)
	h.callbacksMu.Unlock()
	for _, cb := range cbs {
		cb(id.SA, dtcs)
	}
	return dtcs
}

// HandleDM2 parses a PGN 0xFECB frame the same way as DM1, recording
// previously-active DTCs instead.
func (h *Handler) HandleDM2(frame codec.Frame) []DTC {
	if len(frame.Data) < 2 {
		metrics.Global.FramesMalformed.Add(1)
		return nil
	}
	id := codec.ParseIdentifier(frame.ID)
	lamp := parseLampStatus(frame.Data[0])
	dtcs := parseDTCList(frame.Data[2:], lamp, false)

	h.mu.Lock()
	h.inactive[id.SA] = dtcs
	h.mu.Unlock()
	return dtcs
}

// ActiveDTCs returns the active DTCs currently recorded for a source
// address.
func (h *Handler) ActiveDTCs(sa uint8) []DTC {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]DTC{}, h.active[sa]...)
}

// AllActiveDTCs returns every source address with active DTCs (network
// status snapshot, spec §4.9).
func (h *Handler) AllActiveDTCs() map[uint8][]DTC {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[uint8][]DTC, len(h.active))
	for sa, dtcs := range h.active {
		out[sa] = append([]DTC{}, dtcs...)
	}
	return out
}

// AllInactiveDTCs returns every source address with recorded
// previously-active DTCs (network status snapshot, spec §4.9).
func (h *Handler) AllInactiveDTCs() map[uint8][]DTC {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[uint8][]DTC, len(h.inactive))
	for sa, dtcs := range h.inactive {
		out[sa] = append([]DTC{}, dtcs...)
	}
	return out
}

func isDM(pgn uint32) bool { return pgn == pgnDM1 || pgn == pgnDM2 }
