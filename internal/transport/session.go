// Package transport implements the ISO 11783 Transport Protocol (TP)
// state machine: RTS/CTS and BAM session establishment, TP.DT sequential
// reassembly, and session timeout/abort bookkeeping (spec §4.2), grounded
// in afs_fastapi/protocols/isobus_handlers.py's TransportProtocolHandler
// and generalizing the teacher's single stopChan goroutine idiom
// (cmd/agent-j1939/bus.go) into a periodic expiry sweep
// (Handler.CleanupExpired) run by the Protocol Manager's cleanup goroutine.
package transport

import (
	"time"
)

// Control byte values for PGN 0xEC00 (TP.CM), spec §6.
const (
	ControlRTS   = 16
	ControlCTS   = 17
	ControlEOM   = 19
	ControlBAM   = 32
	ControlAbort = 255
)

const (
	pgnTransportControl      = 0xEC00
	pgnTransportDataTransfer = 0xEB00
)

// Key identifies a Transport Session: (SA, DA, PGN) for RTS/CTS sessions,
// or (SA, PGN) with BAM=true for broadcast sessions — only one BAM may be
// in flight per (SA, PGN) at a time (spec §3/§4.2).
type Key struct {
	SourceAddress      uint8
	DestinationAddress uint8
	PGN                uint32
	BAM                bool
}

// Session is the runtime reassembly state for one multi-frame message
// (spec §3).
type Session struct {
	Key             Key
	TotalSize       int
	TotalPackets    int
	MaxPacketsPerCTS int
	PacketsReceived int
	Buffer          []byte
	LastPacketTime  time.Time
	Complete        bool
	SequenceErrors  int
}

func newSession(key Key, totalSize, totalPackets, maxPackets int, now time.Time) *Session {
	return &Session{
		Key:              key,
		TotalSize:        totalSize,
		TotalPackets:     totalPackets,
		MaxPacketsPerCTS: maxPackets,
		Buffer:           make([]byte, totalSize),
		LastPacketTime:   now,
	}
}

// nextSequence is the 1-based sequence number expected next.
func (s *Session) nextSequence() int {
	return s.PacketsReceived + 1
}

// writeSegment places a TP.DT payload at the offset implied by seq,
// truncating the final packet so exactly TotalSize bytes are ever
// delivered (spec §3/§4.2 invariant). Returns ok=false on buffer overflow
// (seq places the segment's offset at or beyond TotalSize), which callers
// treat as an abort condition.
func (s *Session) writeSegment(seq int, segment []byte) bool {
	offset := (seq - 1) * 7
	if offset >= s.TotalSize && s.TotalSize > 0 {
		return false
	}
	end := offset + len(segment)
	if end > s.TotalSize {
		end = s.TotalSize
	}
	n := end - offset
	if n < 0 {
		return false
	}
	copy(s.Buffer[offset:end], segment[:n])
	return true
}
