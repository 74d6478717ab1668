// Package busio: serial-gateway FrameIO, adapted from the teacher's
// internal/j1939/j1939.go J1939Protocol (tarm/serial port, inter-frame-gap
// framing, readFrames/processFrames goroutines). A serial gateway frames
// each J1939 message as 4 big-endian identifier bytes followed by 0-8 data
// bytes, matching what that teacher code parses.
package busio

import (
	"log"
	"time"

	"github.com/tarm/serial"

	"github.com/afs-fleet/isobus-core/internal/codec"
)

const serialInterFrameGap = 5 * time.Millisecond

// SerialFrameIO is a FrameIO collaborator bound to a serial-gateway
// attached CAN bus (spec §8/§9).
type SerialFrameIO struct {
	port *serial.Port
	name string

	framesCh chan codec.Frame
	sendCh   chan codec.Frame
	stopChan chan struct{}
}

// OpenSerial opens a serial gateway port (e.g. "/dev/ttyUSB0") at baud,
// matching the teacher's serial.Config/OpenPort usage.
func OpenSerial(name string, baud int, readTimeout time.Duration) (*SerialFrameIO, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("busio: serial port %s opened at %d baud", name, baud)
	return &SerialFrameIO{
		port: port, name: name,
		framesCh: make(chan codec.Frame, 256),
		sendCh:   make(chan codec.Frame, 256),
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the read and send-drain goroutines.
func (s *SerialFrameIO) Start() {
	log.Printf("busio: starting serial %s", s.name)
	go s.readFrames()
	go s.writeFrames()
}

// Close stops both goroutines and releases the port.
func (s *SerialFrameIO) Close() error {
	log.Printf("busio: closing serial %s", s.name)
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	return s.port.Close()
}

// Frames returns the ingress stream of decoded-identifier frames.
func (s *SerialFrameIO) Frames() <-chan codec.Frame { return s.framesCh }

// Send enqueues a frame for transmission, never blocking the caller.
func (s *SerialFrameIO) Send(frame codec.Frame) bool {
	select {
	case s.sendCh <- frame:
		return true
	default:
		return false
	}
}

// readFrames accumulates raw bytes, emitting a frame once the
// inter-frame gap elapses with no new bytes, mirroring J1939Protocol's
// readFrames/processFrames split.
func (s *SerialFrameIO) readFrames() {
	buf := make([]byte, 256)
	var pending []byte
	last := time.Now()
	defer close(s.framesCh)

	emit := func() {
		if len(pending) < 4 {
			pending = nil
			return
		}
		rawID := uint32(pending[0])<<24 | uint32(pending[1])<<16 | uint32(pending[2])<<8 | uint32(pending[3])
		data := append([]byte{}, pending[4:]...)
		if len(data) > 8 {
			data = data[:8]
		}
		frame := codec.Frame{ID: rawID & 0x1FFFFFFF, Data: data, Extended: true, Timestamp: time.Now()}
		select {
		case s.framesCh <- frame:
		case <-s.stopChan:
		default:
			log.Printf("busio: frame channel full on serial %s, dropping frame", s.name)
		}
		pending = nil
	}

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		n, err := s.port.Read(buf)
		now := time.Now()
		if err != nil && err.Error() != "EOF" {
			log.Printf("busio: serial read error on %s: %v", s.name, err)
		}

		if n == 0 {
			if len(pending) > 0 && now.Sub(last) >= serialInterFrameGap {
				emit()
			}
			continue
		}

		for i := 0; i < n; i++ {
			if len(pending) > 0 && now.Sub(last) >= serialInterFrameGap {
				emit()
			}
			pending = append(pending, buf[i])
			last = now
		}
	}
}

func (s *SerialFrameIO) writeFrames() {
	for {
		select {
		case <-s.stopChan:
			return
		case frame := <-s.sendCh:
			if _, err := s.port.Write(encodeSerialFrame(frame)); err != nil {
				log.Printf("busio: serial write error on %s: %v", s.name, err)
			}
		}
	}
}

// encodeSerialFrame prepends the 4 big-endian identifier bytes the
// serial gateway's own parser expects ahead of the frame's data bytes.
func encodeSerialFrame(frame codec.Frame) []byte {
	buf := make([]byte, 4+len(frame.Data))
	buf[0] = byte(frame.ID >> 24)
	buf[1] = byte(frame.ID >> 16)
	buf[2] = byte(frame.ID >> 8)
	buf[3] = byte(frame.ID)
	copy(buf[4:], frame.Data)
	return buf
}
