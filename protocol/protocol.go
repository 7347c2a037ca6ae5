// Package protocol implements the frame format used by the raw TCP transport.
//
// WebSocket connections get message boundaries and ping/pong control frames from the
// WebSocket protocol itself. A plain TCP stream has neither, so every envelope is wrapped
// in a fixed-size 12-byte header followed by a variable-length body, and liveness probes
// travel as body-less ping/pong frames.
//
// Frame format:
//
//	0      3  4  5         8        12
//	┌──────┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ft│   seq   │ bodyLen │    body ...    │
//	│ dxr  │01│  │ uint24  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "dxr" (duplex rpc).
// Used to reject non-protocol connections early (e.g. an HTTP client hitting the wrong port).
const (
	MagicNumber byte = 0x64 // 'd'
	MagicByte2  byte = 0x78 // 'x'
	MagicByte3  byte = 0x72 // 'r'
	Version     byte = 0x01
	HeaderSize  int  = 12 // 3 (magic) + 1 (version) + 1 (frameType) + 3 (seq) + 4 (bodyLen)

	// MaxBodySize bounds a single frame so a corrupt length cannot make the reader
	// allocate arbitrary memory.
	MaxBodySize uint32 = 16 << 20
)

// FrameType distinguishes envelope frames from liveness probes.
type FrameType byte

const (
	FrameTypeData FrameType = 0 // Body is one encoded envelope
	FrameTypePing FrameType = 1 // Liveness probe (no body)
	FrameTypePong FrameType = 2 // Probe acknowledgment (no body)
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeData:
		return "data"
	case FrameTypePing:
		return "ping"
	case FrameTypePong:
		return "pong"
	}
	return fmt.Sprintf("frame(%d)", byte(t))
}

// Header represents the fixed 12-byte frame header.
type Header struct {
	FrameType FrameType
	Seq       uint32 // Per-direction frame counter (24 bits on the wire), for diagnostics
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w as a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodySize {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.FrameType)
	// Sequence number: low 24 bits, big-endian
	buf[5] = byte(h.Seq >> 16)
	buf[6] = byte(h.Seq >> 8)
	buf[7] = byte(h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, frame type and body length, and uses
// io.ReadFull so a frame is never returned partially read.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	frameType := FrameType(headerBuf[4])
	if frameType != FrameTypeData && frameType != FrameTypePing && frameType != FrameTypePong {
		return nil, nil, fmt.Errorf("unsupported frame type: %d", headerBuf[4])
	}

	seq := uint32(headerBuf[5])<<16 | uint32(headerBuf[6])<<8 | uint32(headerBuf[7])
	bodyLen := binary.BigEndian.Uint32(headerBuf[8:12])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		FrameType: frameType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
