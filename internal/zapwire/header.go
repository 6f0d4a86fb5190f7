// Package zapwire implements the station protocol's wire framing: a fixed
// 20-byte header followed by a tagged, fixed-layout payload, all big-endian.
package zapwire

import (
	"encoding/binary"
	"fmt"
)

const (
	MajorVersion = 1
	MinorVersion = 83

	// HeaderSize is the on-wire size of Header, in bytes.
	HeaderSize = 20

	// MaxPacketLen bounds any single frame, header included.
	MaxPacketLen = 65536
)

// FrameType tags the payload that follows a Header. It is a small closed
// enum; unknown values are rejected at decode time rather than treated as
// opaque integers.
type FrameType uint32

const (
	TypeData FrameType = iota
	TypeDataComplete
	TypeDataCompleteResponse
	TypeTestComplete
	TypeOpenDataConn
	TypeOpenControlConn
	TypeConnect
	TypeReady
	TypeTestStart
	TypePerformanceResult
	TypeNull

	typeCount // sentinel, not a valid wire value
)

func (t FrameType) Valid() bool { return t < typeCount }

func (t FrameType) String() string {
	switch t {
	case TypeData:
		return "Data"
	case TypeDataComplete:
		return "DataComplete"
	case TypeDataCompleteResponse:
		return "DataCompleteResponse"
	case TypeTestComplete:
		return "TestComplete"
	case TypeOpenDataConn:
		return "OpenDataConn"
	case TypeOpenControlConn:
		return "OpenControlConn"
	case TypeConnect:
		return "Connect"
	case TypeReady:
		return "Ready"
	case TypeTestStart:
		return "TestStart"
	case TypePerformanceResult:
		return "PerformanceResult"
	case TypeNull:
		return "Null"
	default:
		return fmt.Sprintf("FrameType(%d)", uint32(t))
	}
}

// Header is the fixed 20-byte preamble of every frame on the wire.
type Header struct {
	Major  uint32
	Minor  uint32
	TestID uint32
	Type   FrameType
	Length uint32 // header + payload, bytes
}

// Encode writes the header's wire form (big-endian) into buf[:HeaderSize].
// buf must have length >= HeaderSize.
func (h Header) Encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Major)
	binary.BigEndian.PutUint32(buf[4:8], h.Minor)
	binary.BigEndian.PutUint32(buf[8:12], h.TestID)
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[16:20], h.Length)
}

// DecodeHeader parses a HeaderSize-byte slice into a Header without
// validating version or type; callers validate those at the point they know
// the surrounding context (which tags are legal).
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("zapwire: short header (%d bytes)", len(buf))
	}
	return Header{
		Major:  binary.BigEndian.Uint32(buf[0:4]),
		Minor:  binary.BigEndian.Uint32(buf[4:8]),
		TestID: binary.BigEndian.Uint32(buf[8:12]),
		Type:   FrameType(binary.BigEndian.Uint32(buf[12:16])),
		Length: binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// CheckVersion reports whether the header's version matches the protocol
// version this build speaks.
func (h Header) CheckVersion() error {
	if h.Major != MajorVersion || h.Minor != MinorVersion {
		return fmt.Errorf("%w: peer %d.%d, want %d.%d", ErrVersionMismatch, h.Major, h.Minor, MajorVersion, MinorVersion)
	}
	return nil
}

func newHeader(tid uint32, typ FrameType, payloadLen int) Header {
	return Header{
		Major:  MajorVersion,
		Minor:  MinorVersion,
		TestID: tid,
		Type:   typ,
		Length: uint32(HeaderSize + payloadLen),
	}
}
