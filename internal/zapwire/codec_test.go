package zapwire

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Major: MajorVersion, Minor: MinorVersion, TestID: 0xC0FFEE01, Type: TypeData, Length: HeaderSize + 16}
	buf := make([]byte, HeaderSize)
	h.Encode(buf)
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestStationConfigRoundTrip(t *testing.T) {
	cfg := StationConfig{
		PayloadTransmitDelay: 1, BatchTransmitDelay: 2, PayloadTimeout: 3, BatchTimeout: 4,
		PayloadLength: 1000, Batches: 3, BatchSize: 10, BatchTime: 0, Asynchronous: 1,
		BatchInbandResponse: 0, BatchCompletion: 1, BatchReportRate: 1, TCP: 0,
		MaxTestTime: 30, TX: 1, TXIP: 0x7f000001, BufRequired: 65536, IPTOS: 0,
	}
	buf := make([]byte, ConfigSize)
	cfg.Encode(buf)
	got, err := DecodeStationConfig(buf)
	if err != nil {
		t.Fatalf("DecodeStationConfig: %v", err)
	}
	if got != cfg {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, cfg)
	}
}

func TestDecodeTCP_EmptyPayloadTypes(t *testing.T) {
	for _, typ := range []FrameType{TypeTestComplete, TypeOpenDataConn, TypeReady, TypeTestStart, TypeNull} {
		wire := EncodeEmpty(7, typ)
		d := NewDecoder()
		fr, err := d.ReadTCP(bytes.NewReader(wire))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if fr.Header.Type != typ || len(fr.Payload) != 0 {
			t.Fatalf("%s: got type=%s payload_len=%d", typ, fr.Header.Type, len(fr.Payload))
		}
	}
}

func TestDecodeTCP_DataFrame(t *testing.T) {
	wire := EncodeData(42, 3, 9, 1000)
	d := NewDecoder()
	fr, err := d.ReadTCP(bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("ReadTCP: %v", err)
	}
	if fr.Header.TestID != 42 || fr.Header.Type != TypeData {
		t.Fatalf("unexpected header %+v", fr.Header)
	}
	dp, err := DecodeDataPayload(fr.Payload)
	if err != nil {
		t.Fatalf("DecodeDataPayload: %v", err)
	}
	if dp.BatchNumber != 3 || dp.PayloadNumber != 9 {
		t.Fatalf("unexpected payload %+v", dp)
	}
	if len(fr.Payload) != 1000 {
		t.Fatalf("payload length = %d, want 1000", len(fr.Payload))
	}
}

func TestDecodeUDP_LengthBoundary(t *testing.T) {
	d := NewDecoder()

	// length == header_size decodes (empty payload)
	wire := EncodeEmpty(1, TypeNull)
	copy(d.Buffer(), wire)
	if _, err := d.ReadUDP(len(wire)); err != nil {
		t.Fatalf("header-only datagram: %v", err)
	}

	// Declared length must equal bytes read.
	copy(d.Buffer(), wire)
	if _, err := d.ReadUDP(len(wire) + 1); err == nil {
		t.Fatalf("expected error on length mismatch")
	}
}

func TestDecodeUDP_MaxPacketLenBoundary(t *testing.T) {
	d := NewDecoder()
	wire := EncodeData(1, 0, 0, MaxPacketLen-HeaderSize)
	if len(wire) != MaxPacketLen {
		t.Fatalf("test setup: wire len = %d, want %d", len(wire), MaxPacketLen)
	}
	copy(d.Buffer(), wire)
	if _, err := d.ReadUDP(len(wire)); err != nil {
		t.Fatalf("max-length datagram should decode: %v", err)
	}

	// One byte over is rejected: craft a header claiming MaxPacketLen+1.
	over := make([]byte, MaxPacketLen+1)
	h := Header{Major: MajorVersion, Minor: MinorVersion, TestID: 1, Type: TypeData, Length: MaxPacketLen + 1}
	h.Encode(over[:HeaderSize])
	copy(d.Buffer(), over)
	if _, err := d.ReadUDP(len(over)); err == nil {
		t.Fatalf("expected oversized datagram to be rejected")
	}
}

func TestVersionMismatchRejected(t *testing.T) {
	wire := EncodeEmpty(1, TypeReady)
	// Corrupt the minor version field (offset 4..8).
	wire[7] = 82
	d := NewDecoder()
	_, err := d.ReadTCP(bytes.NewReader(wire))
	if err == nil {
		t.Fatalf("expected version mismatch error")
	}
}

func TestPerformanceReportRoundTrip(t *testing.T) {
	r := PerformanceReport{Received: 10, Dropped: 0, OutOfOrder: 0, Repeated: 0, Batch: 2, FirstPayloadUsec: 0, LastPayloadUsec: 80000, BitsPerSecond: 1_000_000}
	wire := EncodePerformanceReport(99, r)
	d := NewDecoder()
	fr, err := d.ReadTCP(bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("ReadTCP: %v", err)
	}
	got, err := DecodePerformanceReport(fr.Payload)
	if err != nil {
		t.Fatalf("DecodePerformanceReport: %v", err)
	}
	if got != r {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, r)
	}
}

func TestReadTCP_ShortReadIsError(t *testing.T) {
	d := NewDecoder()
	if _, err := d.ReadTCP(bytes.NewReader([]byte{1, 2, 3})); !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead on a truncated header, got %v", err)
	}
}
