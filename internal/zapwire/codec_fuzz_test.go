package zapwire

import (
	"bytes"
	"testing"
)

// FuzzCodecRoundTrip checks that a Data frame's test id and batch/payload
// sequence numbers survive an encode/decode cycle, for any payload length
// up to the frame size limit.
func FuzzCodecRoundTrip(f *testing.F) {
	f.Add(uint32(1), uint32(0), uint32(0), 8)
	f.Add(uint32(0xffffffff), uint32(7), uint32(99), 1400)
	f.Add(uint32(42), uint32(3), uint32(9), 0)

	f.Fuzz(func(t *testing.T, tid, batch, payload uint32, length int) {
		if length < 0 {
			length = -length
		}
		if length > MaxPacketLen-HeaderSize-dataHeaderSize {
			length = MaxPacketLen - HeaderSize - dataHeaderSize
		}

		wire := EncodeData(tid, batch, payload, length)

		d := NewDecoder()
		fr, err := d.ReadTCP(bytes.NewReader(wire))
		if err != nil {
			t.Fatalf("ReadTCP: %v", err)
		}
		if fr.Header.TestID != tid {
			t.Fatalf("test id mismatch: got %d want %d", fr.Header.TestID, tid)
		}
		dp, err := DecodeDataPayload(fr.Payload)
		if err != nil {
			t.Fatalf("DecodeDataPayload: %v", err)
		}
		if dp.BatchNumber != batch || dp.PayloadNumber != payload {
			t.Fatalf("sequence mismatch: got %+v want batch=%d payload=%d", dp, batch, payload)
		}
	})
}

// FuzzStationConfigRoundTrip checks that every 18-word configuration blob
// survives an Encode/Decode cycle bit-for-bit.
func FuzzStationConfigRoundTrip(f *testing.F) {
	f.Add(uint32(0), uint32(0), uint32(1), uint32(0))
	f.Add(uint32(1000), uint32(30), uint32(1), uint32(0x7f000001))

	f.Fuzz(func(t *testing.T, payloadLen, maxTestTime, tcp, txIP uint32) {
		cfg := StationConfig{
			PayloadLength: payloadLen,
			MaxTestTime:   maxTestTime,
			TCP:           tcp,
			TXIP:          txIP,
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
	})
}

// FuzzCodecDecodeInvalid feeds arbitrary byte slices at ReadTCP and ReadUDP;
// neither must panic, and ReadUDP must never accept a declared length that
// does not match the byte count handed to it.
func FuzzCodecDecodeInvalid(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0, 0, 0, 1})
	f.Add(EncodeEmpty(1, TypeNull))
	f.Add(EncodeData(1, 0, 0, 16))

	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewDecoder()
		_, _ = d.ReadTCP(bytes.NewReader(data))

		d2 := NewDecoder()
		n := copy(d2.Buffer(), data)
		if _, err := d2.ReadUDP(n); err == nil {
			headerLen := len(data)
			if headerLen > HeaderSize {
				headerLen = HeaderSize
			}
			h, herr := DecodeHeader(data[:headerLen])
			if herr == nil && int(h.Length) != n {
				t.Fatalf("ReadUDP accepted mismatched length: declared %d, read %d", h.Length, n)
			}
		}
	})
}
