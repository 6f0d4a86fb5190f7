package zapwire

import "encoding/binary"

// DataPayload is the Data frame payload: an 8-byte batch/payload
// sequence pair followed by opaque padding out to the station's configured
// payload_length. Padding bytes are never inspected by the receiver.
type DataPayload struct {
	BatchNumber   uint32
	PayloadNumber uint32
}

const dataHeaderSize = 8

// EncodeData builds a full Data frame: header + 8-byte sequence pair +
// zero-filled padding to reach totalLen bytes of payload.
func EncodeData(tid uint32, batch, payload uint32, totalLen int) []byte {
	if totalLen < dataHeaderSize {
		totalLen = dataHeaderSize
	}
	buf := make([]byte, HeaderSize+totalLen)
	h := newHeader(tid, TypeData, totalLen)
	h.Encode(buf[:HeaderSize])
	binary.BigEndian.PutUint32(buf[HeaderSize:HeaderSize+4], batch)
	binary.BigEndian.PutUint32(buf[HeaderSize+4:HeaderSize+8], payload)
	return buf
}

// DecodeDataPayload reads the sequence pair from a Data frame's payload.
func DecodeDataPayload(payload []byte) (DataPayload, error) {
	if len(payload) < dataHeaderSize {
		return DataPayload{}, ErrWrongPayload
	}
	return DataPayload{
		BatchNumber:   binary.BigEndian.Uint32(payload[0:4]),
		PayloadNumber: binary.BigEndian.Uint32(payload[4:8]),
	}, nil
}

// EncodeBatchNumberFrame builds DataComplete/DataCompleteResponse frames,
// which share a 4-byte batch_number payload.
func EncodeBatchNumberFrame(tid uint32, typ FrameType, batch uint32) []byte {
	buf := make([]byte, HeaderSize+4)
	h := newHeader(tid, typ, 4)
	h.Encode(buf[:HeaderSize])
	binary.BigEndian.PutUint32(buf[HeaderSize:], batch)
	return buf
}

// DecodeBatchNumber reads the 4-byte batch_number payload shared by
// DataComplete and DataCompleteResponse.
func DecodeBatchNumber(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, ErrWrongPayload
	}
	return binary.BigEndian.Uint32(payload[0:4]), nil
}

// EncodeEmpty builds a frame with no payload (TestComplete, OpenDataConn,
// Ready, TestStart, Null).
func EncodeEmpty(tid uint32, typ FrameType) []byte {
	buf := make([]byte, HeaderSize)
	h := newHeader(tid, typ, 0)
	h.Encode(buf)
	return buf
}

// EncodeOpenControlConn builds the OpenControlConn frame carrying the full
// station configuration blob.
func EncodeOpenControlConn(tid uint32, cfg StationConfig) []byte {
	buf := make([]byte, HeaderSize+ConfigSize)
	h := newHeader(tid, TypeOpenControlConn, ConfigSize)
	h.Encode(buf[:HeaderSize])
	cfg.Encode(buf[HeaderSize:])
	return buf
}

// ConnectPayload is the Connect frame payload.
type ConnectPayload struct {
	RemoteIP uint32 // network byte order IPv4
	IPTOS    uint32
}

// EncodeConnect builds a Connect frame.
func EncodeConnect(tid uint32, p ConnectPayload) []byte {
	buf := make([]byte, HeaderSize+8)
	h := newHeader(tid, TypeConnect, 8)
	h.Encode(buf[:HeaderSize])
	binary.BigEndian.PutUint32(buf[HeaderSize:HeaderSize+4], p.RemoteIP)
	binary.BigEndian.PutUint32(buf[HeaderSize+4:HeaderSize+8], p.IPTOS)
	return buf
}

// DecodeConnect reads a Connect frame's payload.
func DecodeConnect(payload []byte) (ConnectPayload, error) {
	if len(payload) < 8 {
		return ConnectPayload{}, ErrWrongPayload
	}
	return ConnectPayload{
		RemoteIP: binary.BigEndian.Uint32(payload[0:4]),
		IPTOS:    binary.BigEndian.Uint32(payload[4:8]),
	}, nil
}

// PerformanceReport is the PerformanceResult frame payload: 8 words
// summarizing one reporting interval.
type PerformanceReport struct {
	Received         uint32
	Dropped          uint32
	OutOfOrder       uint32
	Repeated         uint32
	Batch            uint32
	FirstPayloadUsec uint32
	LastPayloadUsec  uint32
	BitsPerSecond    uint32
}

const performanceWords = 8
const performanceSize = performanceWords * 4

// EncodePerformanceReport builds a PerformanceResult frame.
func EncodePerformanceReport(tid uint32, r PerformanceReport) []byte {
	buf := make([]byte, HeaderSize+performanceSize)
	h := newHeader(tid, TypePerformanceResult, performanceSize)
	h.Encode(buf[:HeaderSize])
	words := [performanceWords]uint32{
		r.Received, r.Dropped, r.OutOfOrder, r.Repeated,
		r.Batch, r.FirstPayloadUsec, r.LastPayloadUsec, r.BitsPerSecond,
	}
	for i, v := range words {
		binary.BigEndian.PutUint32(buf[HeaderSize+i*4:HeaderSize+i*4+4], v)
	}
	return buf
}

// DecodePerformanceReport reads a PerformanceResult frame's payload.
func DecodePerformanceReport(payload []byte) (PerformanceReport, error) {
	if len(payload) < performanceSize {
		return PerformanceReport{}, ErrWrongPayload
	}
	var w [performanceWords]uint32
	for i := range w {
		w[i] = binary.BigEndian.Uint32(payload[i*4 : i*4+4])
	}
	return PerformanceReport{
		Received:         w[0],
		Dropped:          w[1],
		OutOfOrder:       w[2],
		Repeated:         w[3],
		Batch:            w[4],
		FirstPayloadUsec: w[5],
		LastPayloadUsec:  w[6],
		BitsPerSecond:    w[7],
	}, nil
}
