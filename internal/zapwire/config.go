package zapwire

import "encoding/binary"

// StationConfig carries every tunable of a station's test run. All fields
// are 32-bit unsigned and travel on the wire as a flat array of big-endian
// words, so OpenControlConn moves the whole struct with one word-at-a-time
// byte-swap loop instead of a field-aware marshaler.
type StationConfig struct {
	PayloadTransmitDelay uint32 // usec between payloads
	BatchTransmitDelay   uint32 // usec between batches
	PayloadTimeout       uint32
	BatchTimeout         uint32
	PayloadLength        uint32 // bytes per data frame
	Batches              uint32 // total batches to send
	BatchSize            uint32 // payloads per batch
	BatchTime            uint32 // usec; alternative/additional flush trigger
	Asynchronous         uint32 // max outstanding batches
	BatchInbandResponse  uint32
	BatchCompletion      uint32 // DataComplete/DataCompleteResponse gating
	BatchReportRate      uint32
	TCP                  uint32 // data frames over TCP if set, else UDP
	MaxTestTime          uint32 // seconds
	TX                   uint32 // 1 if this station transmits
	TXIP                 uint32 // network byte order IPv4; 0 = unknown
	BufRequired          uint32
	IPTOS                uint32
}

// ConfigWords is the number of 32-bit words a StationConfig occupies on the
// wire; keep in sync with the field count above.
const ConfigWords = 18

// ConfigSize is the wire size of StationConfig, in bytes.
const ConfigSize = ConfigWords * 4

func (c StationConfig) words() [ConfigWords]uint32 {
	return [ConfigWords]uint32{
		c.PayloadTransmitDelay,
		c.BatchTransmitDelay,
		c.PayloadTimeout,
		c.BatchTimeout,
		c.PayloadLength,
		c.Batches,
		c.BatchSize,
		c.BatchTime,
		c.Asynchronous,
		c.BatchInbandResponse,
		c.BatchCompletion,
		c.BatchReportRate,
		c.TCP,
		c.MaxTestTime,
		c.TX,
		c.TXIP,
		c.BufRequired,
		c.IPTOS,
	}
}

func configFromWords(w [ConfigWords]uint32) StationConfig {
	return StationConfig{
		PayloadTransmitDelay: w[0],
		BatchTransmitDelay:   w[1],
		PayloadTimeout:       w[2],
		BatchTimeout:         w[3],
		PayloadLength:        w[4],
		Batches:              w[5],
		BatchSize:            w[6],
		BatchTime:            w[7],
		Asynchronous:         w[8],
		BatchInbandResponse:  w[9],
		BatchCompletion:      w[10],
		BatchReportRate:      w[11],
		TCP:                  w[12],
		MaxTestTime:          w[13],
		TX:                   w[14],
		TXIP:                 w[15],
		BufRequired:          w[16],
		IPTOS:                w[17],
	}
}

// Encode writes the big-endian, word-at-a-time wire form into buf[:ConfigSize].
func (c StationConfig) Encode(buf []byte) {
	w := c.words()
	for i, v := range w {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], v)
	}
}

// DecodeStationConfig parses ConfigSize bytes into a StationConfig.
func DecodeStationConfig(buf []byte) (StationConfig, error) {
	if len(buf) < ConfigSize {
		return StationConfig{}, ErrShortRead
	}
	var w [ConfigWords]uint32
	for i := range w {
		w[i] = binary.BigEndian.Uint32(buf[i*4 : i*4+4])
	}
	return configFromWords(w), nil
}

// IsUDP reports whether data frames for this station travel over UDP.
func (c StationConfig) IsUDP() bool { return c.TCP == 0 }
