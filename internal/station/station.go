package station

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zapnet/zapnet/internal/zapwire"
)

const (
	// MaxStations bounds how many stations one server can operate at once.
	MaxStations = 20
	// MaxReceivers bounds how many data TCP connections one station can hold
	// open (one per configured receiver, in-band).
	MaxReceivers = 20
)

// sampleTrack accumulates one batch's measurements between two reports.
type sampleTrack struct {
	firstFrameArrivalUsec int64
	lastFrameArrivalUsec  int64
	totalTimeUsec         uint64
	payloadBytes          uint32
	outOfOrder            uint32
	repeated              uint32
	skipped               uint32
	received              uint32
}

// drainPause separates shutdown(SHUT_WR) from close() when tearing a
// station down, giving the kernel a moment to flush unsent bytes.
const drainPause = 500 * time.Microsecond

// Station is one active test participant: its control connection, any data
// connections, negotiated configuration, and in-flight measurement state.
// Each station is driven by one goroutine at a time; the mutex here guards
// state a concurrent TestComplete/shutdown path may touch while the
// measurement goroutine is mid-update.
type Station struct {
	mu sync.Mutex

	ID     uint32
	State  State
	Config zapwire.StationConfig

	Control net.Conn
	Data    []net.Conn // len <= MaxReceivers

	batchNum   uint32
	payloadNum uint32
	sampleNum  uint32
	sample     sampleTrack

	// lastCompletedBatch is written by whichever connection's reader sees a
	// DataCompleteResponse and read by the TX scheduler deciding whether its
	// asynchronous window can advance. 0xffffffff means "none yet".
	lastCompletedBatch atomic.Uint32
}

// Lock/Unlock expose the station's mutex to callers (server/controller
// handlers) that need to serialize a sequence of field reads and writes.
func (s *Station) Lock()   { s.mu.Lock() }
func (s *Station) Unlock() { s.mu.Unlock() }

// reset clears per-run counters for a freshly configured station. Data
// connections survive: a station's inbound data conn can arrive before
// its configuration does.
func (s *Station) reset(tid uint32, cfg zapwire.StationConfig) {
	s.ID = tid
	s.Config = cfg
	s.batchNum = 0
	s.payloadNum = 0
	s.sampleNum = 0
	s.sample = sampleTrack{}
}

// Clean tears the station down to State Off: shutdown(SHUT_WR) then a
// brief drain pause then close, for every open socket, before zeroing
// sample state and the station id.
func (s *Station) Clean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.Data {
		shutdownWrite(c)
	}
	if len(s.Data) > 0 {
		time.Sleep(drainPause)
	}
	for _, c := range s.Data {
		_ = c.Close()
	}
	s.Data = s.Data[:0]
	if s.Control != nil {
		shutdownWrite(s.Control)
		time.Sleep(drainPause)
		_ = s.Control.Close()
		s.Control = nil
	}
	s.State = StateOff
	s.sample = sampleTrack{}
	s.ID = 0
}

func shutdownWrite(c net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := c.(writeCloser); ok {
		_ = wc.CloseWrite()
	}
}

// Table is the fixed-size station slot array a server multiplexes TIDs
// over.
type Table struct {
	mu       sync.Mutex
	stations [MaxStations]*Station
}

// NewTable allocates a Table with every slot pre-allocated and Off.
func NewTable() *Table {
	t := &Table{}
	for i := range t.stations {
		t.stations[i] = &Station{State: StateOff}
	}
	return t
}

// Find looks up the station owning tid. If add is true and no station owns
// tid, the first Off slot is claimed for it (state becomes Init). Returns
// nil, false if no station matches and either add is false or the table is
// full.
func (t *Table) Find(tid uint32, add bool) (*Station, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var free *Station
	for _, st := range t.stations {
		st.mu.Lock()
		switch {
		case st.ID == tid && st.State != StateOff:
			st.mu.Unlock()
			return st, true
		case free == nil && st.State == StateOff:
			free = st
		}
		st.mu.Unlock()
	}

	if !add || free == nil {
		return nil, false
	}

	free.mu.Lock()
	free.ID = tid
	free.State = StateInit
	free.mu.Unlock()
	return free, true
}

// Count reports how many slots are currently occupied (not Off).
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, st := range t.stations {
		st.mu.Lock()
		if st.State != StateOff {
			n++
		}
		st.mu.Unlock()
	}
	return n
}

// Remove cleans and releases a station's slot.
func (t *Table) Remove(st *Station) {
	st.Clean()
}

// MaxUDPBufferSize returns the largest batch_size*payload_length product
// across all live UDP stations, or base if none qualify: every station's
// UDP traffic shares the server's two UDP sockets, so their buffers must
// fit the greediest configured station.
func (t *Table) MaxUDPBufferSize(base int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	size := base
	for _, st := range t.stations {
		st.mu.Lock()
		if st.State != StateOff && st.Config.IsUDP() {
			if n := int(st.Config.BatchSize) * int(st.Config.PayloadLength); n > size {
				size = n
			}
		}
		st.mu.Unlock()
	}
	return size
}

// Configure applies a validated OpenControlConn configuration to a station
// that was just claimed by Find, transitioning it to RxConfig (or straight
// to RunningRx for a pure receiver with TX==0).
func (s *Station) Configure(tid uint32, cfg zapwire.StationConfig, control net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset(tid, cfg)
	s.Control = control
	s.State = StateRxConfig
	s.lastCompletedBatch.Store(0xffffffff)
	if cfg.TX == 0 {
		s.State = StateRunningRx
	}
}

// RecordCompletedBatch is called by the connection reader that observes a
// DataCompleteResponse frame, releasing the TX scheduler's window.
func (s *Station) RecordCompletedBatch(batch uint32) {
	s.lastCompletedBatch.Store(batch)
}

// LastCompletedBatch reports the most recently acked batch, or false if
// none has been acked yet.
func (s *Station) LastCompletedBatch() (batch uint32, ok bool) {
	v := s.lastCompletedBatch.Load()
	return v, v != 0xffffffff
}

// AddDataConn appends a data connection to the station, up to MaxReceivers.
// Reports ok=false once the station already holds MaxReceivers connections.
func (s *Station) AddDataConn(c net.Conn) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Data) >= MaxReceivers {
		return false
	}
	s.Data = append(s.Data, c)
	return true
}
