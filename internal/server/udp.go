package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/zapnet/zapnet/internal/metrics"
	"github.com/zapnet/zapnet/internal/station"
	"github.com/zapnet/zapnet/internal/zapsock"
	"github.com/zapnet/zapnet/internal/zapwire"
)

// SendUDP transmits one already-encoded wire frame to ip:ServicePort over
// the server's single shared UDP-tx socket, implementing station.UDPSender
// for the TX scheduler.
func (s *Server) SendUDP(payload []byte, ip uint32) error {
	addr := &unix.SockaddrInet4{Port: zapsock.ServicePort, Addr: uint32ToIPv4(ip)}
	if err := unix.Sendto(s.udpTxFD, payload, 0, addr); err != nil {
		return s.fail(ErrUDPWrite, err)
	}
	return nil
}

var _ station.UDPSender = (*Server)(nil)

// udpRxLoop reads datagrams off the shared UDP-rx socket and demultiplexes
// them by TID onto the owning station. A Data frame feeds the measurement
// engine; a Null frame primes the receiver's knowledge of the
// transmitter's source address (the NAT-pierce).
func (s *Server) udpRxLoop(ctx context.Context) {
	dec := zapwire.NewDecoder()
	buf := dec.Buffer()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, src, arrival, err := s.udpTimestamper.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			_ = s.fail(ErrUDPRead, err)
			continue
		}

		fr, err := dec.ReadUDP(n)
		if err != nil {
			metrics.IncMalformed()
			continue
		}

		st, ok := s.table.Find(fr.Header.TestID, false)
		if !ok {
			continue // unknown TID on the data plane: no station to blame, just drop
		}

		switch fr.Header.Type {
		case zapwire.TypeNull:
			srcIP := udpAddrIPv4(src)
			st.Lock()
			if st.Config.TXIP == 0 {
				st.Config.TXIP = srcIP
			}
			st.Unlock()

		case zapwire.TypeData:
			p, err := zapwire.DecodeDataPayload(fr.Payload)
			if err != nil {
				metrics.IncMalformed()
				continue
			}
			reports, err := st.ProcessData(p.BatchNumber, p.PayloadNumber, arrival.UnixMicro(), int(fr.Header.Length))
			if err != nil {
				// A payload number past the batch size is a protocol
				// violation, not loss; the station is killed.
				metrics.IncMalformed()
				s.table.Remove(st)
				metrics.SetStationsActive(s.table.Count())
				continue
			}
			s.emitReports(st.ID, reports)

		default:
			// An unexpected tag for a known TID kills the station, same as
			// on a TCP data connection. The loop itself keeps running: the
			// shared socket serves every other station too.
			metrics.IncMalformed()
			s.table.Remove(st)
			metrics.SetStationsActive(s.table.Count())
		}
	}
}

// emitReports encodes and streams every PerformanceResult a measurement
// update produced back to the station's controller, via its control
// connection's AsyncTx.
func (s *Server) emitReports(tid uint32, reports []zapwire.PerformanceReport) {
	if len(reports) == 0 {
		return
	}
	tx := s.lookupControlTx(tid)
	if tx == nil {
		return
	}
	for _, r := range reports {
		metrics.IncPerformanceReport()
		metrics.IncBatchCompleted()
		metrics.AddFramesReceived(uint64(r.Received))
		metrics.AddFramesDropped(uint64(r.Dropped))
		metrics.AddFramesOutOfOrder(uint64(r.OutOfOrder))
		metrics.AddFramesRepeated(uint64(r.Repeated))
		if err := tx.SendFrame(zapwire.EncodePerformanceReport(tid, r)); err != nil {
			_ = s.fail(ErrConnWrite, fmt.Errorf("performance report: %w", err))
		}
	}
}
