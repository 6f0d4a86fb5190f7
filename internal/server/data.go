package server

import (
	"net"
	"time"

	"github.com/zapnet/zapnet/internal/metrics"
	"github.com/zapnet/zapnet/internal/station"
	"github.com/zapnet/zapnet/internal/zapwire"
)

// handleDataConn completes an inbound OpenDataConn handshake and serves
// that station's TCP data connection for the rest of the test. An unknown
// TID still claims a free station slot, exactly like OpenControlConn: a
// transmitting peer's data connection can arrive before this side's
// station was ever configured.
func (s *Server) handleDataConn(conn net.Conn, dec *zapwire.Decoder, first zapwire.Frame) {
	tid := first.Header.TestID
	st, ok := s.table.Find(tid, true)
	if !ok {
		metrics.IncStationRejected()
		_ = conn.Close()
		return
	}
	if !st.AddDataConn(conn) {
		_ = conn.Close()
		return
	}
	metrics.IncDataConnAccepted()

	if _, err := conn.Write(zapwire.EncodeEmpty(tid, zapwire.TypeReady)); err != nil {
		_ = s.fail(ErrConnWrite, err)
		return
	}

	s.dataReadLoop(st, conn, dec)
}

// dataReadLoop processes frames arriving on one of a station's TCP data
// connections for the rest of the connection's life. It covers both
// directions a data connection is used in: the receiving side sees Data and
// DataComplete frames (feeding the measurement engine and optionally
// replying DataCompleteResponse when batch_completion requires it), while
// the transmitting side's own dialed connection only ever sees
// DataCompleteResponse acks feeding back into the TX scheduler's window.
func (s *Server) dataReadLoop(st *station.Station, conn net.Conn, dec *zapwire.Decoder) {
	for {
		fr, err := dec.ReadTCP(conn)
		if err != nil {
			return
		}

		switch fr.Header.Type {
		case zapwire.TypeData:
			p, err := zapwire.DecodeDataPayload(fr.Payload)
			if err != nil {
				metrics.IncMalformed()
				continue
			}
			reports, err := st.ProcessData(p.BatchNumber, p.PayloadNumber, time.Now().UnixMicro(), int(fr.Header.Length))
			if err != nil {
				// A payload number past the batch size is a protocol
				// violation, not loss; the station is killed.
				metrics.IncMalformed()
				s.table.Remove(st)
				metrics.SetStationsActive(s.table.Count())
				return
			}
			s.emitReports(st.ID, reports)

		case zapwire.TypeDataComplete:
			batch, err := zapwire.DecodeBatchNumber(fr.Payload)
			if err != nil {
				metrics.IncMalformed()
				continue
			}
			report, ackDue := st.ProcessDataComplete(batch)
			if report != nil {
				s.emitReports(st.ID, []zapwire.PerformanceReport{*report})
			}
			if ackDue {
				ack := zapwire.EncodeBatchNumberFrame(st.ID, zapwire.TypeDataCompleteResponse, batch)
				if _, err := conn.Write(ack); err != nil {
					_ = s.fail(ErrConnWrite, err)
					return
				}
			}

		case zapwire.TypeDataCompleteResponse:
			batch, err := zapwire.DecodeBatchNumber(fr.Payload)
			if err == nil {
				st.RecordCompletedBatch(batch)
			}

		default:
			// An unexpected tag on a data connection kills the station.
			metrics.IncMalformed()
			s.table.Remove(st)
			metrics.SetStationsActive(s.table.Count())
			return
		}
	}
}
