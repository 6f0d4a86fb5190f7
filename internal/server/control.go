package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/zapnet/zapnet/internal/metrics"
	"github.com/zapnet/zapnet/internal/station"
	"github.com/zapnet/zapnet/internal/transport"
	"github.com/zapnet/zapnet/internal/zapsock"
	"github.com/zapnet/zapnet/internal/zapwire"
)

// handleControlConn completes the OpenControlConn handshake that claims and
// configures a station slot, then serves that station's control connection
// for the rest of its life: every Connect/TestStart/TestComplete frame that
// later arrives on it drives the rendezvous and test lifecycle.
func (s *Server) handleControlConn(ctx context.Context, conn net.Conn, dec *zapwire.Decoder, first zapwire.Frame) {
	cfg, err := zapwire.DecodeStationConfig(first.Payload)
	if err != nil {
		metrics.IncMalformed()
		_ = conn.Close()
		return
	}

	tid := first.Header.TestID
	st, ok := s.table.Find(tid, true)
	if !ok {
		metrics.IncStationRejected()
		_ = conn.Close()
		return
	}

	// A second OpenControlConn for a live TID does not reconfigure the
	// existing station; the new socket is closed and the station left intact.
	st.Lock()
	dup := st.Control != nil
	st.Unlock()
	if dup {
		metrics.IncStationRejected()
		_ = conn.Close()
		return
	}

	st.Configure(tid, cfg, conn)
	metrics.IncControlConnAccepted()
	metrics.SetStationsActive(s.table.Count())
	s.resizeUDPBuffers()

	// Shared-socket ToS: stations multiplexed over the one UDP-tx socket
	// overwrite each other's value, last writer wins.
	if cfg.IPTOS != 0 {
		if err := zapsock.SetTOS(s.udpTxFD, cfg.IPTOS); err != nil {
			_ = s.fail(ErrUDPWrite, err)
		}
	}

	tx := s.registerControlTx(tid, conn)
	defer s.removeControlTx(tid)
	defer tx.Close()

	if err := tx.SendFrame(zapwire.EncodeEmpty(tid, zapwire.TypeReady)); err != nil {
		_ = s.fail(ErrConnWrite, err)
		s.table.Remove(st)
		metrics.SetStationsActive(s.table.Count())
		return
	}

	s.controlReadLoop(ctx, st, conn, dec, tx)
}

// controlReadLoop reads control-plane frames off a configured station's
// control connection. It returns once TestComplete tears the station down
// or the connection is lost.
func (s *Server) controlReadLoop(ctx context.Context, st *station.Station, conn net.Conn, dec *zapwire.Decoder, tx *transport.AsyncTx) {
	for {
		fr, err := dec.ReadTCP(conn)
		if err != nil {
			s.table.Remove(st)
			metrics.SetStationsActive(s.table.Count())
			return
		}
		if fr.Header.TestID != st.ID {
			metrics.IncMalformed()
			continue
		}

		switch fr.Header.Type {
		case zapwire.TypeConnect:
			p, err := zapwire.DecodeConnect(fr.Payload)
			if err != nil {
				metrics.IncMalformed()
				continue
			}
			if err := s.rendezvous(ctx, st, p); err != nil {
				_ = s.fail(ErrConnect, err)
				continue
			}
			_ = tx.SendFrame(zapwire.EncodeEmpty(st.ID, zapwire.TypeReady))

		case zapwire.TypeTestStart:
			s.startTest(ctx, st)
			_ = tx.SendFrame(zapwire.EncodeEmpty(st.ID, zapwire.TypeReady))

		case zapwire.TypeTestComplete:
			// Stop the async writer first, then ack synchronously: a queued
			// Ready could still be sitting in the writer's buffer when the
			// teardown below shuts the socket down.
			tx.Close()
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_, _ = conn.Write(zapwire.EncodeEmpty(st.ID, zapwire.TypeReady))
			s.table.Remove(st)
			metrics.SetStationsActive(s.table.Count())
			return

		default:
			// An unexpected tag on the control plane kills the station.
			metrics.IncMalformed()
			s.table.Remove(st)
			metrics.SetStationsActive(s.table.Count())
			return
		}
	}
}

// rendezvous performs the transmitting station's half of the Connect
// handshake: dial the receiving station's server, open a data connection,
// and, for a UDP-data station, prime the path with a Null datagram so the
// receiver's NAT holds a return mapping before the first unsolicited Data
// frame arrives.
func (s *Server) rendezvous(ctx context.Context, st *station.Station, p zapwire.ConnectPayload) error {
	st.Lock()
	cfg := st.Config
	st.Unlock()

	fd, err := zapsock.MakeSocket(true, s.socketBufSize)
	if err != nil {
		return err
	}
	if cfg.IPTOS != 0 {
		if err := zapsock.SetTOS(fd, cfg.IPTOS); err != nil {
			_ = zapsock.Close(fd)
			return err
		}
	}
	if err := zapsock.ConnectWithDeadline(fd, p.RemoteIP, zapsock.ServicePort, s.connectTimeout); err != nil {
		_ = zapsock.Close(fd)
		return err
	}

	conn, err := fdToConn(fd, "zapnet-data-tx")
	if err != nil {
		_ = zapsock.Close(fd)
		return err
	}

	if _, err := conn.Write(zapwire.EncodeEmpty(st.ID, zapwire.TypeOpenDataConn)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: open data conn: %v", ErrConnWrite, err)
	}

	dataDec := zapwire.NewDecoder()
	_ = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	reply, err := dataDec.ReadTCP(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: awaiting ready: %v", ErrHandshake, err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if reply.Header.Type != zapwire.TypeReady {
		_ = conn.Close()
		return fmt.Errorf("%w: expected ready, got %s", ErrHandshake, reply.Header.Type)
	}

	if !st.AddDataConn(conn) {
		_ = conn.Close()
		return fmt.Errorf("station: too many data connections")
	}

	// A transmitter that didn't know its peer at configure time learns it
	// from the Connect frame; the scheduler sends UDP data to this address.
	st.Lock()
	if st.Config.TXIP == 0 && st.Config.TX != 0 {
		st.Config.TXIP = p.RemoteIP
	}
	st.Unlock()

	if cfg.IsUDP() {
		if err := s.SendUDP(zapwire.EncodeEmpty(st.ID, zapwire.TypeNull), p.RemoteIP); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dataReadLoop(st, conn, dataDec)
	}()

	return nil
}

// startTest transitions a configured station into its running state and,
// for a transmitting station, launches the TX scheduler goroutine. The
// Ready reply to the controller happens back in controlReadLoop once this
// returns.
func (s *Server) startTest(ctx context.Context, st *station.Station) {
	st.Lock()
	isTX := st.Config.TX != 0
	if isTX {
		st.State = station.StateRunningTx
	} else {
		st.State = station.StateRunningRx
	}
	st.Unlock()

	if !isTX {
		return
	}

	sched := station.NewTXScheduler(st, s)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			_ = s.fail(ErrConnWrite, fmt.Errorf("tx scheduler: %w", err))
		}
	}()
}

// registerControlTx wraps a control connection in an AsyncTx so its own
// handshake replies and the RX measurement engine's asynchronously produced
// PerformanceResult frames (emitReports, in udp.go) share one serialized
// writer instead of racing on the same socket.
func (s *Server) registerControlTx(tid uint32, conn net.Conn) *transport.AsyncTx {
	tx := transport.NewAsyncTx(context.Background(), 64, func(fr []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_, err := conn.Write(fr)
		return err
	}, transport.Hooks{
		OnError: func(err error) { _ = s.fail(ErrConnWrite, err) },
	})
	s.controlTxMu.Lock()
	s.controlTx[tid] = tx
	s.controlTxMu.Unlock()
	return tx
}

func (s *Server) lookupControlTx(tid uint32) *transport.AsyncTx {
	s.controlTxMu.Lock()
	defer s.controlTxMu.Unlock()
	return s.controlTx[tid]
}

func (s *Server) removeControlTx(tid uint32) {
	s.controlTxMu.Lock()
	delete(s.controlTx, tid)
	s.controlTxMu.Unlock()
}

// minUDPBufferSize is the floor the shared UDP sockets are never resized
// below.
const minUDPBufferSize = 64 * 1024

// resizeUDPBuffers grows the shared UDP rx/tx sockets to fit the greediest
// currently configured UDP station: every station shares these two
// sockets, so they must be sized for whichever station asks for the most.
func (s *Server) resizeUDPBuffers() {
	base := s.socketBufSize
	if base < minUDPBufferSize {
		base = minUDPBufferSize
	}
	want := s.table.MaxUDPBufferSize(base)
	if err := zapsock.SetBufferSize(s.udpRxFD, want); err != nil {
		_ = s.fail(ErrUDPRead, err)
	}
	if err := zapsock.SetBufferSize(s.udpTxFD, want); err != nil {
		_ = s.fail(ErrUDPWrite, err)
	}
}
