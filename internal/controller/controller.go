// Package controller implements the controller side of the zapnet
// control-plane: dial a station, configure it, pair a transmitting and a
// receiving station, start a run, and collect the receiver's
// PerformanceResult stream. cmd/zapctl is a thin CLI wrapping this package.
package controller

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/zapnet/zapnet/internal/zapwire"
)

// Station is one configured participant's control connection, opened and
// driven by a Controller. It is not safe for concurrent use by more than
// one goroutine.
type Station struct {
	TID  uint32
	addr string
	conn net.Conn
	dec  *zapwire.Decoder
	cfg  zapwire.StationConfig
}

// Config reports the StationConfig this station was configured with.
func (s *Station) Config() zapwire.StationConfig { return s.cfg }

// DialTimeout bounds how long Configure waits to open the initial TCP
// connection to a station's service port.
const DialTimeout = 5 * time.Second

// Configure opens a control connection to addr (host:port, normally the
// station's fixed service port) and sends the OpenControlConn handshake,
// blocking until the station replies Ready.
func Configure(addr string, tid uint32, cfg zapwire.StationConfig) (*Station, error) {
	conn, err := net.DialTimeout("tcp4", addr, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("controller: dial %s: %w", addr, err)
	}
	st := &Station{TID: tid, addr: addr, conn: conn, dec: zapwire.NewDecoder(), cfg: cfg}

	if _, err := conn.Write(zapwire.EncodeOpenControlConn(tid, cfg)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("controller: open control conn: %w", err)
	}
	if err := st.awaitReady(DialTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return st, nil
}

// Close tears down the control connection without sending TestComplete;
// callers doing a clean shutdown should call Complete first.
func (s *Station) Close() error {
	return s.conn.Close()
}

// Connect tells a transmitting station to pair with the receiving station
// at remoteIP (network byte order IPv4), triggering that server's
// rendezvous dial. Blocks until the station replies Ready.
func (s *Station) Connect(ctx context.Context, remoteIP uint32, ipTOS uint32) error {
	payload := zapwire.ConnectPayload{RemoteIP: remoteIP, IPTOS: ipTOS}
	if _, err := s.conn.Write(zapwire.EncodeConnect(s.TID, payload)); err != nil {
		return fmt.Errorf("controller: send connect: %w", err)
	}
	return s.awaitReadyCtx(ctx)
}

// Start sends TestStart and blocks until the station replies Ready.
func (s *Station) Start(ctx context.Context) error {
	if _, err := s.conn.Write(zapwire.EncodeEmpty(s.TID, zapwire.TypeTestStart)); err != nil {
		return fmt.Errorf("controller: send test start: %w", err)
	}
	return s.awaitReadyCtx(ctx)
}

// Complete sends TestComplete, blocks until the station replies Ready, and
// closes the control connection.
func (s *Station) Complete(ctx context.Context) error {
	if _, err := s.conn.Write(zapwire.EncodeEmpty(s.TID, zapwire.TypeTestComplete)); err != nil {
		return fmt.Errorf("controller: send test complete: %w", err)
	}
	err := s.awaitReadyCtx(ctx)
	_ = s.conn.Close()
	return err
}

// Results streams decoded PerformanceResult reports from the station's
// control connection until ctx is cancelled or the connection closes.
// Intended for a receiving station after Start; the returned channel is
// closed when reading stops, with any terminal error sent to errCh first.
func (s *Station) Results(ctx context.Context) (<-chan zapwire.PerformanceReport, <-chan error) {
	out := make(chan zapwire.PerformanceReport)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}
			_ = s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			fr, err := s.dec.ReadTCP(s.conn)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				errCh <- err
				return
			}
			if fr.Header.Type != zapwire.TypePerformanceResult {
				continue
			}
			report, err := zapwire.DecodePerformanceReport(fr.Payload)
			if err != nil {
				continue
			}
			select {
			case out <- report:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return out, errCh
}

func (s *Station) awaitReady(timeout time.Duration) error {
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	defer s.conn.SetReadDeadline(time.Time{})
	fr, err := s.dec.ReadTCP(s.conn)
	if err != nil {
		return fmt.Errorf("controller: awaiting ready: %w", err)
	}
	if fr.Header.Type != zapwire.TypeReady {
		return fmt.Errorf("controller: expected ready, got %s", fr.Header.Type)
	}
	return nil
}

func (s *Station) awaitReadyCtx(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DialTimeout)
	}
	_ = s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})
	fr, err := s.dec.ReadTCP(s.conn)
	if err != nil {
		return fmt.Errorf("controller: awaiting ready: %w", err)
	}
	if fr.Header.Type != zapwire.TypeReady {
		return fmt.Errorf("controller: expected ready, got %s", fr.Header.Type)
	}
	return nil
}
