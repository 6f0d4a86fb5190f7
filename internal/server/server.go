// Package server implements the zapnet daemon's accept loop and control/
// data-plane dispatch: it owns the single TCP listener and the
// shared UDP rx/tx sockets a server multiplexes up to MAX_STATIONS stations
// over, and drives each station's state machine via internal/station.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zapnet/zapnet/internal/logging"
	"github.com/zapnet/zapnet/internal/metrics"
	"github.com/zapnet/zapnet/internal/station"
	"github.com/zapnet/zapnet/internal/transport"
	"github.com/zapnet/zapnet/internal/zapsock"
	"github.com/zapnet/zapnet/internal/zapwire"
)

// Server owns the listening TCP socket, the shared UDP rx/tx sockets, and
// the station table they multiplex over.
type Server struct {
	mu sync.RWMutex

	table *station.Table

	tcpListenFD    int
	udpRxFD        int
	udpTxFD        int
	udpTimestamper *zapsock.UDPTimestamper
	addr           string

	handshakeTimeout time.Duration
	connectTimeout   time.Duration
	bindWait         time.Duration
	socketBufSize    int
	bindAddr         [4]byte // zero value is 0.0.0.0 (INADDR_ANY)

	controlTxMu sync.Mutex
	controlTx   map[uint32]*transport.AsyncTx

	logger    *slog.Logger
	wg        sync.WaitGroup
	readyOnce sync.Once
	closeOnce sync.Once
	readyCh   chan struct{}
	errCh     chan error

	lastErrMu sync.Mutex
	lastErr   error

	totalAccepted      atomic.Uint64
	totalHandshakeFail atomic.Uint64
}

const (
	defaultHandshakeTimeout = 3 * time.Second
	defaultConnectTimeout   = 5 * time.Second
	defaultBindWait         = 30 * time.Second
)

type ServerOption func(*Server)

// NewServer constructs a Server with default timeouts; call Serve to run it.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		table:            station.NewTable(),
		handshakeTimeout: defaultHandshakeTimeout,
		connectTimeout:   defaultConnectTimeout,
		bindWait:         defaultBindWait,
		controlTx:        make(map[uint32]*transport.AsyncTx),
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithConnectTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

func WithBindWait(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.bindWait = d
		}
	}
}

func WithSocketBufferSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.socketBufSize = n
		}
	}
}

// WithBindAddr pins the shared TCP listener and UDP sockets to a specific
// IPv4 address instead of 0.0.0.0. Mainly useful for running more than one
// Server in-process against distinct loopback aliases, since the service
// port is a fixed constant shared by every station.
func WithBindAddr(ip [4]byte) ServerOption {
	return func(s *Server) { s.bindAddr = ip }
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Ready() <-chan struct{}   { return s.readyCh }
func (s *Server) Errors() <-chan error     { return s.errCh }
func (s *Server) Stations() *station.Table { return s.table }

// Addr reports the TCP listener's bound address, valid after Ready() fires.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// Serve opens the shared TCP listener and UDP rx/tx sockets on
// zapsock.ServicePort and runs the accept and UDP-receive loops until ctx
// is cancelled or a fatal setup error occurs.
func (s *Server) Serve(ctx context.Context) error {
	tcpFD, err := zapsock.MakeSocket(true, 0)
	if err != nil {
		return s.fail(ErrListen, err)
	}
	if err := zapsock.Listen(tcpFD, s.bindAddr, s.bindWait); err != nil {
		_ = zapsock.Close(tcpFD)
		return s.fail(ErrListen, err)
	}
	s.tcpListenFD = tcpFD

	rxFD, err := zapsock.MakeSocket(false, s.socketBufSize)
	if err != nil {
		_ = zapsock.Close(tcpFD)
		return s.fail(ErrListen, err)
	}
	if err := zapsock.BindService(rxFD, s.bindAddr, s.bindWait); err != nil {
		_ = zapsock.Close(tcpFD)
		_ = zapsock.Close(rxFD)
		return s.fail(ErrListen, err)
	}
	s.udpRxFD = rxFD

	dupRxFD, err := unix.Dup(rxFD)
	if err != nil {
		_ = zapsock.Close(tcpFD)
		_ = zapsock.Close(rxFD)
		return s.fail(ErrListen, err)
	}
	ts, err := zapsock.NewUDPTimestamperFromFD(dupRxFD, "zapnet-udp-rx")
	if err != nil {
		_ = zapsock.Close(tcpFD)
		_ = zapsock.Close(rxFD)
		_ = unix.Close(dupRxFD)
		return s.fail(ErrListen, err)
	}
	s.udpTimestamper = ts

	txFD, err := zapsock.MakeSocket(false, s.socketBufSize)
	if err != nil {
		_ = zapsock.Close(tcpFD)
		_ = zapsock.Close(rxFD)
		return s.fail(ErrListen, err)
	}
	s.udpTxFD = txFD

	if sa, err := unix.Getsockname(tcpFD); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			s.addr = net.JoinHostPort(net.IP(in4.Addr[:]).String(), fmt.Sprintf("%d", in4.Port))
		}
	}

	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("zapnet_listen", "port", zapsock.ServicePort)

	go func() { <-ctx.Done(); s.closeSockets() }()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.udpRxLoop(ctx)
	}()

	for {
		if err := s.acceptOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) fail(sentinel error, cause error) error {
	wrap := fmt.Errorf("%w: %v", sentinel, cause)
	metrics.IncError(mapErrToMetric(wrap))
	s.setError(wrap)
	return wrap
}

func (s *Server) closeSockets() {
	s.closeOnce.Do(func() {
		if s.tcpListenFD != 0 {
			// shutdown() wakes the goroutine blocked in accept(); a bare
			// close() would leave it stuck in the syscall.
			_ = unix.Shutdown(s.tcpListenFD, unix.SHUT_RDWR)
			_ = zapsock.Close(s.tcpListenFD)
		}
		if s.udpTimestamper != nil {
			_ = s.udpTimestamper.Close()
		}
		if s.udpRxFD != 0 {
			_ = zapsock.Close(s.udpRxFD)
		}
		if s.udpTxFD != 0 {
			_ = zapsock.Close(s.udpTxFD)
		}
	})
}

func (s *Server) acceptOnce(ctx context.Context) error {
	newFD, _, err := zapsock.Accept(s.tcpListenFD)
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return s.fail(ErrAccept, err)
	}
	s.totalAccepted.Add(1)
	conn, err := fdToConn(newFD, "zapnet-conn")
	if err != nil {
		_ = unix.Close(newFD)
		return s.fail(ErrAccept, err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatchConn(ctx, conn)
	}()
	return nil
}

// dispatchConn reads the connection's first frame and routes it to the
// control- or data-plane handler according to its type; the first frame on
// a freshly accepted socket decides which plane the connection belongs to.
func (s *Server) dispatchConn(ctx context.Context, conn net.Conn) {
	dec := zapwire.NewDecoder()
	_ = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	first, err := dec.ReadTCP(conn)
	if err != nil {
		s.totalHandshakeFail.Add(1)
		metrics.IncError(mapErrToMetric(fmt.Errorf("%w: %v", ErrHandshake, err)))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch first.Header.Type {
	case zapwire.TypeOpenControlConn:
		s.handleControlConn(ctx, conn, dec, first)
	case zapwire.TypeOpenDataConn:
		s.handleDataConn(conn, dec, first)
	default:
		metrics.IncMalformed()
		_ = conn.Close()
	}
}

// Shutdown closes the listening/UDP sockets and waits for in-flight
// connection handlers to finish, or ctx's deadline to expire first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeSockets()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(), "handshake_fail", s.totalHandshakeFail.Load())
		return nil
	}
}
