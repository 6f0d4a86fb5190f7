package zapsock

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/ipv4"
)

// UDPTimestamper wraps the shared UDP rx socket with golang.org/x/net/ipv4's
// portable ancillary-data support. Destination-address control messages
// are enabled on the socket, but ReadFrom does not return them to callers.
// Kernel receive timestamps (SO_TIMESTAMP) are not exposed through ipv4's
// control message API on every platform this runs on, so arrival time is
// stamped in userspace immediately after ReadFrom returns rather than
// recovered from the packet's own cmsg. Not equivalent to kernel
// timestamping for sub-millisecond jitter measurement.
type UDPTimestamper struct {
	pc *ipv4.PacketConn
}

// NewUDPTimestamper wraps an already-bound UDP net.PacketConn.
func NewUDPTimestamper(pc *ipv4.PacketConn) (*UDPTimestamper, error) {
	if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		return nil, fmt.Errorf("zapsock: enable control messages: %w", err)
	}
	return &UDPTimestamper{pc: pc}, nil
}

// NewUDPTimestamperFromFD wraps a raw UDP socket fd (already bound via
// BindService) in a UDPTimestamper. os.NewFile takes ownership of fd;
// net.FilePacketConn duplicates the descriptor internally, so the temporary
// *os.File is closed immediately afterward without affecting the returned
// connection, matching fdToConn's idiom in internal/server.
func NewUDPTimestamperFromFD(fd int, name string) (*UDPTimestamper, error) {
	f := os.NewFile(uintptr(fd), name)
	pc, err := net.FilePacketConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("zapsock: file packet conn: %w", err)
	}
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		return nil, fmt.Errorf("zapsock: fd %d is not a UDP socket", fd)
	}
	return NewUDPTimestamper(ipv4.NewPacketConn(udpConn))
}

// Close closes the wrapped socket, unblocking any in-flight ReadFrom.
func (u *UDPTimestamper) Close() error { return u.pc.Close() }

// ReadFrom reads one datagram into buf and returns the local arrival time
// and the peer's source address, the latter needed to learn a transmitter's
// address off its NAT-priming Null frame.
func (u *UDPTimestamper) ReadFrom(buf []byte) (n int, src net.Addr, arrival time.Time, err error) {
	n, _, src, err = u.pc.ReadFrom(buf)
	if err != nil {
		return 0, nil, time.Time{}, fmt.Errorf("zapsock: udp read: %w", err)
	}
	return n, src, time.Now(), nil
}
