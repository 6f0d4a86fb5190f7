package server

import (
	"encoding/binary"
	"net"
	"os"
)

// fdToConn adapts a raw file descriptor opened via internal/zapsock into a
// net.Conn, so the rest of the package can use ordinary Read/Write/
// SetDeadline instead of carrying raw fds through every handler. os.NewFile
// takes ownership of fd; net.FileConn duplicates the descriptor internally,
// so closing the temporary *os.File afterward does not affect the returned
// conn.
func fdToConn(fd int, name string) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ipv4ToUint32 converts a raw sockaddr byte order IPv4 into the network byte
// order uint32 the wire protocol carries (Connect.RemoteIP, StationConfig.TXIP).
func ipv4ToUint32(b [4]byte) uint32 { return binary.BigEndian.Uint32(b[:]) }

// uint32ToIPv4 is ipv4ToUint32's inverse.
func uint32ToIPv4(ip uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return b
}

// udpAddrIPv4 extracts the IPv4 address a UDP datagram arrived from, or 0 if
// addr isn't an IPv4 *net.UDPAddr.
func udpAddrIPv4(addr net.Addr) uint32 {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0
	}
	ip4 := ua.IP.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}
