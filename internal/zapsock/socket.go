// Package zapsock wraps the raw AF_INET socket calls the station protocol
// needs: TCP_NODELAY control sockets and data sockets, UDP data sockets with
// resizable buffers, non-blocking connect with a deadline, and the shared
// IP_TOS option.
package zapsock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MakeSocket opens either a TCP (SOCK_STREAM, TCP_NODELAY set) or UDP
// (SOCK_DGRAM) socket and, if buffSize is nonzero, sizes both its send and
// receive buffers to buffSize bytes.
func MakeSocket(tcp bool, buffSize int) (fd int, err error) {
	family := unix.AF_INET
	typ := unix.SOCK_DGRAM
	proto := unix.IPPROTO_UDP
	if tcp {
		typ = unix.SOCK_STREAM
		proto = unix.IPPROTO_TCP
	}

	fd, err = unix.Socket(family, typ, proto)
	if err != nil {
		return -1, fmt.Errorf("zapsock: socket: %w", err)
	}

	if tcp {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("zapsock: TCP_NODELAY: %w", err)
		}
	}

	if buffSize > 0 {
		if err := SetBufferSize(fd, buffSize); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
	}

	return fd, nil
}

// SetBufferSize sets both SO_SNDBUF and SO_RCVBUF to size bytes.
func SetBufferSize(fd, size int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size); err != nil {
		return fmt.Errorf("zapsock: SO_SNDBUF: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size); err != nil {
		return fmt.Errorf("zapsock: SO_RCVBUF: %w", err)
	}
	return nil
}

// SetTOS sets IP_TOS on sock. Per the documented ambiguity, the shared UDP
// tx socket carries one IP_TOS value at a time; the most recently accepted
// station's config wins for every station multiplexed over that socket.
// Callers that want a different policy (reject conflicting values, or use
// per-station sockets) implement it above this call, not inside it.
func SetTOS(fd int, tos uint32) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, int(tos)); err != nil {
		return fmt.Errorf("zapsock: IP_TOS: %w", err)
	}
	return nil
}

// Close closes fd, ignoring EBADF (already closed).
func Close(fd int) error {
	if err := unix.Close(fd); err != nil && err != unix.EBADF {
		return err
	}
	return nil
}
