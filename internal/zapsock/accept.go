package zapsock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Accept accepts one connection on the listening socket fd and applies
// TCP_NODELAY to it; every accepted connection, control or data, carries
// latency-sensitive frames.
func Accept(fd int) (newFD int, peer [4]byte, err error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, peer, fmt.Errorf("zapsock: accept: %w", err)
	}
	if err := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		_ = unix.Close(nfd)
		return -1, peer, fmt.Errorf("zapsock: TCP_NODELAY on accepted socket: %w", err)
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		peer = in4.Addr
	}
	return nfd, peer, nil
}
