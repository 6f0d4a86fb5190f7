package zapsock

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ConnectWithDeadline connects fd to ip:port (ip in network byte order, as
// carried in a Connect frame payload; port is normally ServicePort),
// failing if the connection does not complete within timeout: set the
// socket non-blocking, issue connect(), wait for writability with
// select(), check SO_ERROR, then restore blocking mode. UDP sockets never
// come through here; the station protocol sends UDP data unconnected,
// using sendto/recvfrom.
func ConnectWithDeadline(fd int, ip uint32, port int, timeout time.Duration) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("zapsock: set nonblocking: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: port}
	addr.Addr = [4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}

	err := unix.Connect(fd, addr)
	if err != nil && err != unix.EINPROGRESS {
		return fmt.Errorf("zapsock: connect: %w", err)
	}

	if err == nil {
		return restoreBlocking(fd)
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	var n int
	for {
		var fds unix.FdSet
		fds.Set(fd)
		// The kernel updates tv with the remaining time, so a retry after
		// EINTR keeps the original deadline.
		n, err = unix.Select(fd+1, nil, &fds, nil, &tv)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("zapsock: select: %w", err)
		}
		break
	}
	if n != 1 {
		return fmt.Errorf("zapsock: connect timed out after %s", timeout)
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("zapsock: getsockopt SO_ERROR: %w", err)
	}
	if soErr != 0 {
		return fmt.Errorf("zapsock: connect failed: %w", unix.Errno(soErr))
	}

	return restoreBlocking(fd)
}

func restoreBlocking(fd int) error {
	if err := unix.SetNonblock(fd, false); err != nil {
		return fmt.Errorf("zapsock: restore blocking: %w", err)
	}
	return nil
}
