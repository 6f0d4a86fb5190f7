package zapsock

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
)

// ServicePort is the fixed TCP/UDP port stations and controllers rendezvous
// on.
const ServicePort = 18301

// BindService binds fd to addr:ServicePort, retrying on EADDRINUSE with an
// exponential backoff capped at one second, bounded by maxWait; a prior
// instance's socket may still be draining when a server restarts. addr is
// the zero value ([4]byte{}) for 0.0.0.0 (INADDR_ANY); a test harness
// running more than one server on one host binds each to a distinct
// loopback alias instead, since the service port is a fixed constant (no
// dynamic port negotiation).
func BindService(fd int, addr [4]byte, maxWait time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Microsecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = maxWait

	sa := &unix.SockaddrInet4{Port: ServicePort, Addr: addr}
	op := func() error {
		err := unix.Bind(fd, sa)
		if err == nil {
			return nil
		}
		if err == unix.EADDRINUSE {
			return err
		}
		return backoff.Permanent(fmt.Errorf("zapsock: bind: %w", err))
	}

	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("zapsock: bind %d: %w", ServicePort, err)
	}
	return nil
}

// Listen binds fd via BindService and marks it as a TCP listening socket
// with a backlog of 5. fd must not already be bound.
func Listen(fd int, addr [4]byte, maxWait time.Duration) error {
	if err := BindService(fd, addr, maxWait); err != nil {
		return err
	}
	if err := unix.Listen(fd, 5); err != nil {
		return fmt.Errorf("zapsock: listen: %w", err)
	}
	return nil
}
