package server

import (
	"errors"

	"github.com/zapnet/zapnet/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen       = errors.New("listen")
	ErrAccept       = errors.New("accept")
	ErrHandshake    = errors.New("handshake")
	ErrConnRead     = errors.New("conn_read")
	ErrConnWrite    = errors.New("conn_write")
	ErrUDPRead      = errors.New("udp_read")
	ErrUDPWrite     = errors.New("udp_write")
	ErrStationTable = errors.New("station_table")
	ErrConnect      = errors.New("connect")
	ErrContext      = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrUDPRead):
		return metrics.ErrUDPRead
	case errors.Is(err, ErrUDPWrite):
		return metrics.ErrUDPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrStationTable):
		return metrics.ErrStationTable
	case errors.Is(err, ErrConnect):
		return metrics.ErrConnect
	default:
		return "other"
	}
}
