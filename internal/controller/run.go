package controller

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/zapnet/zapnet/internal/zapwire"
)

// Plan describes one end-to-end test run between two stations: a
// transmitter and a receiver, each reachable at its station service's
// host:port.
type Plan struct {
	TID      uint32
	TXAddr   string
	RXAddr   string
	TXConfig zapwire.StationConfig
	RXConfig zapwire.StationConfig
}

// Result is the outcome of a Run: every PerformanceResult report the
// receiving station emitted during the test.
type Result struct {
	Reports []zapwire.PerformanceReport
}

// Run drives a complete test between a transmitting and a receiving
// station: configure both, pair them with Connect, start both, collect the
// receiver's PerformanceResult stream until the negotiated batch count has
// been reported or ctx expires, then tear both down with TestComplete.
func Run(ctx context.Context, plan Plan) (Result, error) {
	rxIP, err := hostIPv4(plan.RXAddr)
	if err != nil {
		return Result{}, fmt.Errorf("controller: rx address: %w", err)
	}

	rx, err := Configure(plan.RXAddr, plan.TID, plan.RXConfig)
	if err != nil {
		return Result{}, fmt.Errorf("controller: configure rx: %w", err)
	}
	defer rx.Close()

	tx, err := Configure(plan.TXAddr, plan.TID, plan.TXConfig)
	if err != nil {
		return Result{}, fmt.Errorf("controller: configure tx: %w", err)
	}
	defer tx.Close()

	if err := tx.Connect(ctx, rxIP, plan.TXConfig.IPTOS); err != nil {
		return Result{}, fmt.Errorf("controller: connect: %w", err)
	}

	if err := rx.Start(ctx); err != nil {
		return Result{}, fmt.Errorf("controller: start rx: %w", err)
	}
	if err := tx.Start(ctx); err != nil {
		return Result{}, fmt.Errorf("controller: start tx: %w", err)
	}

	reports, err := collectResults(ctx, rx)
	if err != nil {
		return Result{}, err
	}

	if err := tx.Complete(ctx); err != nil {
		return Result{Reports: reports}, fmt.Errorf("controller: complete tx: %w", err)
	}
	if err := rx.Complete(ctx); err != nil {
		return Result{Reports: reports}, fmt.Errorf("controller: complete rx: %w", err)
	}

	return Result{Reports: reports}, nil
}

// collectResults drains rx's PerformanceResult stream until ctx is done, the
// connection closes, or the station's negotiated batch count has been
// reported in full. It does not return until the reader goroutine has let
// go of the control connection: the Ready that answers a later TestComplete
// travels on the same socket, and a still-running reader would consume it.
func collectResults(ctx context.Context, rx *Station) ([]zapwire.PerformanceReport, error) {
	readCtx, stop := context.WithCancel(ctx)
	out, errCh := rx.Results(readCtx)
	defer func() {
		stop()
		for range out {
		}
	}()

	var reports []zapwire.PerformanceReport
	for {
		select {
		case r, ok := <-out:
			if !ok {
				return reports, nil
			}
			reports = append(reports, r)
			if rx.Config().Batches != 0 && uint32(len(reports)) >= rx.Config().Batches {
				return reports, nil
			}
		case err := <-errCh:
			return reports, err
		case <-ctx.Done():
			return reports, ctx.Err()
		}
	}
}

// hostIPv4 resolves addr's host component to a network-byte-order IPv4
// value, the form Connect.RemoteIP carries on the wire.
func hostIPv4(addr string) (uint32, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return 0, fmt.Errorf("cannot resolve %q", host)
		}
		ip = ips[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("%q is not an IPv4 address", host)
	}
	return binary.BigEndian.Uint32(ip4), nil
}
