// Command zapd runs a zapnet station service: the fixed-port listener that
// multiplexes up to MAX_STATIONS concurrent test participants over one TCP
// control/data listener and a pair of shared UDP data sockets.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/zapnet/zapnet/internal/metrics"
	"github.com/zapnet/zapnet/internal/server"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("zapd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)
	bindAddr, err := cfg.bindAddrBytes()
	if err != nil {
		l.Error("config_error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	srv := server.NewServer(
		server.WithBindAddr(bindAddr),
		server.WithLogger(l),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithConnectTimeout(cfg.connectTO),
		server.WithBindWait(cfg.bindWait),
		server.WithSocketBufferSize(cfg.socketBufSize),
	)

	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("serve_error", "error", err)
			cancel()
		}
	}()

	go func() {
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		cleanupMDNS, err := startMDNS(ctx, cfg)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		if cfg.mdnsEnable {
			l.Info("mdns_started", "service", mdnsServiceType, "addr", srv.Addr())
		}
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.handshakeTO)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn("shutdown_error", "error", err)
	}
	wg.Wait()
}
