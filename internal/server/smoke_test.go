package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/zapnet/zapnet/internal/zapwire"
)

// mustDialService dials the fixed service port on one of the test's
// loopback aliases, retrying briefly since the server's listener may still
// be coming up.
func mustDialService(t *testing.T, ip [4]byte) net.Conn {
	t.Helper()
	addr := net.JoinHostPort(net.IP(ip[:]).String(), "18301")
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp4", addr)
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", addr, lastErr)
	return nil
}

// expectReady reads one frame from conn and fails the test unless it is a
// Ready frame, matching the synchronous request/reply shape of every
// control-plane handshake step.
func expectReady(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	dec := zapwire.NewDecoder()
	fr, err := dec.ReadTCP(conn)
	if err != nil {
		t.Fatalf("reading ready: %v", err)
	}
	if fr.Header.Type != zapwire.TypeReady {
		t.Fatalf("expected Ready, got %s", fr.Header.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})
}

// TestRendezvousEndToEnd drives a minimal two-station, single-process test
// run across two Server instances bound to distinct loopback aliases (since
// the service port is fixed): one plays the RX station's server, the other
// the TX station's. It exercises OpenControlConn, Connect (triggering the
// TX-side rendezvous dial into the RX server), TestStart, and the full Data
// flow landing as PerformanceResult frames on the RX control connection,
// finishing with TestComplete on both stations.
func TestRendezvousEndToEnd(t *testing.T) {
	rxIP := [4]byte{127, 0, 0, 2}
	txIP := [4]byte{127, 0, 0, 3}

	rxSrv := NewServer(WithBindAddr(rxIP), WithHandshakeTimeout(2*time.Second), WithConnectTimeout(2*time.Second))
	txSrv := NewServer(WithBindAddr(txIP), WithHandshakeTimeout(2*time.Second), WithConnectTimeout(2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = rxSrv.Serve(ctx) }()
	go func() { _ = txSrv.Serve(ctx) }()

	select {
	case <-rxSrv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("rx server did not become ready")
	}
	select {
	case <-txSrv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("tx server did not become ready")
	}

	const tid = 1001

	rxCfg := zapwire.StationConfig{
		PayloadLength: 128,
		Batches:       2,
		BatchSize:     4,
		TX:            0,
		MaxTestTime:   5,
	}
	txCfg := zapwire.StationConfig{
		PayloadLength: 128,
		Batches:       2,
		BatchSize:     4,
		TX:            1,
		MaxTestTime:   5,
	}

	rxConn := mustDialService(t, rxIP)
	defer rxConn.Close()
	txConn := mustDialService(t, txIP)
	defer txConn.Close()

	if _, err := rxConn.Write(zapwire.EncodeOpenControlConn(tid, rxCfg)); err != nil {
		t.Fatalf("rx open control conn: %v", err)
	}
	expectReady(t, rxConn)

	if _, err := txConn.Write(zapwire.EncodeOpenControlConn(tid, txCfg)); err != nil {
		t.Fatalf("tx open control conn: %v", err)
	}
	expectReady(t, txConn)

	connectPayload := zapwire.ConnectPayload{RemoteIP: ipv4ToUint32(rxIP)}
	if _, err := txConn.Write(zapwire.EncodeConnect(tid, connectPayload)); err != nil {
		t.Fatalf("send connect: %v", err)
	}
	expectReady(t, txConn)

	if _, err := rxConn.Write(zapwire.EncodeEmpty(tid, zapwire.TypeTestStart)); err != nil {
		t.Fatalf("rx test start: %v", err)
	}
	expectReady(t, rxConn)

	if _, err := txConn.Write(zapwire.EncodeEmpty(tid, zapwire.TypeTestStart)); err != nil {
		t.Fatalf("tx test start: %v", err)
	}
	expectReady(t, txConn)

	dec := zapwire.NewDecoder()
	_ = rxConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	// The rx station emits one PerformanceResult per batch; drain all of
	// them so the Ready answering TestComplete is the next frame.
	gotReports := 0
	for i := 0; i < 8 && gotReports < int(rxCfg.Batches); i++ {
		fr, err := dec.ReadTCP(rxConn)
		if err != nil {
			break
		}
		if fr.Header.Type == zapwire.TypePerformanceResult {
			gotReports++
		}
	}
	if gotReports < int(rxCfg.Batches) {
		t.Fatalf("expected %d PerformanceResult frames on the rx control connection, got %d", rxCfg.Batches, gotReports)
	}
	_ = rxConn.SetReadDeadline(time.Time{})

	if _, err := txConn.Write(zapwire.EncodeEmpty(tid, zapwire.TypeTestComplete)); err != nil {
		t.Fatalf("tx test complete: %v", err)
	}
	expectReady(t, txConn)

	if _, err := rxConn.Write(zapwire.EncodeEmpty(tid, zapwire.TypeTestComplete)); err != nil {
		t.Fatalf("rx test complete: %v", err)
	}
	expectReady(t, rxConn)
}

// TestDuplicateControlConnRejected covers the tie-break for a second
// OpenControlConn on a live TID: the new socket is closed, the existing
// station stays intact and keeps answering on its original connection.
func TestDuplicateControlConnRejected(t *testing.T) {
	ip := [4]byte{127, 0, 0, 4}
	srv := NewServer(WithBindAddr(ip), WithHandshakeTimeout(2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready")
	}

	const tid = 2002
	cfg := zapwire.StationConfig{PayloadLength: 128, Batches: 1, BatchSize: 4}

	first := mustDialService(t, ip)
	defer first.Close()
	if _, err := first.Write(zapwire.EncodeOpenControlConn(tid, cfg)); err != nil {
		t.Fatalf("first open control conn: %v", err)
	}
	expectReady(t, first)

	second := mustDialService(t, ip)
	defer second.Close()
	if _, err := second.Write(zapwire.EncodeOpenControlConn(tid, cfg)); err != nil {
		t.Fatalf("second open control conn: %v", err)
	}
	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	dec := zapwire.NewDecoder()
	if _, err := dec.ReadTCP(second); err == nil {
		t.Fatalf("expected the duplicate control connection to be closed, got a frame")
	}

	// The original station still answers its control plane.
	if _, err := first.Write(zapwire.EncodeEmpty(tid, zapwire.TypeTestComplete)); err != nil {
		t.Fatalf("test complete on original conn: %v", err)
	}
	expectReady(t, first)
}
