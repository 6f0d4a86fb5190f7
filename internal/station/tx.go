package station

import (
	"context"
	"fmt"
	"time"

	"github.com/zapnet/zapnet/internal/zapwire"
)

// pollInterval bounds how often the scheduler re-checks for a
// DataCompleteResponse ack while its asynchronous window is full. The ack
// is recorded by the data connection's reader goroutine; a short poll here
// avoids sharing that goroutine's socket.
const pollInterval = time.Millisecond

// UDPSender transmits one already-encoded Data frame to a peer over the
// server's shared UDP tx socket.
type UDPSender interface {
	SendUDP(payload []byte, txIP uint32) error
}

// TXScheduler drives one transmitting station's batch/payload pacing loop,
// bounded pipeline depth, payload/batch sleeps, and the
// DataComplete/DataCompleteResponse handshake gating the asynchronous
// window. It owns no socket directly for UDP (it shares the server's tx
// socket via UDPSender) but writes TCP data frames straight to the
// station's first data connection.
type TXScheduler struct {
	station *Station
	udp     UDPSender
}

// NewTXScheduler constructs a scheduler for a station already in
// StateRunningTx with at least one data connection open.
func NewTXScheduler(st *Station, udp UDPSender) *TXScheduler {
	return &TXScheduler{station: st, udp: udp}
}

// Run drives the full test: `batches` batches of `batch_size` payloads
// each, paced by payload_transmit_delay/batch_transmit_delay, bounded by
// max_test_time. It returns when the test completes, the context is
// cancelled, or a send fails.
func (t *TXScheduler) Run(ctx context.Context) error {
	t.station.mu.Lock()
	cfg := t.station.Config
	t.station.mu.Unlock()
	deadline := time.Now().Add(time.Duration(cfg.MaxTestTime) * time.Second)

	for batch := uint32(0); batch < cfg.Batches; batch++ {
		if cfg.MaxTestTime != 0 && time.Now().After(deadline) {
			return nil
		}
		if err := t.waitForWindow(ctx, cfg, batch); err != nil {
			return err
		}
		if err := t.sendBatch(ctx, cfg, batch); err != nil {
			return err
		}
		if err := t.sendDataComplete(batch); err != nil {
			return err
		}
		if cfg.BatchCompletion != 0 {
			if err := t.waitForAck(ctx, batch); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if cfg.BatchTransmitDelay > 0 {
			sleep(ctx, time.Duration(cfg.BatchTransmitDelay)*time.Microsecond)
		}
	}
	return nil
}

// waitForWindow blocks until the station's asynchronous pipeline depth
// allows batch to start: last_completed_batch + asynchronous > batch_num,
// or unconditionally if batch_completion is not negotiated.
func (t *TXScheduler) waitForWindow(ctx context.Context, cfg zapwire.StationConfig, batch uint32) error {
	if cfg.BatchCompletion == 0 {
		return nil
	}
	for {
		if last, ok := t.station.LastCompletedBatch(); ok {
			if last+cfg.Asynchronous > batch {
				return nil
			}
		} else if cfg.Asynchronous > 0 && batch < cfg.Asynchronous {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (t *TXScheduler) sendBatch(ctx context.Context, cfg zapwire.StationConfig, batch uint32) error {
	for payload := uint32(0); payload < cfg.BatchSize; payload++ {
		wire := zapwire.EncodeData(t.station.ID, batch, payload, int(cfg.PayloadLength))
		if err := t.sendData(wire); err != nil {
			return err
		}
		if payload+1 < cfg.BatchSize && cfg.PayloadTransmitDelay > 0 {
			sleep(ctx, time.Duration(cfg.PayloadTransmitDelay)*time.Microsecond)
		}
	}
	return nil
}

func (t *TXScheduler) sendData(wire []byte) error {
	// TXIP is read fresh on every send: a station configured with tx_ip=0
	// learns its peer from the Connect frame or a priming Null datagram
	// after the scheduler was constructed.
	t.station.mu.Lock()
	udp := t.station.Config.IsUDP()
	dst := t.station.Config.TXIP
	t.station.mu.Unlock()
	if udp {
		return t.udp.SendUDP(wire, dst)
	}
	return t.writeTCPData(wire)
}

// writeTCPData writes to the station's first data connection with a
// 10-second write deadline, classifying the peer as gone on timeout.
func (t *TXScheduler) writeTCPData(wire []byte) error {
	t.station.mu.Lock()
	if len(t.station.Data) == 0 {
		t.station.mu.Unlock()
		return fmt.Errorf("station: no open data connection")
	}
	conn := t.station.Data[0]
	t.station.mu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("station: set write deadline: %w", err)
	}
	_, err := conn.Write(wire)
	if err != nil {
		return fmt.Errorf("station: tcp data write: %w", err)
	}
	return nil
}

func (t *TXScheduler) sendDataComplete(batch uint32) error {
	t.station.mu.Lock()
	if len(t.station.Data) == 0 {
		t.station.mu.Unlock()
		return fmt.Errorf("station: no open data connection for DataComplete")
	}
	conn := t.station.Data[0]
	t.station.mu.Unlock()

	wire := zapwire.EncodeBatchNumberFrame(t.station.ID, zapwire.TypeDataComplete, batch)
	_, err := conn.Write(wire)
	if err != nil {
		return fmt.Errorf("station: data complete write: %w", err)
	}
	return nil
}

func (t *TXScheduler) waitForAck(ctx context.Context, batch uint32) error {
	for {
		if last, ok := t.station.LastCompletedBatch(); ok && last >= batch {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
