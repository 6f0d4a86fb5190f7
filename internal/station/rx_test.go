package station

import (
	"testing"

	"github.com/zapnet/zapnet/internal/zapwire"
)

// The first two payload arrivals of every batch only anchor the
// inter-arrival clock and are not counted toward payloads_received (see
// the comment on ProcessData), so expected received counts here run two
// below the delivered payload count. The reorder case's payloads_dropped
// similarly reflects the high-water-mark skip counter never being
// corrected once a reordered frame arrives late.

func freshStation(batchSize, payloadLength uint32) *Station {
	st := &Station{}
	st.Config = zapwire.StationConfig{BatchSize: batchSize, PayloadLength: payloadLength}
	return st
}

func TestProcessData_LosslessSingleRX(t *testing.T) {
	st := freshStation(10, 1000)

	var reports []zapwire.PerformanceReport
	usec := int64(100) // start away from 0: 0 doubles as the "unset" sentinel on the anchor fields
	for payload := uint32(0); payload < 10; payload++ {
		rs, err := st.ProcessData(0, payload, usec, 1000)
		if err != nil {
			t.Fatalf("payload %d: %v", payload, err)
		}
		reports = append(reports, rs...)
		usec += 100
	}

	if len(reports) != 1 {
		t.Fatalf("expected exactly one report at batch close, got %d", len(reports))
	}
	r := reports[0]
	if r.Received != 8 {
		t.Fatalf("received = %d, want 8 (10 minus the two anchor arrivals)", r.Received)
	}
	if r.Dropped != 0 || r.OutOfOrder != 0 || r.Repeated != 0 {
		t.Fatalf("unexpected loss/disorder on a lossless run: %+v", r)
	}
	wantBps := uint64(r.Received) * 1000 * 8 * 1_000_000 / uint64(r.LastPayloadUsec)
	if uint64(r.BitsPerSecond) != wantBps {
		t.Fatalf("bits_per_second = %d, want %d", r.BitsPerSecond, wantBps)
	}
}

func TestProcessData_LossyUDP(t *testing.T) {
	st := freshStation(10, 1000)

	delivered := []uint32{0, 1, 2, 4, 5, 6, 8, 9} // payloads 3 and 7 dropped
	var reports []zapwire.PerformanceReport
	usec := int64(100)
	for _, payload := range delivered {
		rs, err := st.ProcessData(0, payload, usec, 1000)
		if err != nil {
			t.Fatalf("payload %d: %v", payload, err)
		}
		reports = append(reports, rs...)
		usec += 100
	}

	if len(reports) != 1 {
		t.Fatalf("expected one report at batch close, got %d", len(reports))
	}
	r := reports[0]
	if r.Dropped != 2 {
		t.Fatalf("dropped = %d, want 2", r.Dropped)
	}
	if r.OutOfOrder != 0 {
		t.Fatalf("out_of_order = %d, want 0", r.OutOfOrder)
	}
}

func TestProcessData_Reorder(t *testing.T) {
	st := freshStation(10, 1000)

	delivered := []uint32{0, 1, 2, 4, 3, 5, 6, 7, 8, 9}
	var reports []zapwire.PerformanceReport
	usec := int64(100)
	for _, payload := range delivered {
		rs, err := st.ProcessData(0, payload, usec, 1000)
		if err != nil {
			t.Fatalf("payload %d: %v", payload, err)
		}
		reports = append(reports, rs...)
		usec += 100
	}

	if len(reports) != 1 {
		t.Fatalf("expected one report at batch close, got %d", len(reports))
	}
	r := reports[0]
	if r.OutOfOrder != 1 {
		t.Fatalf("out_of_order = %d, want 1", r.OutOfOrder)
	}
	// The skip high-water mark advances when payload 4 arrives ahead of 3
	// and is never retracted once 3 arrives late: one payload is counted
	// dropped even though every payload was eventually delivered.
	if r.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1 (high-water-mark skip counter is not retracted on late arrival)", r.Dropped)
	}
}

func TestProcessData_BatchSkip(t *testing.T) {
	st := freshStation(4, 1000)

	// Two arrivals of batch 0 only anchor the clock; the peer then jumps
	// straight to batch 3 without ever sending batch 0's remaining
	// payloads or any of batch 1/2.
	if _, err := st.ProcessData(0, 0, 100, 1000); err != nil {
		t.Fatalf("batch0 payload0: %v", err)
	}
	if _, err := st.ProcessData(0, 1, 200, 1000); err != nil {
		t.Fatalf("batch0 payload1: %v", err)
	}

	reports, err := st.ProcessData(3, 0, 300, 1000)
	if err != nil {
		t.Fatalf("jump to batch 3: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports (batch0 close + skipped batch1 + skipped batch2), got %d", len(reports))
	}
	for i, want := range []struct{ received, dropped uint32 }{
		{0, 2}, // batch 0 closed early: only the two anchor arrivals, no counted frames
		{0, 4}, // batch 1 never observed
		{0, 4}, // batch 2 never observed
	} {
		if reports[i].Received != want.received || reports[i].Dropped != want.dropped {
			t.Fatalf("report %d = %+v, want received=%d dropped=%d", i, reports[i], want.received, want.dropped)
		}
	}

	// Batch 3 then proceeds normally to its own close.
	if _, err := st.ProcessData(3, 1, 400, 1000); err != nil {
		t.Fatalf("batch3 payload1: %v", err)
	}
	if _, err := st.ProcessData(3, 2, 500, 1000); err != nil {
		t.Fatalf("batch3 payload2: %v", err)
	}
	final, err := st.ProcessData(3, 3, 600, 1000)
	if err != nil {
		t.Fatalf("batch3 payload3: %v", err)
	}
	if len(final) != 1 {
		t.Fatalf("expected one closing report for batch 3, got %d", len(final))
	}
	if final[0].Received != 2 || final[0].Dropped != 0 {
		t.Fatalf("batch3 close = %+v, want received=2 dropped=0", final[0])
	}
}

func TestProcessData_RejectsOversizePayload(t *testing.T) {
	st := freshStation(10, 1000)
	if _, err := st.ProcessData(0, 10, 0, 1000); err != ErrBadPayloadNumber {
		t.Fatalf("expected ErrBadPayloadNumber for payload == batch_size, got %v", err)
	}
}

func TestProcessDataComplete_ClosesCurrentBatchAndSignalsAck(t *testing.T) {
	st := freshStation(10, 1000)
	st.Config.BatchCompletion = 1

	for payload := uint32(0); payload < 3; payload++ {
		if _, err := st.ProcessData(0, payload, int64(payload+1)*100, 1000); err != nil {
			t.Fatalf("payload %d: %v", payload, err)
		}
	}

	report, ackDue := st.ProcessDataComplete(0)
	if !ackDue {
		t.Fatalf("expected ackDue with batch_completion negotiated")
	}
	if report == nil {
		t.Fatalf("expected a closing report for the live batch")
	}
	if report.Received != 1 {
		t.Fatalf("received = %d, want 1 (payload 2, after the two anchor arrivals)", report.Received)
	}

	// A DataComplete for a batch the station has already moved past emits
	// no report (nothing left to close), but the ack itself is still sent
	// whenever batch_completion is negotiated, stale or not.
	if report, ackDue := st.ProcessDataComplete(0); report != nil || !ackDue {
		t.Fatalf("stale DataComplete: got report=%+v ackDue=%v, want report=nil ackDue=true", report, ackDue)
	}
}
