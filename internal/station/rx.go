package station

import (
	"fmt"

	"github.com/zapnet/zapnet/internal/zapwire"
)

// ErrBadPayloadNumber reports a payload sequence number outside the
// station's configured batch size.
var ErrBadPayloadNumber = fmt.Errorf("station: payload number exceeds batch size")

// ProcessData folds one Data frame's sequence pair into the station's
// current-batch sample, emitting whatever PerformanceResult reports the
// update triggers. arrivalUsec is the frame's arrival timestamp: for UDP
// the receive time of the datagram, for TCP the time ProcessData is
// invoked (a stream socket carries no independent arrival signal).
func (s *Station) ProcessData(batch, payload uint32, arrivalUsec int64, frameLen int) ([]zapwire.PerformanceReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if payload >= s.Config.BatchSize {
		return nil, ErrBadPayloadNumber
	}

	var reports []zapwire.PerformanceReport

	if s.batchNum < batch {
		s.batchDoneLocked()
		if s.Config.BatchTime == 0 {
			reports = append(reports, s.batchReportLocked())
		}
		reports = append(reports, s.batchSkipLocked(batch)...)
	}

	if s.batchNum > batch {
		// Seriously out-of-order frame for a batch we've already closed. Toss it.
		return reports, nil
	}

	// The first two payload arrivals in a batch only anchor the timing
	// window; they are not counted as received frames. Inter-arrival gaps
	// need two timestamps before they mean anything.
	if s.sample.firstFrameArrivalUsec == 0 {
		s.sample.firstFrameArrivalUsec = arrivalUsec
		s.payloadNum = payload + 1
		return reports, nil
	}
	if s.sample.lastFrameArrivalUsec == 0 {
		s.sample.lastFrameArrivalUsec = arrivalUsec
		s.payloadNum = payload + 1
		return reports, nil
	}

	s.sample.totalTimeUsec += uint64(arrivalUsec - s.sample.lastFrameArrivalUsec)
	s.sample.lastFrameArrivalUsec = arrivalUsec
	s.sample.payloadBytes += uint32(frameLen)
	s.sample.received++

	if payload < s.payloadNum || s.batchNum > batch {
		s.sample.outOfOrder++
	}
	if payload > s.payloadNum {
		s.sample.skipped += payload - s.payloadNum
	}
	if payload >= s.payloadNum {
		s.payloadNum = payload + 1
	}

	if payload == s.Config.BatchSize-1 {
		if s.Config.BatchTime == 0 {
			reports = append(reports, s.batchReportLocked())
		}
		s.batchDoneLocked()
	}

	if s.Config.BatchTime != 0 && uint32(s.sample.totalTimeUsec) >= s.Config.BatchTime {
		reports = append(reports, s.batchReportLocked())
	}

	return reports, nil
}

// batchDoneLocked charges any payloads never seen in the finished batch to
// the skip counter, clears the timing anchors, and advances to the next
// batch.
func (s *Station) batchDoneLocked() {
	s.sample.skipped += s.Config.BatchSize - s.payloadNum
	s.sample.firstFrameArrivalUsec = 0
	s.sample.lastFrameArrivalUsec = 0
	s.batchNum++
	s.payloadNum = 0
}

// batchReportLocked builds one PerformanceResult and resets the sample
// window. The batch_time branch below assigns the same drop count as the
// default branch; kept split rather than collapsed because the two
// completion modes are expected to diverge here.
func (s *Station) batchReportLocked() zapwire.PerformanceReport {
	var bps uint64
	if s.sample.totalTimeUsec != 0 {
		bps = uint64(s.sample.received) * uint64(s.Config.PayloadLength) * 8 * 1_000_000 / s.sample.totalTimeUsec
	}

	var dropped uint32
	if s.Config.BatchTime != 0 {
		dropped = s.sample.skipped
	} else {
		dropped = s.sample.skipped
	}

	report := zapwire.PerformanceReport{
		Received:         s.sample.received,
		Dropped:          dropped,
		OutOfOrder:       s.sample.outOfOrder,
		Repeated:         s.sample.repeated, // never incremented; always reported as zero
		Batch:            s.sampleNum,
		FirstPayloadUsec: 0,
		LastPayloadUsec:  uint32(s.sample.totalTimeUsec),
		BitsPerSecond:    uint32(bps),
	}

	s.sample = sampleTrack{}
	s.sampleNum++

	return report
}

// batchSkipLocked emits a zero-traffic PerformanceResult for every batch
// number between the station's current batch and newBatch: these are
// batches the station never saw a single frame for, so every payload in
// them counts as dropped. With batch_time set, the batch counter advances
// over the skipped batches without emitting any report.
func (s *Station) batchSkipLocked(newBatch uint32) []zapwire.PerformanceReport {
	var reports []zapwire.PerformanceReport
	for s.batchNum < newBatch {
		if s.Config.BatchTime == 0 {
			reports = append(reports, zapwire.PerformanceReport{
				Batch:   s.batchNum,
				Dropped: s.Config.BatchSize,
			})
		}
		s.batchNum++
		s.payloadNum = 0
	}
	return reports
}

// ProcessDataComplete handles a DataComplete frame from the transmitter:
// if it confirms the batch the station already believes is current, close
// out that batch's report (unless batch_time pacing already reports
// independently), then optionally ack with DataCompleteResponse depending
// on batch_completion.
func (s *Station) ProcessDataComplete(batch uint32) (report *zapwire.PerformanceReport, ackDue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.batchNum == batch {
		s.sample.firstFrameArrivalUsec = 0
		s.sample.lastFrameArrivalUsec = 0
		s.batchNum++
		s.payloadNum = 0

		if s.Config.BatchTime == 0 {
			r := s.batchReportLocked()
			report = &r
		}
	}

	return report, s.Config.BatchCompletion != 0
}
