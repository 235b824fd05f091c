package producer

import (
	"context"
	"time"
)

// Scheduler drives Producer.StartBlock from a single-threaded cooperative
// timer loop (spec §4.1), the same role the teacher's consensus engine gave
// its own fixed-interval Run loop, generalized here to the slot-grid and
// correlation-id cancellation spec.md's scheduler requires.
type Scheduler struct {
	producer *Producer
	interval time.Duration // block_interval
}

// NewScheduler returns a Scheduler driving producer at the given chain
// block interval.
func NewScheduler(producer *Producer, interval time.Duration) *Scheduler {
	return &Scheduler{producer: producer, interval: interval}
}

// Run blocks until ctx is cancelled, repeatedly computing the next pending-
// block time, calling StartBlock, and re-arming per spec §4.1's result
// table. done is closed when the loop exits.
func (s *Scheduler) Run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		gen := s.producer.correlationID()
		now := time.Now()
		pendingTime := s.pendingBlockTime(now)

		timer := time.NewTimer(time.Until(pendingTime))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if s.producer.stale(gen) {
			continue
		}

		result := s.producer.StartBlock(pendingTime, gen)
		wait := s.rearmDelay(result, pendingTime)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// pendingBlockTime computes the next slot boundary at or after
// max(now, head_block_time), snapped to the block interval, skipping a full
// interval if the gap would be under block_interval/10 (spec §4.1).
func (s *Scheduler) pendingBlockTime(now time.Time) time.Time {
	head := s.producer.controller.HeadBlockTime()
	base := now
	if head.After(base) {
		base = head
	}

	epoch := time.Unix(0, 0)
	elapsed := base.Sub(epoch)
	slot := elapsed / s.interval
	next := epoch.Add((slot + 1) * s.interval)

	if next.Sub(now) < s.interval/10 {
		next = next.Add(s.interval)
	}
	return next
}

// rearmDelay implements spec §4.1's four-way re-arm table.
func (s *Scheduler) rearmDelay(result Result, pendingTime time.Time) time.Duration {
	switch result {
	case ResultFailed:
		return s.interval / 10
	case ResultWaiting:
		return s.nextLocalProducerDelay(pendingTime)
	case ResultExhausted, ResultSucceeded:
		deadline := pendingTime.Add(s.producer.cfg.ProduceTimeOffset())
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return 0
	default:
		return s.interval
	}
}

// nextLocalProducerDelay finds the soonest future slot owned by a locally
// configured producer, or falls back to one full interval if none is
// configured (read-only / pure relay node — sleeps until an incoming block
// wakes it instead, approximated here by a bounded poll).
func (s *Scheduler) nextLocalProducerDelay(pendingTime time.Time) time.Duration {
	if len(s.producer.local) == 0 {
		return s.interval
	}
	t := pendingTime
	for i := 0; i < 256; i++ {
		producer, _, _ := s.producer.controller.GetScheduledProducer(t)
		if s.producer.IsLocalProducer(producer) {
			if d := time.Until(t); d > 0 {
				return d
			}
			return 0
		}
		t = t.Add(s.interval)
	}
	return s.interval
}
