package producer

import (
	"errors"
	"time"

	"github.com/dpochain/node/chain"
	"github.com/dpochain/node/core"
)

// OnIncomingBlock implements spec §4.4's on_incoming_block. rejected is
// called with the block's hash for soft (objective, non-fatal) rejections;
// escalate is called for fatal errors a reasonable node cannot recover from.
// The scheduler's re-arm is the caller's responsibility, invoked via the
// returned rearm flag on every exit path (spec's "scoped release" wording).
func (p *Producer) OnIncomingBlock(block *core.Block, rejected func(hash string), escalate func(err error)) (rearm bool) {
	rearm = true

	if block.Header.Timestamp > time.Now().Add(7*time.Second).UnixNano() {
		p.log.Debug("rejecting incoming block", "hash", block.Hash, "err", errFutureBlock)
		p.countRejected("future")
		rejected(block.Hash)
		return
	}
	if p.controller.HasID(block.Hash) {
		return
	}

	expectedProducer, version, _ := p.controller.GetScheduledProducer(time.Unix(0, block.Header.Timestamp))
	previousProducers := p.controller.ScheduleProducers()

	future := p.controller.CreateBlockStateFuture(block, expectedProducer)

	// Abort the pending block: assembly work is discarded so the peer block
	// is pushed onto a clean head (spec §4.4 step 4).
	if p.isAssembling() {
		p.controller.AbortBlock()
		p.invalidate()
	}

	if err := p.controller.PushBlock(future); err != nil {
		if isFatal(err) {
			p.countRejected("fatal")
			escalate(err)
			return
		}
		p.countRejected("validation")
		rejected(block.Hash)
		return
	}

	p.controller.RememberID(block.Hash)
	p.watermarks.Advance(block.Header.Producer, block.Header.Height, version)
	p.OnAcceptedBlock(block, previousProducers)

	nextSlot := p.controller.HeadBlockTime().Add(p.cfg.ProduceTimeOffset())
	if !nextSlot.Before(time.Now()) {
		p.cfg.SetPaused(false)
	}
	return
}

func (p *Producer) countRejected(reason string) {
	if p.metrics != nil {
		p.metrics.BlocksRejected.WithLabelValues(reason).Inc()
	}
}

// isFatal reports whether err escalates rather than merely rejecting the
// block: any error that is not subjective and is not a chain.Classified
// ErrAuthority/ErrAssertion validation rejection — including unclassified
// errors such as PushBlock's storage write failures.
func isFatal(err error) bool {
	if isSubjective(err) {
		return false
	}
	var c *chain.Classified
	if errors.As(err, &c) {
		switch c.Code {
		case chain.ErrAuthority, chain.ErrAssertion:
			return false
		}
	}
	return true
}
