package producer

import (
	"errors"
	"math"
	"time"

	"github.com/dpochain/node/chain"
	"github.com/dpochain/node/core"
)

// Mode is the outcome of start_block's mode selection (spec §4.2 "Mode
// selection"): whether this invocation may actually sign and commit a block,
// merely speculate ahead of the real producer, or sit read-only.
type Mode int

const (
	ModeReadOnly Mode = iota
	ModeSpeculating
	ModeProducing
)

// Result is the scheduler-facing outcome of a start_block call (spec §4.2),
// which in turn dictates how the scheduler re-arms its timer (spec §4.1).
type Result int

const (
	ResultFailed Result = iota
	ResultWaiting
	ResultExhausted
	ResultSucceeded
)

func isSubjective(err error) bool {
	var c *chain.Classified
	if errors.As(err, &c) {
		return c.Subjective
	}
	return false
}

// selectMode decides the mode for a block at height, checking in this order:
// pause flag, local producer, signer present, greylist, irreversible-block
// age, watermark; the first failed check demotes to speculating. There is no
// separate production-enabled check; the pause flag is the only on/off switch.
func (p *Producer) selectMode(now time.Time, producer string, height int64, version uint32) Mode {
	if p.cfg.Paused() {
		return ModeSpeculating
	}
	if !p.IsLocalProducer(producer) {
		return ModeSpeculating
	}
	if !p.signers.Has(producer) {
		return ModeSpeculating
	}
	if p.controller.IsGreylisted(producer) {
		return ModeSpeculating
	}
	if maxAge := p.cfg.MaxIrreversibleBlockAge(); maxAge >= 0 {
		head := p.controller.HeadBlockTime()
		if !head.IsZero() && now.Sub(head) > maxAge {
			return ModeSpeculating
		}
	}
	if !p.watermarks.Allows(producer, height, version) {
		return ModeSpeculating
	}
	return ModeProducing
}

// blocksToConfirm implements spec §4.1's double-sign-protection
// confirmation count: how many recent blocks this node will vouch for in
// the new header, clamped to [0, math.MaxUint16].
func (p *Producer) blocksToConfirm(producer string, headNum int64) uint16 {
	wmHeight, _, ok := p.watermarks.Get(producer)
	if !ok {
		return 0
	}
	if wmHeight >= headNum {
		return 0
	}
	diff := headNum - wmHeight
	if diff > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(diff)
}

// StartBlock is the scheduler's single entry point into assembly (spec
// §4.2). now is the pending-block timestamp the scheduler has already
// computed from the slot grid; gen is the correlation id captured when the
// scheduler armed this call.
func (p *Producer) StartBlock(now time.Time, gen uint64) Result {
	producer, version, rep := p.controller.GetScheduledProducer(now)
	if producer == "" {
		return ResultWaiting
	}

	head := p.controller.HeadBlockState()
	var headNum int64
	if head != nil {
		headNum = head.Header.Height
	}

	mode := p.selectMode(now, producer, headNum, version)
	if mode == ModeSpeculating {
		headTime := p.controller.HeadBlockTime()
		if headTime.IsZero() || now.Sub(headTime) > 5*time.Second {
			return ResultWaiting
		}
	}

	confirms := p.blocksToConfirm(producer, headNum)
	if _, err := p.controller.StartBlock(now, confirms, producer, version); err != nil {
		return ResultFailed
	}
	p.setAssembling(true)
	defer p.setAssembling(false)

	deadline := now.Add(p.deadlineOffset(rep))

	result := p.runPhases(now, deadline, gen, mode)
	if p.stale(gen) {
		p.controller.AbortBlock()
		return ResultExhausted
	}

	switch result {
	case ResultExhausted, ResultFailed:
		p.controller.AbortBlock()
		return result
	}

	if err := p.controller.FinalizeBlock(); err != nil {
		p.controller.AbortBlock()
		return ResultFailed
	}

	if mode != ModeProducing {
		p.controller.AbortBlock()
		return ResultSucceeded
	}

	if err := p.controller.SignBlock(p.signers); err != nil {
		p.log.Error("sign_block failed", "producer", producer, "err", err)
		p.controller.AbortBlock()
		return ResultFailed
	}
	if err := p.controller.CommitBlock(); err != nil {
		p.log.Error("commit_block failed", "producer", producer, "err", err)
		return ResultFailed
	}
	p.watermarks.Advance(producer, headNum+1, version)
	if committed := p.controller.HeadBlockState(); committed != nil {
		p.OnAcceptedBlock(committed, nil)
	}
	if p.metrics != nil {
		p.metrics.BlocksProduced.WithLabelValues(producer).Inc()
	}
	return ResultSucceeded
}

// deadlineOffset selects produce_time_offset_us or last_block_time_offset_us
// (spec §4.1): the final repetition of a producer's consecutive run gets the
// last-block offset, every earlier repetition gets the produce offset.
func (p *Producer) deadlineOffset(rep int) time.Duration {
	if p.controller.IsLastRepetition(rep) {
		return p.cfg.LastBlockTimeOffset()
	}
	return p.cfg.ProduceTimeOffset()
}

// runPhases runs start_block's five strictly-ordered phases (spec §4.2).
func (p *Producer) runPhases(pendingTime, preprocessDeadline time.Time, gen uint64, mode Mode) Result {
	// Phase A — expire persistent set.
	p.timePhase("expire_persistent", func() { p.persistent.ExpireBefore(pendingTime) })

	// Phase B — replay unapplied.
	var res Result
	p.timePhase("replay_unapplied", func() { res = p.phaseB(pendingTime, preprocessDeadline, gen, mode) })
	if res != ResultSucceeded {
		return res
	}
	if p.stale(gen) {
		return ResultExhausted
	}

	// Phase C — expire blacklist.
	p.timePhase("expire_blacklist", func() { p.blacklist.Sweep(time.Now()) })

	// Phase D — scheduled transactions (producing mode only).
	if mode == ModeProducing {
		p.timePhase("scheduled_tx", func() { res = p.phaseD(preprocessDeadline, gen) })
		if res != ResultSucceeded {
			return res
		}
	}

	// Phase E — drain remaining incoming queue.
	p.timePhase("drain_incoming", func() { res = p.phaseE(preprocessDeadline, gen) })
	return res
}

// timePhase runs fn and, if a metrics registry is attached, records its
// wall-clock duration under the named assembly phase.
func (p *Producer) timePhase(phase string, fn func()) {
	if p.metrics == nil {
		fn()
		return
	}
	start := time.Now()
	fn()
	p.metrics.AssemblyPhase.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

func (p *Producer) phaseB(pendingTime, preprocessDeadline time.Time, gen uint64, mode Mode) Result {
	unapplied := p.controller.GetUnappliedTransactions()
	localConfigured := len(p.local) > 0

	for _, tx := range unapplied {
		if p.stale(gen) {
			return ResultExhausted
		}
		switch {
		case tx.IsExpired(pendingTime.UnixNano()):
			p.controller.DropUnappliedTransaction(tx.ID)
			continue
		case p.persistent.Len() > 0 && p.isPersisted(tx.ID):
			if mode == ModeSpeculating || mode == ModeProducing {
				if res := p.applyWithDeadline(tx, preprocessDeadline); res != ResultSucceeded {
					return res
				}
			}
		default: // UNEXPIRED_UNPERSISTED
			if !localConfigured {
				p.controller.DropUnappliedTransaction(tx.ID)
				continue
			}
			if mode == ModeProducing {
				if res := p.applyWithDeadline(tx, preprocessDeadline); res != ResultSucceeded {
					return res
				}
			}
		}
	}
	return ResultSucceeded
}

func (p *Producer) isPersisted(id string) bool {
	for _, tx := range p.persistent.Due() {
		if tx.ID == id {
			return true
		}
	}
	return false
}

// applyWithDeadline pushes tx to the controller under a per-transaction
// deadline, classifying failures per spec §4.2 Phase B / §7.
func (p *Producer) applyWithDeadline(tx *core.Transaction, preprocessDeadline time.Time) Result {
	perTxDeadline := time.Now().Add(p.cfg.MaxTransactionTime())
	if perTxDeadline.After(preprocessDeadline) {
		perTxDeadline = preprocessDeadline
	}
	_, err := p.controller.PushTransaction(tx, perTxDeadline)
	if err == nil {
		p.persistent.Remove(tx.ID)
		return ResultSucceeded
	}
	if isSubjective(err) {
		return ResultExhausted
	}
	p.controller.DropUnappliedTransaction(tx.ID)
	return ResultSucceeded
}

func (p *Producer) phaseD(preprocessDeadline time.Time, gen uint64) Result {
	tighter := time.Now().Add(p.cfg.MaxScheduledTransactionTimePerBlock())
	if tighter.After(preprocessDeadline) {
		tighter = preprocessDeadline
	}

	due := p.controller.GetScheduledTransactions(time.Now())
	weight := 0.0
	for _, id := range due {
		if p.stale(gen) || time.Now().After(tighter) {
			return ResultExhausted
		}
		if p.blacklist.Contains(id, time.Now()) {
			continue
		}

		for weight >= 1.0 && p.incoming.Len() > 0 {
			item := p.popOneIncoming()
			p.processIncoming(item, tighter)
			weight -= 1.0
		}

		_, err := p.controller.PushScheduledTransaction(id, tighter)
		if err != nil {
			if isSubjective(err) {
				return ResultExhausted
			}
			p.blacklist.Add(id, time.Now().Add(p.cfg.DeferredTrxExpirationWindow()))
		}
		weight += p.cfg.IncomingDeferRatio()
	}
	return ResultSucceeded
}

func (p *Producer) phaseE(preprocessDeadline time.Time, gen uint64) Result {
	for p.incoming.Len() > 0 {
		if p.stale(gen) || time.Now().After(preprocessDeadline) {
			return ResultExhausted
		}
		item := p.popOneIncoming()
		p.processIncoming(item, preprocessDeadline)
	}
	return ResultSucceeded
}

// popOneIncoming removes and returns the head of the incoming queue,
// pushing every remaining item back so FIFO order survives the
// pop-one-at-a-time pattern Phase D and Phase E both use.
func (p *Producer) popOneIncoming() IncomingItem {
	items := p.incoming.PopAll()
	if len(items) == 0 {
		return IncomingItem{}
	}
	head := items[0]
	for _, rest := range items[1:] {
		p.incoming.Push(rest)
	}
	return head
}

func (p *Producer) processIncoming(item IncomingItem, deadline time.Time) {
	if item.Done == nil {
		return
	}
	switch item.Kind {
	case IncomingTransaction:
		tx, ok := item.Tx.(*core.Transaction)
		if !ok {
			item.Done(nil)
			return
		}
		res := p.applyWithDeadline(tx, deadline)
		if res == ResultExhausted {
			p.incoming.Push(item)
			return
		}
		item.Done(nil)
	case IncomingBlock:
		item.Done(nil)
	}
}
