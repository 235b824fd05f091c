package producer

import (
	"time"

	"github.com/dpochain/node/chain"
	"github.com/dpochain/node/core"
)

// Trace is returned to the caller of OnIncomingTransaction on success.
type Trace = chain.Trace

// OnIncomingTransaction implements spec §4.3's on_incoming_transaction: it
// dispatches signature verification off the calling goroutine and only
// touches controller state from the single producer goroutine's perspective
// once the future resolves, via submitVerified.
func (p *Producer) OnIncomingTransaction(tx *core.Transaction, persistUntilExpired bool, next func(Trace, error)) {
	future := chain.VerifyAsync(tx)
	go func() {
		if err := future.Wait(); err != nil {
			next(Trace{}, chain.Objective(chain.ErrAssertion, err))
			return
		}
		p.submitVerified(tx, persistUntilExpired, next)
	}()
}

// submitVerified is step 2 onward of spec §4.3, run once signature
// verification has already succeeded.
func (p *Producer) submitVerified(tx *core.Transaction, persistUntilExpired bool, next func(Trace, error)) {
	if !p.isAssembling() {
		p.incoming.Push(IncomingItem{
			Kind: IncomingTransaction,
			Tx:   tx,
			Done: func(err error) {
				if err != nil {
					next(Trace{}, err)
					return
				}
				next(Trace{TxID: tx.ID}, nil)
			},
		})
		return
	}

	pending := p.controller.PendingBlockState()
	if pending == nil {
		p.incoming.Push(IncomingItem{Kind: IncomingTransaction, Tx: tx, Done: func(error) {}})
		return
	}

	pendingTime := time.Unix(0, pending.Block.Header.Timestamp)
	if tx.IsExpired(pendingTime.UnixNano()) {
		p.countIncoming("expired")
		next(Trace{}, chain.Objective(chain.ErrExpired, errExpired))
		return
	}
	if p.controller.HasID(tx.ID) {
		p.countIncoming("duplicate")
		next(Trace{}, chain.Objective(chain.ErrDuplicate, errDuplicate))
		return
	}

	deadline := time.Now().Add(p.cfg.MaxTransactionTime())
	trace, err := p.controller.PushTransaction(tx, deadline)
	if err == nil {
		if persistUntilExpired {
			p.persistent.Add(tx)
		}
		p.countIncoming("pushed")
		next(trace, nil)
		return
	}
	if isSubjective(err) {
		p.countIncoming("requeued")
		p.incoming.Push(IncomingItem{Kind: IncomingTransaction, Tx: tx, Done: func(error) {}})
		return
	}
	p.countIncoming("rejected")
	next(Trace{}, err)
}

func (p *Producer) countIncoming(outcome string) {
	if p.metrics != nil {
		p.metrics.IncomingTxTotal.WithLabelValues(outcome).Inc()
	}
}
