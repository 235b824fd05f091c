package chain

import (
	"fmt"
	"time"

	"github.com/dpochain/node/core"
	"github.com/dpochain/node/events"
	"github.com/dpochain/node/signerprovider"
)

// StartBlock opens a new pending block at the given time with the given
// confirmations count. It is an error to call this while a pending block
// already exists — the caller must AbortBlock first (spec.md invariant).
func (c *Controller) StartBlock(when time.Time, confirms uint16, producer string, scheduleVersion uint32) (*PendingBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return nil, fmt.Errorf("chain: start_block called with a pending block already open")
	}

	tip := c.chain.Tip()
	var prevHash string
	var nextHeight int64
	if tip == nil {
		prevHash = zeroHash
		nextHeight = 1
	} else {
		prevHash = tip.Hash
		nextHeight = tip.Header.Height + 1
	}

	block := core.NewBlock(c.chainID, nextHeight, prevHash, producer, scheduleVersion, confirms, when.UnixNano(), nil)
	c.pending = &PendingBlock{Block: block, Confirmed: confirms}
	return c.pending, nil
}

// AbortBlock discards the pending block and reverts any state snapshots it
// had accumulated (spec §3 invariant: at most one pending block at a time).
func (c *Controller) AbortBlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return
	}
	if len(c.pending.snapshots) > 0 {
		// Revert to the oldest snapshot of this pending block's run, undoing
		// every transaction applied to it.
		_ = c.state.RevertToSnapshot(c.pending.snapshots[0])
	}
	c.pending = nil
}

// PushTransaction applies tx to the pending block's state within deadline.
// The transaction is added to the block's transaction list and to the
// mempool's unapplied set on success.
func (c *Controller) PushTransaction(tx *core.Transaction, deadline time.Time) (Trace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Trace{}, fmt.Errorf("chain: push_transaction with no pending block")
	}
	if time.Now().After(deadline) {
		return Trace{}, Subjective(ErrDeadlineExceeded, fmt.Errorf("push_transaction: preprocessing deadline already elapsed"))
	}

	start := time.Now()
	if snap, err := c.state.Snapshot(); err == nil {
		c.pending.snapshots = append(c.pending.snapshots, snap)
	}
	if err := c.executor.ExecuteTx(c.pending.Block, tx); err != nil {
		return Trace{}, err
	}
	c.pending.Block.Transactions = append(c.pending.Block.Transactions, tx)
	if err := c.mempool.Add(tx); err != nil {
		// Already present (e.g. re-applied persistent tx): not an error here.
		_ = err
	}
	return Trace{TxID: tx.ID, BlockHeight: c.pending.Block.Header.Height, Elapsed: time.Since(start)}, nil
}

// PushScheduledTransaction applies a controller-scheduled (deferred)
// transaction to the pending block, then removes it from the schedule.
func (c *Controller) PushScheduledTransaction(id string, deadline time.Time) (Trace, error) {
	tx, ok := c.scheduled.Get(id)
	if !ok {
		return Trace{}, Objective(ErrAssertion, fmt.Errorf("chain: unknown scheduled transaction %s", id))
	}
	trace, err := c.PushTransaction(tx, deadline)
	if err == nil {
		c.scheduled.Remove(id)
	}
	return trace, err
}

// FinalizeBlock computes the state root for the pending block from the
// current (uncommitted) write buffer.
func (c *Controller) FinalizeBlock() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return fmt.Errorf("chain: finalize_block with no pending block")
	}
	c.pending.StateRoot = c.state.ComputeRoot()
	c.pending.Block.Header.StateRoot = c.pending.StateRoot
	c.pending.Block.Header.TxRoot = core.ComputeTxRoot(c.pending.Block.Transactions)
	return nil
}

// SignBlock signs the pending block with the given producer signer,
// looked up from the signature provider registry by the block's own
// producer field.
func (c *Controller) SignBlock(registry *signerprovider.Registry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return fmt.Errorf("chain: sign_block with no pending block")
	}
	signer, err := registry.Lookup(c.pending.Block.Header.Producer)
	if err != nil {
		return err
	}
	c.pending.Block.Hash = c.pending.Block.ComputeHash()
	sig := signer(c.pending.Block.SigningDigest())
	if sig == "" {
		return fmt.Errorf("chain: signer for %s returned an empty signature", c.pending.Block.Header.Producer)
	}
	c.pending.Block.Signature = sig
	return nil
}

// CommitBlock appends the pending block to the canonical chain, flushes the
// state write buffer, removes its transactions from the mempool, and emits
// events.EventBlockCommit on the VM emitter. The eventbus AcceptedBlock
// signal is published by the producer's OnAcceptedBlock, not here.
func (c *Controller) CommitBlock() error {
	c.mu.Lock()
	block := c.pending
	c.mu.Unlock()
	if block == nil {
		return fmt.Errorf("chain: commit_block with no pending block")
	}

	if err := c.chain.AddBlock(block.Block); err != nil {
		return fmt.Errorf("commit_block: %w", err)
	}
	if err := c.state.Commit(); err != nil {
		// The block is already durable; state failing to flush is a fatal,
		// not-subjective condition the caller should treat as DATABASE_DIRTY.
		return fmt.Errorf("commit_block: state commit failed after block was stored: %w", err)
	}

	ids := make([]string, len(block.Block.Transactions))
	for i, tx := range block.Block.Transactions {
		ids[i] = tx.ID
	}
	c.mempool.Remove(ids)

	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()

	if c.emitter != nil {
		c.emitter.Emit(events.Event{
			Type:        events.EventBlockCommit,
			BlockHeight: block.Block.Header.Height,
			Data:        map[string]any{"hash": block.Block.Hash, "txs": len(block.Block.Transactions)},
		})
	}
	c.knownIDs.Add(block.Block.Hash)
	return nil
}

const zeroHash = "0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"
