package chain

import (
	"fmt"

	"github.com/dpochain/node/core"
	"github.com/dpochain/node/crypto"
	"github.com/dpochain/node/events"
)

// SignatureFuture is returned immediately by dispatching a transaction's
// signature check to the verification worker pool; the I/O thread calls
// Wait() once it is ready to admit the transaction (spec §4.3 step 1).
type SignatureFuture struct {
	done chan error
}

// VerifyAsync submits tx for signature verification on a background
// goroutine and returns a future resolved when the check completes. This is
// the controller's worker-pool boundary: CPU-bound verification happens off
// the single I/O-thread-equivalent goroutine that runs assembly and the
// incoming handlers.
func VerifyAsync(tx *core.Transaction) *SignatureFuture {
	f := &SignatureFuture{done: make(chan error, 1)}
	go func() {
		f.done <- tx.Verify()
	}()
	return f
}

// Wait blocks until the signature check resolves.
func (f *SignatureFuture) Wait() error {
	return <-f.done
}

// BlockStateFuture is returned by CreateBlockStateFuture and resolved by a
// background validation goroutine; PushBlock waits on it before mutating
// chain state, keeping the actual validation CPU work off the calling
// goroutine the same way SignatureFuture does for transactions.
type BlockStateFuture struct {
	block *core.Block
	done  chan error
}

// CreateBlockStateFuture starts structural + signature validation for block
// on a background goroutine and returns a future for PushBlock to await.
func (c *Controller) CreateBlockStateFuture(block *core.Block, expectedProducer string) *BlockStateFuture {
	f := &BlockStateFuture{block: block, done: make(chan error, 1)}
	go func() {
		f.done <- c.validateBlock(block, expectedProducer)
	}()
	return f
}

func (c *Controller) validateBlock(block *core.Block, expectedProducer string) error {
	if block.Header.ChainID != c.chainID {
		return Objective(ErrAuthority, fmt.Errorf("chain_id mismatch: got %q want %q", block.Header.ChainID, c.chainID))
	}
	if block.Header.Producer != expectedProducer {
		return Objective(ErrAuthority, fmt.Errorf("unexpected producer: got %s want %s", block.Header.Producer, expectedProducer))
	}
	pub, err := crypto.PubKeyFromHex(block.Header.Producer)
	if err != nil {
		return Objective(ErrAuthority, err)
	}
	if err := block.Verify(pub); err != nil {
		return Objective(ErrAuthority, fmt.Errorf("signature: %w", err))
	}
	if err := block.VerifyIntegrity(); err != nil {
		return Objective(ErrAssertion, err)
	}

	tip := c.chain.Tip()
	if tip == nil {
		if block.Header.Height != 0 {
			return Objective(ErrAssertion, fmt.Errorf("first block must be height 0"))
		}
	} else {
		if block.Header.PrevHash != tip.Hash {
			return Objective(ErrAssertion, fmt.Errorf("prev_hash mismatch: got %s want %s", block.Header.PrevHash, tip.Hash))
		}
		if block.Header.Height != tip.Header.Height+1 {
			return Objective(ErrAssertion, fmt.Errorf("height mismatch: got %d want %d", block.Header.Height, tip.Header.Height+1))
		}
	}
	return nil
}

// PushBlock waits for future's validation to resolve, then executes and
// commits the block (spec §4.4 step 5). Soft (objective) validation errors
// are returned to the caller to publish on a rejected_block channel; they do
// not panic or abort the process.
func (c *Controller) PushBlock(future *BlockStateFuture) error {
	if err := future.Wait(); err != nil {
		return err
	}
	block := future.block

	c.mu.Lock()
	executor := c.executor
	c.mu.Unlock()

	if err := executor.ExecuteBlock(block); err != nil {
		return Objective(ErrAssertion, fmt.Errorf("execute incoming block: %w", err))
	}
	if root := c.state.ComputeRoot(); root != block.Header.StateRoot {
		return Objective(ErrAssertion, fmt.Errorf("state_root mismatch: got %s want %s", block.Header.StateRoot, root))
	}
	if err := c.chain.AddBlock(block); err != nil {
		return fmt.Errorf("push_block: %w", err)
	}
	if err := c.state.Commit(); err != nil {
		return fmt.Errorf("push_block: state commit failed after block was stored: %w", err)
	}

	ids := make([]string, len(block.Transactions))
	for i, tx := range block.Transactions {
		ids[i] = tx.ID
	}
	c.mempool.Remove(ids)
	c.knownIDs.Add(block.Hash)

	if c.emitter != nil {
		c.emitter.Emit(events.Event{
			Type:        events.EventBlockCommit,
			BlockHeight: block.Header.Height,
			Data:        map[string]any{"hash": block.Hash, "txs": len(block.Transactions), "peer": true},
		})
	}
	return nil
}
