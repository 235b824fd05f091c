package chain

import (
	"sync"
	"time"

	"github.com/dpochain/node/core"
	"github.com/dpochain/node/events"
	"github.com/ethereum/go-ethereum/log"
)

// Trace is the result of successfully applying a transaction, returned to
// whoever pushed it.
type Trace struct {
	TxID        string
	BlockHeight int64
	Elapsed     time.Duration
}

// PendingBlock is the block currently under assembly. At most one exists at
// a time; Controller enforces this with StartBlock/AbortBlock.
type PendingBlock struct {
	Block     *core.Block
	StateRoot string // filled in by FinalizeBlock
	Confirmed uint16
	snapshots []int // per-tx state snapshot ids; AbortBlock reverts to the first
}

// TxExecutor is the transaction executor the controller drives (satisfied by
// *vm.Executor). It is an interface so that chain does not import vm, which
// imports chain for its error classification.
type TxExecutor interface {
	ExecuteTx(block *core.Block, tx *core.Transaction) error
	ExecuteBlock(block *core.Block) error
}

// Controller is the concrete ControllerFacade: the external collaborator
// spec.md treats as opaque. It owns the canonical chain, the account state,
// and the generic transaction executor, and exposes exactly the surface the
// production scheduler and incoming-block handler need.
type Controller struct {
	mu sync.Mutex

	log log.Logger

	chainID  string
	chain    *core.Blockchain
	state    core.State
	mempool  *core.Mempool
	executor TxExecutor
	emitter  *events.Emitter

	schedule  *Schedule
	scheduled *ScheduledTxTable
	greylist  map[string]struct{}

	pending *PendingBlock

	knownIDs *seenSet
}

// NewController wires a Controller from its collaborators.
func NewController(chainID string, bc *core.Blockchain, state core.State, mempool *core.Mempool, executor TxExecutor, emitter *events.Emitter, schedule *Schedule) *Controller {
	return &Controller{
		log:       log.New("component", "chain"),
		chainID:   chainID,
		chain:     bc,
		state:     state,
		mempool:   mempool,
		executor:  executor,
		emitter:   emitter,
		schedule:  schedule,
		scheduled: newScheduledTxTable(),
		greylist:  make(map[string]struct{}),
		knownIDs:  newSeenSet(65536),
	}
}

// HeadBlockState returns the current chain tip, or nil for a fresh chain.
func (c *Controller) HeadBlockState() *core.Block {
	return c.chain.Tip()
}

// HeadBlockTime returns the timestamp of the current tip.
func (c *Controller) HeadBlockTime() time.Time {
	head := c.chain.Tip()
	if head == nil {
		return time.Time{}
	}
	return time.Unix(0, head.Header.Timestamp)
}

// PendingBlockState returns the in-progress block, or nil if none.
func (c *Controller) PendingBlockState() *PendingBlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// LastIrreversibleBlockNum returns the chain's confirmed-irreversible height.
func (c *Controller) LastIrreversibleBlockNum() int64 {
	return c.chain.LastIrreversibleBlockNum()
}

// FetchBlockByID returns a block by hash from the canonical chain.
func (c *Controller) FetchBlockByID(hash string) (*core.Block, error) {
	return c.chain.GetBlock(hash)
}

// HasBlock reports whether the chain already stores a block with this hash,
// used by the Incoming Block Handler to short-circuit duplicate delivery.
func (c *Controller) HasBlock(hash string) bool {
	_, err := c.chain.GetBlock(hash)
	return err == nil
}

// GetScheduledProducer returns the producer authorized to produce at t, along
// with the active schedule version and this producer's repetition index
// within its consecutive run (spec §4.1 mode selection, §4.4 schedule
// rotation).
func (c *Controller) GetScheduledProducer(t time.Time) (producer string, version uint32, repetition int) {
	return c.schedule.ProducerAt(t)
}

// ScheduleProducers returns the active schedule's producer list.
func (c *Controller) ScheduleProducers() []string {
	return c.schedule.Producers()
}

// ScheduleVersion returns the active schedule version.
func (c *Controller) ScheduleVersion() uint32 {
	return c.schedule.Version()
}

// IsLastRepetition reports whether rep is the final repetition in a
// producer's consecutive run, per GetScheduledProducer's returned index
// (spec §4.1 deadline selection).
func (c *Controller) IsLastRepetition(rep int) bool {
	return c.schedule.IsLastRepetition(rep)
}

// PromoteSchedule replaces the active schedule's producer list, bumping its
// version, and returns the producers newly added relative to the previous
// set (spec §4.4 schedule-rotation detection).
func (c *Controller) PromoteSchedule(newProducers []string) []string {
	return c.schedule.Promote(newProducers)
}

// AddGreylist, RemoveGreylist, and GetGreylist are pass-throughs (spec §4.6):
// greylisted producers are still scheduled but this node will never actually
// produce a block for them.
func (c *Controller) AddGreylist(producer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.greylist[producer] = struct{}{}
}

func (c *Controller) RemoveGreylist(producer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.greylist, producer)
}

func (c *Controller) GetGreylist() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.greylist))
	for p := range c.greylist {
		out = append(out, p)
	}
	return out
}

func (c *Controller) IsGreylisted(producer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.greylist[producer]
	return ok
}

// GetUnappliedTransactions returns transactions admitted to the mempool but
// not yet included in a finalized block (spec §4.2 Phase B).
func (c *Controller) GetUnappliedTransactions() []*core.Transaction {
	return c.mempool.Pending(1 << 20)
}

// DropUnappliedTransaction removes a transaction from the unapplied set,
// e.g. after it is classified as an objective failure.
func (c *Controller) DropUnappliedTransaction(id string) {
	c.mempool.Remove([]string{id})
}

// GetScheduledTransactions returns controller-scheduled (deferred) ids whose
// execution time has arrived by asOf (spec §4.2 Phase D).
func (c *Controller) GetScheduledTransactions(asOf time.Time) []string {
	return c.scheduled.Due(asOf)
}

// ScheduleTransaction registers a deferred transaction for later execution;
// a generic concrete stand-in for the controller's on-chain deferred
// transaction feature, which has no teacher analogue (see DESIGN.md).
func (c *Controller) ScheduleTransaction(tx *core.Transaction, executeAfter time.Time) {
	c.scheduled.Add(tx, executeAfter)
}

// HasID reports whether the controller already knows this transaction or
// block id (spec §4.3 step 3 duplicate detection, §4.4 step 2).
func (c *Controller) HasID(id string) bool {
	if _, ok := c.mempool.Get(id); ok {
		return true
	}
	return c.knownIDs.Contains(id)
}

// RememberID records an id as known, bounding the working set with an LRU
// cache rather than growing unboundedly (spec makes no durability promise
// for this set — see SPEC_FULL domain-stack table).
func (c *Controller) RememberID(id string) {
	c.knownIDs.Add(id)
}

func (c *Controller) logger() log.Logger { return c.log }
