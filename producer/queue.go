package producer

import "sync"

// IncomingKind distinguishes what a queued incoming item is, since the
// pending queue (spec §4.1 mode selection, §4.4) can hold both transactions
// and blocks deferred while a block is under assembly.
type IncomingKind int

const (
	IncomingTransaction IncomingKind = iota
	IncomingBlock
)

// IncomingItem is one FIFO entry: either a transaction or a block payload
// plus the callback to resume whoever submitted it once it is processed.
type IncomingItem struct {
	Kind IncomingKind
	Tx   any // *core.Transaction
	Blk  any // *core.Block, with its originating peer context if any
	Done func(error)
}

// PendingIncomingQueue buffers incoming transactions and blocks while the
// production scheduler is mid-assembly and cannot safely interleave work on
// the single controller goroutine (spec §4.1: a running assembly must finish
// or abort before incoming work is serviced). It is a plain FIFO, mirroring
// the ordered-slice half of the dual-indexed mempool idiom without the
// lookup-by-id half, since nothing needs to randomly access a queued item.
type PendingIncomingQueue struct {
	mu    sync.Mutex
	items []IncomingItem
}

func newPendingIncomingQueue() *PendingIncomingQueue {
	return &PendingIncomingQueue{}
}

// Push appends item to the back of the queue.
func (q *PendingIncomingQueue) Push(item IncomingItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

// PopAll drains and returns every queued item in FIFO order.
func (q *PendingIncomingQueue) PopAll() []IncomingItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len reports the number of items currently queued.
func (q *PendingIncomingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
