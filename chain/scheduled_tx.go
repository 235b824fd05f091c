package chain

import (
	"sort"
	"sync"
	"time"

	"github.com/dpochain/node/core"
)

// scheduledEntry is a controller-scheduled (deferred) transaction awaiting
// its execution time, the concrete stand-in spec.md §4.2 Phase D needs for
// "the controller's due scheduled-transaction ids" — the teacher's chain has
// no on-chain delayed-execution feature, so this is new, modeled on
// core.Mempool's id-indexed, deterministically-ordered bookkeeping.
type scheduledEntry struct {
	tx           *core.Transaction
	executeAfter time.Time
}

// ScheduledTxTable holds deferred transactions keyed by id. There is no
// secondary index: Due() scans every entry and sorts the due ones by
// executeAfter.
type ScheduledTxTable struct {
	mu      sync.Mutex
	entries map[string]*scheduledEntry
}

func newScheduledTxTable() *ScheduledTxTable {
	return &ScheduledTxTable{entries: make(map[string]*scheduledEntry)}
}

// Add registers tx to run no earlier than executeAfter.
func (t *ScheduledTxTable) Add(tx *core.Transaction, executeAfter time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[tx.ID] = &scheduledEntry{tx: tx, executeAfter: executeAfter}
}

// Due returns the ids of scheduled transactions whose executeAfter has
// arrived by asOf, ordered by executeAfter then id for determinism.
func (t *ScheduledTxTable) Due(asOf time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	type idAt struct {
		id string
		at time.Time
	}
	var due []idAt
	for id, e := range t.entries {
		if !e.executeAfter.After(asOf) {
			due = append(due, idAt{id, e.executeAfter})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].at.Equal(due[j].at) {
			return due[i].at.Before(due[j].at)
		}
		return due[i].id < due[j].id
	})
	ids := make([]string, len(due))
	for i, d := range due {
		ids[i] = d.id
	}
	return ids
}

// Get returns the scheduled transaction by id.
func (t *ScheduledTxTable) Get(id string) (*core.Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.tx, true
}

// Remove deletes an entry once it has been applied or blacklisted.
func (t *ScheduledTxTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}
