package producer

import (
	"sort"
	"sync"
	"time"

	"github.com/dpochain/node/core"
)

// PersistentTransactionSet holds transactions accepted with the
// persist-until-expired flag, which Phase B re-applies to later pending
// blocks until Phase A expires them. It is dual-indexed the same way core.Mempool is: a
// map for O(1) membership plus an ordered id slice, here ordered by expiry so
// ExpireBefore can stop at the first live entry.
type PersistentTransactionSet struct {
	mu      sync.Mutex
	byID    map[string]*core.Transaction
	ordered []string // ids, ascending by Transaction.Expiry
}

func newPersistentTransactionSet() *PersistentTransactionSet {
	return &PersistentTransactionSet{byID: make(map[string]*core.Transaction)}
}

// Add inserts tx, keeping ordered sorted by expiry. A re-add of an id already
// present is a no-op.
func (s *PersistentTransactionSet) Add(tx *core.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[tx.ID]; ok {
		return
	}
	s.byID[tx.ID] = tx
	i := sort.Search(len(s.ordered), func(i int) bool {
		return s.byID[s.ordered[i]].Expiry >= tx.Expiry
	})
	s.ordered = append(s.ordered, "")
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = tx.ID
}

// Remove drops id from the set, e.g. after successful inclusion.
func (s *PersistentTransactionSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	for i, v := range s.ordered {
		if v == id {
			s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
			break
		}
	}
}

// Due returns every persistent transaction in expiry order, for Phase B
// retry consideration.
func (s *PersistentTransactionSet) Due() []*core.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Transaction, 0, len(s.ordered))
	for _, id := range s.ordered {
		out = append(out, s.byID[id])
	}
	return out
}

// ExpireBefore removes and returns every transaction whose Expiry has
// passed asOf, since the ordered slice is expiry-sorted this stops at the
// first live entry.
func (s *PersistentTransactionSet) ExpireBefore(asOf time.Time) []*core.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := asOf.UnixNano()
	var expired []*core.Transaction
	i := 0
	for ; i < len(s.ordered); i++ {
		tx := s.byID[s.ordered[i]]
		if tx.Expiry > cutoff {
			break
		}
		expired = append(expired, tx)
		delete(s.byID, tx.ID)
	}
	s.ordered = s.ordered[i:]
	return expired
}

func (s *PersistentTransactionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ordered)
}

// BlacklistedTransactionSet remembers scheduled transaction ids that Phase D
// will skip because they failed with an objective error, each keyed with an
// expiry so the blacklist doesn't grow without bound.
type BlacklistedTransactionSet struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

func newBlacklistedTransactionSet() *BlacklistedTransactionSet {
	return &BlacklistedTransactionSet{expires: make(map[string]time.Time)}
}

// Add blacklists id until expiry.
func (b *BlacklistedTransactionSet) Add(id string, expiry time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expires[id] = expiry
}

// Contains reports whether id is currently blacklisted as of now.
func (b *BlacklistedTransactionSet) Contains(id string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	exp, ok := b.expires[id]
	if !ok {
		return false
	}
	if now.After(exp) {
		delete(b.expires, id)
		return false
	}
	return true
}

// Sweep removes every blacklist entry that has expired as of now.
func (b *BlacklistedTransactionSet) Sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, exp := range b.expires {
		if now.After(exp) {
			delete(b.expires, id)
		}
	}
}

func (b *BlacklistedTransactionSet) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.expires)
}
