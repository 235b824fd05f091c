package chain

import lru "github.com/hashicorp/golang-lru"

// seenSet is a bounded "have we already handled this id" cache, used for
// block and transaction ids the controller has finished with and evicted
// from its primary tables but still wants to recognize as duplicates.
// Grounded on the recents/signer caches DPoS engines in the retrieval pack
// keep with github.com/hashicorp/golang-lru (e.g. an ARCCache of recently
// seen block signers).
type seenSet struct {
	cache *lru.Cache
}

func newSeenSet(size int) *seenSet {
	c, err := lru.New(size)
	if err != nil {
		// Only returns an error for a non-positive size, which newSeenSet
		// callers never pass; fall back to a minimal cache rather than panic.
		c, _ = lru.New(1)
	}
	return &seenSet{cache: c}
}

func (s *seenSet) Add(id string) {
	s.cache.Add(id, struct{}{})
}

func (s *seenSet) Contains(id string) bool {
	return s.cache.Contains(id)
}
