// Package producer implements the production scheduler, block assembly,
// incoming-transaction pipeline, and incoming-block handler of spec.md's
// block-production core. It drives a chain.Controller and a
// signerprovider.Registry but owns none of the canonical chain state itself.
package producer

import (
	"sync"
	"time"
)

// RuntimeConfig holds the live-tunable knobs of spec.md §4.6. All fields are
// safe to mutate at runtime; Set methods take effect on the next scheduler
// decision. Zero-value RuntimeConfig is not usable — construct with
// DefaultRuntimeConfig.
type RuntimeConfig struct {
	mu sync.RWMutex

	maxTransactionTime                  time.Duration
	maxIrreversibleBlockAge             time.Duration // negative = unbounded
	produceTimeOffset                   time.Duration
	lastBlockTimeOffset                 time.Duration
	maxScheduledTransactionTimePerBlock time.Duration
	subjectiveCPULeeway                 time.Duration
	incomingDeferRatio                  float64
	deferredTrxExpirationWindow         time.Duration

	enableStaleProduction bool
	pauseProduction       bool
}

// DefaultRuntimeConfig matches spec.md §6's documented defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		maxTransactionTime:                  30 * time.Millisecond,
		maxIrreversibleBlockAge:             -1,
		maxScheduledTransactionTimePerBlock: 100 * time.Millisecond,
		incomingDeferRatio:                  1.0,
		deferredTrxExpirationWindow:         24 * time.Hour,
	}
}

func (r *RuntimeConfig) MaxTransactionTime() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxTransactionTime
}

func (r *RuntimeConfig) SetMaxTransactionTime(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxTransactionTime = d
}

func (r *RuntimeConfig) MaxIrreversibleBlockAge() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxIrreversibleBlockAge
}

// SetMaxIrreversibleBlockAge updates the bound. Per spec §4.6, changing this
// while the node is speculating should trigger an immediate abort-and-
// reschedule; callers do that via Producer.ReconfigureIrreversibleAge.
func (r *RuntimeConfig) SetMaxIrreversibleBlockAge(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxIrreversibleBlockAge = d
}

func (r *RuntimeConfig) ProduceTimeOffset() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.produceTimeOffset
}

func (r *RuntimeConfig) SetProduceTimeOffset(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.produceTimeOffset = d
}

func (r *RuntimeConfig) LastBlockTimeOffset() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastBlockTimeOffset
}

func (r *RuntimeConfig) SetLastBlockTimeOffset(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastBlockTimeOffset = d
}

func (r *RuntimeConfig) MaxScheduledTransactionTimePerBlock() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxScheduledTransactionTimePerBlock
}

func (r *RuntimeConfig) SetMaxScheduledTransactionTimePerBlock(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxScheduledTransactionTimePerBlock = d
}

func (r *RuntimeConfig) SubjectiveCPULeeway() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subjectiveCPULeeway
}

func (r *RuntimeConfig) SetSubjectiveCPULeeway(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjectiveCPULeeway = d
}

func (r *RuntimeConfig) IncomingDeferRatio() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.incomingDeferRatio
}

func (r *RuntimeConfig) SetIncomingDeferRatio(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incomingDeferRatio = v
}

// DeferredTrxExpirationWindow is spec §4.2 Phase D's
// deferred_trx_expiration_window: how long a scheduled transaction that
// fails application is blacklisted before being retried.
func (r *RuntimeConfig) DeferredTrxExpirationWindow() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deferredTrxExpirationWindow
}

func (r *RuntimeConfig) SetDeferredTrxExpirationWindow(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferredTrxExpirationWindow = d
}

func (r *RuntimeConfig) EnableStaleProduction() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enableStaleProduction
}

func (r *RuntimeConfig) SetEnableStaleProduction(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enableStaleProduction = v
}

func (r *RuntimeConfig) Paused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pauseProduction
}

func (r *RuntimeConfig) SetPaused(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauseProduction = v
}
