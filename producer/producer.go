package producer

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/dpochain/node/chain"
	"github.com/dpochain/node/core"
	"github.com/dpochain/node/eventbus"
	"github.com/dpochain/node/metrics"
	"github.com/dpochain/node/signerprovider"
	"github.com/ethereum/go-ethereum/log"
)

// Producer owns everything spec.md's block-production core needs beyond the
// ControllerFacade itself: the scheduler's live configuration, the
// double-sign watermark table, the persistent/blacklisted transaction sets,
// the pending-incoming queue, and the correlation-id bookkeeping the
// scheduler uses to cancel a stale in-flight assembly.
type Producer struct {
	mu sync.Mutex
	log log.Logger

	controller *chain.Controller
	signers    *signerprovider.Registry
	bus        *eventbus.Bus
	cfg        *RuntimeConfig

	watermarks *watermarkTable
	lastSigned *lastSignedTable
	persistent *PersistentTransactionSet
	blacklist  *BlacklistedTransactionSet
	incoming   *PendingIncomingQueue

	metrics *metrics.Registry // nil unless SetMetrics is called

	local map[string]struct{} // local producer pubkeys this node may sign blocks for

	correlation uint64 // bumped every time the in-flight assembly is invalidated
	assembling  bool
}

// New wires a Producer from its collaborators. localProducers lists the
// public keys (hex) this node holds signers for and should attempt to
// produce blocks as, per spec.md §4.6's producer-plugin-option equivalent.
func New(controller *chain.Controller, signers *signerprovider.Registry, bus *eventbus.Bus, cfg *RuntimeConfig, localProducers []string) *Producer {
	local := make(map[string]struct{}, len(localProducers))
	for _, p := range localProducers {
		local[p] = struct{}{}
	}
	return &Producer{
		log:        log.New("component", "producer"),
		controller: controller,
		signers:    signers,
		bus:        bus,
		cfg:        cfg,
		watermarks: newWatermarkTable(),
		lastSigned: newLastSignedTable(),
		persistent: newPersistentTransactionSet(),
		blacklist:  newBlacklistedTransactionSet(),
		incoming:   newPendingIncomingQueue(),
		local:      local,
	}
}

// SetMetrics attaches a metrics registry the producer will update as it
// assembles and accepts blocks. Optional; nil (the default) disables metrics.
func (p *Producer) SetMetrics(m *metrics.Registry) {
	p.metrics = m
}

// IsLocalProducer reports whether pubkey is in this node's configured local
// producer set. It does not check the signer registry.
func (p *Producer) IsLocalProducer(pubkey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.local[pubkey]
	return ok
}

// correlationID returns the current assembly generation.
func (p *Producer) correlationID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.correlation
}

// invalidate bumps the correlation id, causing any in-flight assembly
// goroutine that checks it to abandon its work — the cooperative
// cancellation spec.md §4.1/§4.4 calls for on an incoming peer block
// preempting our own speculative production.
func (p *Producer) invalidate() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.correlation++
	p.assembling = false
	return p.correlation
}

func (p *Producer) setAssembling(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assembling = v
}

func (p *Producer) isAssembling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assembling
}

// stale reports whether gen no longer matches the current correlation id,
// meaning the assembly run that captured gen should abort at its next
// checkpoint.
func (p *Producer) stale(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen != p.correlation
}

// ReconfigureIrreversibleAge updates the live max_irreversible_block_age
// bound; per spec §4.6 this takes effect immediately, aborting any in-flight
// assembly so the next scheduler tick re-evaluates production eligibility
// under the new bound.
func (p *Producer) ReconfigureIrreversibleAge(d time.Duration) {
	p.cfg.SetMaxIrreversibleBlockAge(d)
	p.abortAssembly()
}

// Pause stops this node from producing (it still tracks the chain and may
// speculate), aborting any assembly already in flight under the old state.
func (p *Producer) Pause() {
	p.cfg.SetPaused(true)
	p.abortAssembly()
}

// Resume re-enables production; selectMode picks it back up on the
// scheduler's next tick.
func (p *Producer) Resume() {
	p.cfg.SetPaused(false)
}

// Paused reports whether production is currently paused.
func (p *Producer) Paused() bool {
	return p.cfg.Paused()
}

// OnAcceptedBlock is the controller's accepted_block signal handler (spec
// §4.4): it advances the watermark for the block's producer, signs a
// confirmation for every other local producer in the active schedule, and
// force-advances watermarks for any producer newly rotated into the
// schedule.
func (p *Producer) OnAcceptedBlock(block *core.Block, previousProducers []string) {
	p.watermarks.Advance(block.Header.Producer, block.Header.Height, block.Header.ScheduleVersion)
	if p.bus != nil {
		p.bus.PublishAccepted(eventbus.AcceptedBlock{Block: block})
	}

	p.signConfirmations(block)
	p.detectScheduleRotation(block, previousProducers)

	irreversible := p.controller.LastIrreversibleBlockNum()
	if irreversible > 0 && p.bus != nil {
		p.bus.PublishIrreversible(eventbus.IrreversibleBlock{Height: irreversible})
	}

	if p.metrics != nil {
		p.metrics.WatermarkHeight.WithLabelValues(block.Header.Producer).Set(float64(block.Header.Height))
		p.metrics.ScheduleVersion.Set(float64(p.controller.ScheduleVersion()))
		if irreversible > 0 {
			p.metrics.LastIrreversible.Set(float64(irreversible))
		}
	}
}

// signConfirmations implements spec §4.4's accepted-block signal handler:
// for every local producer in the active schedule other than the block's
// own producer, sign a BFT-style pre-confirmation over the block's digest,
// update last_signed_block_{time,num}, and emit
// confirmed_block{id, digest, producer, signature}.
func (p *Producer) signConfirmations(block *core.Block) {
	digest := block.SigningDigest()
	digestHex := hex.EncodeToString(digest)
	for _, producer := range p.controller.ScheduleProducers() {
		if producer == block.Header.Producer {
			continue
		}
		if !p.IsLocalProducer(producer) {
			continue
		}
		signer, err := p.signers.Lookup(producer)
		if err != nil {
			continue
		}
		sig := signer(digest)
		if sig == "" {
			continue
		}
		p.lastSigned.Advance(producer, block.Header.Height, time.Now())
		if p.bus != nil {
			p.bus.PublishConfirmed(eventbus.ConfirmedBlock{
				BlockHash: block.Hash,
				Digest:    digestHex,
				Confirmer: producer,
				Signature: sig,
			})
		}
	}
}

// detectScheduleRotation implements spec §4.4's schedule-rotation
// detection: for every producer newly present in the active schedule (and
// held locally) that was not in previousProducers, force the watermark to
// the current head height so it cannot sign historical heights.
func (p *Producer) detectScheduleRotation(block *core.Block, previousProducers []string) {
	if previousProducers == nil {
		return
	}
	prevSet := make(map[string]struct{}, len(previousProducers))
	for _, pr := range previousProducers {
		prevSet[pr] = struct{}{}
	}
	for _, producer := range p.controller.ScheduleProducers() {
		if _, already := prevSet[producer]; already {
			continue
		}
		if !p.IsLocalProducer(producer) {
			continue
		}
		p.watermarks.ForceAdvance(producer, block.Header.Height, p.controller.ScheduleVersion())
	}
}

// canProduceAt reports whether producer may sign a block at height under
// version without a double-sign, checking that producer is in the local
// producer set and not greylisted; it does not check the signer registry.
func (p *Producer) canProduceAt(producer string, height int64, version uint32) error {
	if !p.IsLocalProducer(producer) {
		return fmt.Errorf("producer: no local signer for %s", producer)
	}
	if p.controller.IsGreylisted(producer) {
		return fmt.Errorf("producer: %s is greylisted", producer)
	}
	if !p.watermarks.Allows(producer, height, version) {
		return fmt.Errorf("producer: refusing to double-sign for %s at height %d", producer, height)
	}
	return nil
}
