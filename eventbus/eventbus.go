// Package eventbus carries the block-lifecycle signals a controller raises
// for the production scheduler and any other interested subscriber:
// accepted_block, irreversible_block, and confirmed_block (spec.md §3/§4.4).
// It is a thin wrapper around go-ethereum's event.Feed, the same
// publish/subscribe primitive the teacher's sibling mining loops drive their
// main loop with via event.TypeMux.
package eventbus

import (
	"github.com/dpochain/node/core"
	"github.com/ethereum/go-ethereum/event"
)

// AcceptedBlock is raised whenever a block (self-produced or received from a
// peer) is appended to the chain, before irreversibility is evaluated.
type AcceptedBlock struct {
	Block *core.Block
}

// IrreversibleBlock is raised when the last-irreversible-block watermark
// advances past a height it had not previously reached.
type IrreversibleBlock struct {
	Height int64
}

// ConfirmedBlock is raised after this node signs a confirmation over a peer
// block it is willing to vouch for (spec §4.4 step "sign confirmation"),
// carrying the confirmed_block{id, digest, producer, signature} payload
// spec §4.4 names.
type ConfirmedBlock struct {
	BlockHash string
	Digest    string
	Confirmer string
	Signature string
}

// Bus fans the three signal types out to independent subscriber sets.
type Bus struct {
	acceptedFeed     event.Feed
	irreversibleFeed event.Feed
	confirmedFeed    event.Feed
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

func (b *Bus) SubscribeAccepted(ch chan<- AcceptedBlock) event.Subscription {
	return b.acceptedFeed.Subscribe(ch)
}

func (b *Bus) SubscribeIrreversible(ch chan<- IrreversibleBlock) event.Subscription {
	return b.irreversibleFeed.Subscribe(ch)
}

func (b *Bus) SubscribeConfirmed(ch chan<- ConfirmedBlock) event.Subscription {
	return b.confirmedFeed.Subscribe(ch)
}

func (b *Bus) PublishAccepted(ev AcceptedBlock) int {
	return b.acceptedFeed.Send(ev)
}

func (b *Bus) PublishIrreversible(ev IrreversibleBlock) int {
	return b.irreversibleFeed.Send(ev)
}

func (b *Bus) PublishConfirmed(ev ConfirmedBlock) int {
	return b.confirmedFeed.Send(ev)
}
