// Package modules holds the self-registering transaction handlers. Each
// file's init() registers itself into the vm package's global registry, the
// same pattern the teacher used for its game-asset modules.
package modules

import (
	"encoding/json"
	"fmt"

	"github.com/dpochain/node/core"
	"github.com/dpochain/node/events"
	"github.com/dpochain/node/vm"
)

func init() {
	vm.Register(core.TxTransfer, transfer)
}

func transfer(ctx *vm.Context, payload json.RawMessage) error {
	var p core.TransferPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("transfer: decode payload: %w", err)
	}
	if p.To == "" {
		return fmt.Errorf("transfer: missing recipient")
	}

	from, err := ctx.State.GetAccount(ctx.Tx.From)
	if err != nil {
		return fmt.Errorf("transfer: get sender account: %w", err)
	}
	if from.Balance < p.Amount {
		return fmt.Errorf("transfer: insufficient balance: have %d need %d", from.Balance, p.Amount)
	}

	to, err := ctx.State.GetAccount(p.To)
	if err != nil {
		return fmt.Errorf("transfer: get recipient account: %w", err)
	}

	from.Balance -= p.Amount
	to.Balance += p.Amount

	if err := ctx.State.SetAccount(from); err != nil {
		return err
	}
	if err := ctx.State.SetAccount(to); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventTokenTransfer,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.Block.Header.Height,
			Data:        map[string]any{"from": ctx.Tx.From, "to": p.To, "amount": p.Amount},
		})
	}
	return nil
}
