package tests

import (
	"encoding/json"
	"testing"

	"github.com/dpochain/node/core"
	"github.com/dpochain/node/events"
	"github.com/dpochain/node/internal/testutil"
	"github.com/dpochain/node/vm"
	"github.com/dpochain/node/wallet"
)

func newInMemState(t *testing.T) core.State {
	t.Helper()
	return testutil.NewStateDB()
}

// TestTokenTransfer verifies that the transfer handler moves tokens and
// advances the sender's nonce.
func TestTokenTransfer(t *testing.T) {
	state := newInMemState(t)
	emitter := events.NewEmitter()
	exec := vm.NewExecutor(state, emitter)

	sender, _ := wallet.Generate()
	receiver, _ := wallet.Generate()

	_ = state.SetAccount(&core.Account{Address: sender.PubKey(), Balance: 1000})

	tx, err := sender.Transfer(receiver.PubKey(), 300, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	block := core.NewBlock("test-chain", 1, "0000", sender.PubKey(), 0, 0, 0, []*core.Transaction{tx})
	if err := exec.ExecuteTx(block, tx); err != nil {
		t.Fatalf("ExecuteTx: %v", err)
	}

	senderAcc, _ := state.GetAccount(sender.PubKey())
	if senderAcc.Balance != 700 {
		t.Errorf("sender balance: got %d want 700", senderAcc.Balance)
	}
	if senderAcc.Nonce != 1 {
		t.Errorf("sender nonce: got %d want 1", senderAcc.Nonce)
	}
	receiverAcc, _ := state.GetAccount(receiver.PubKey())
	if receiverAcc.Balance != 300 {
		t.Errorf("receiver balance: got %d want 300", receiverAcc.Balance)
	}
}

// TestTokenTransferInsufficientBalance ensures the executor rejects a
// transfer that would overdraw the sender's account, leaving state untouched.
func TestTokenTransferInsufficientBalance(t *testing.T) {
	state := newInMemState(t)
	exec := vm.NewExecutor(state, events.NewEmitter())

	sender, _ := wallet.Generate()
	receiver, _ := wallet.Generate()
	_ = state.SetAccount(&core.Account{Address: sender.PubKey(), Balance: 10})

	tx, _ := sender.Transfer(receiver.PubKey(), 300, 0, 0, 0)
	block := core.NewBlock("test-chain", 1, "0000", sender.PubKey(), 0, 0, 0, []*core.Transaction{tx})
	if err := exec.ExecuteTx(block, tx); err == nil {
		t.Fatal("expected insufficient-balance error")
	}

	senderAcc, _ := state.GetAccount(sender.PubKey())
	if senderAcc.Balance != 10 {
		t.Errorf("balance should be unchanged: got %d want 10", senderAcc.Balance)
	}
}

// TestNonceReplay verifies that replaying a transaction with the same nonce fails.
func TestNonceReplay(t *testing.T) {
	state := newInMemState(t)
	exec := vm.NewExecutor(state, events.NewEmitter())

	w, _ := wallet.Generate()
	_ = state.SetAccount(&core.Account{Address: w.PubKey(), Balance: 1000})

	block := core.NewBlock("test-chain", 1, "0000", w.PubKey(), 0, 0, 0, nil)

	tx1, _ := w.Transfer("aabb", 1, 0, 0, 0)
	if err := exec.ExecuteTx(block, tx1); err != nil {
		t.Fatalf("first tx: %v", err)
	}
	// Replay (same nonce=0, already consumed)
	if err := exec.ExecuteTx(block, tx1); err == nil {
		t.Error("replay should fail due to nonce mismatch")
	}
}

// TestExecuteTxUnknownType ensures an unregistered transaction type is
// rejected rather than silently ignored.
func TestExecuteTxUnknownType(t *testing.T) {
	state := newInMemState(t)
	exec := vm.NewExecutor(state, events.NewEmitter())

	w, _ := wallet.Generate()
	_ = state.SetAccount(&core.Account{Address: w.PubKey(), Balance: 1000})

	raw, _ := json.Marshal(struct{}{})
	tx, err := core.NewTransaction(core.TxType("nonexistent"), w.PubKey(), 0, 0, 0, raw)
	if err != nil {
		t.Fatal(err)
	}
	tx.Sign(w.PrivKey())

	block := core.NewBlock("test-chain", 1, "0000", w.PubKey(), 0, 0, 0, nil)
	if err := exec.ExecuteTx(block, tx); err == nil {
		t.Error("executing an unregistered tx type should fail")
	}
}
