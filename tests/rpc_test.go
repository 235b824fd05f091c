package tests

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dpochain/node/chain"
	"github.com/dpochain/node/core"
	"github.com/dpochain/node/crypto"
	"github.com/dpochain/node/events"
	"github.com/dpochain/node/eventbus"
	"github.com/dpochain/node/internal/testutil"
	"github.com/dpochain/node/producer"
	"github.com/dpochain/node/rpc"
	"github.com/dpochain/node/signerprovider"
	"github.com/dpochain/node/vm"

	_ "github.com/dpochain/node/vm/modules"
)

// newTestRPCHandler builds an RPC handler backed by in-memory state, wired
// through a Controller and Producer just like the live node does. It also
// returns the underlying Blockchain so tests that need a head block (e.g.
// snapshot/integrity-hash) can add one directly.
func newTestRPCHandler(t *testing.T) (*rpc.Handler, *core.Blockchain) {
	t.Helper()

	state := testutil.NewStateDB()
	blockStore := testutil.NewMemBlockStore()
	bc := core.NewBlockchain(blockStore)
	if err := bc.Init(); err != nil {
		t.Fatal(err)
	}
	mp := core.NewMempool()
	emitter := events.NewEmitter()
	exec := vm.NewExecutor(state, emitter)

	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	schedule := chain.NewSchedule([]string{pub.Hex()}, 1, 500*time.Millisecond, time.Unix(0, 0))
	ctrl := chain.NewController("test-chain", bc, state, mp, exec, emitter, schedule)

	signers := signerprovider.New()
	signers.RegisterLocal(priv)
	bus := eventbus.New()
	prod := producer.New(ctrl, signers, bus, producer.DefaultRuntimeConfig(), []string{pub.Hex()})

	return rpc.NewHandler(bc, mp, state, ctrl, prod, "test-chain", t.TempDir()), bc
}

func dispatch(handler *rpc.Handler, method string, params any) rpc.Response {
	raw, _ := json.Marshal(params)
	return handler.Dispatch(rpc.Request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  raw,
	})
}

// TestRPCGetBlockHeight verifies that getBlockHeight returns 0 for a fresh chain.
func TestRPCGetBlockHeight(t *testing.T) {
	handler, _ := newTestRPCHandler(t)
	resp := dispatch(handler, "getBlockHeight", struct{}{})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}
	// Dispatch is called directly (no HTTP round-trip), so result is int64, not float64.
	var height int64
	switch v := resp.Result.(type) {
	case int64:
		height = v
	case float64:
		height = int64(v)
	default:
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	if height != 0 {
		t.Errorf("height: got %d want 0", height)
	}
}

// TestRPCGetBalance verifies getBalance returns zero for an unknown account.
func TestRPCGetBalance(t *testing.T) {
	handler, _ := newTestRPCHandler(t)
	resp := dispatch(handler, "getBalance", map[string]string{"address": "nonexistent"})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type: %T", resp.Result)
	}
	balance, _ := result["balance"].(uint64)
	if balance != 0 {
		t.Errorf("balance: got %v want 0", balance)
	}
}

// TestRPCGetMempoolSize verifies getMempoolSize returns 0 for an empty mempool.
func TestRPCGetMempoolSize(t *testing.T) {
	handler, _ := newTestRPCHandler(t)
	resp := dispatch(handler, "getMempoolSize", struct{}{})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}
	size, _ := resp.Result.(int)
	if size != 0 {
		t.Errorf("mempool size: got %d want 0", size)
	}
}

// TestRPCGetLastIrreversibleBlockNum verifies the zero-value default on a
// fresh chain.
func TestRPCGetLastIrreversibleBlockNum(t *testing.T) {
	handler, _ := newTestRPCHandler(t)
	resp := dispatch(handler, "getLastIrreversibleBlockNum", struct{}{})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}
	var n int64
	switch v := resp.Result.(type) {
	case int64:
		n = v
	case float64:
		n = int64(v)
	}
	if n != 0 {
		t.Errorf("last irreversible: got %d want 0", n)
	}
}

// TestRPCGreylistRoundtrip verifies setGreylist/getGreylist work together.
func TestRPCGreylistRoundtrip(t *testing.T) {
	handler, _ := newTestRPCHandler(t)
	resp := dispatch(handler, "setGreylist", map[string]any{"producer": "deadbeef"})
	if resp.Error != nil {
		t.Fatalf("setGreylist error: %v", resp.Error.Message)
	}

	resp = dispatch(handler, "getGreylist", struct{}{})
	if resp.Error != nil {
		t.Fatalf("getGreylist error: %v", resp.Error.Message)
	}
	list, ok := resp.Result.([]string)
	if !ok {
		// Dispatch is called directly (no JSON round-trip), so the concrete
		// []string from the controller passes straight through.
		t.Fatalf("unexpected result type: %T", resp.Result)
	}
	found := false
	for _, p := range list {
		if p == "deadbeef" {
			found = true
		}
	}
	if !found {
		t.Error("greylist should contain the producer just added")
	}

	// Remove it again.
	resp = dispatch(handler, "setGreylist", map[string]any{"producer": "deadbeef", "remove": true})
	if resp.Error != nil {
		t.Fatalf("setGreylist remove error: %v", resp.Error.Message)
	}
	resp = dispatch(handler, "getGreylist", struct{}{})
	list, _ = resp.Result.([]string)
	for _, p := range list {
		if p == "deadbeef" {
			t.Error("greylist should no longer contain the removed producer")
		}
	}
}

// TestRPCPauseResumeRoundtrip verifies pause/resume/paused work together.
func TestRPCPauseResumeRoundtrip(t *testing.T) {
	handler, _ := newTestRPCHandler(t)

	resp := dispatch(handler, "paused", struct{}{})
	if resp.Error != nil {
		t.Fatalf("paused error: %v", resp.Error.Message)
	}
	if paused, _ := resp.Result.(bool); paused {
		t.Fatal("expected production to start unpaused")
	}

	if resp := dispatch(handler, "pause", struct{}{}); resp.Error != nil {
		t.Fatalf("pause error: %v", resp.Error.Message)
	}
	resp = dispatch(handler, "paused", struct{}{})
	if paused, _ := resp.Result.(bool); !paused {
		t.Fatal("expected production to be paused")
	}

	if resp := dispatch(handler, "resume", struct{}{}); resp.Error != nil {
		t.Fatalf("resume error: %v", resp.Error.Message)
	}
	resp = dispatch(handler, "paused", struct{}{})
	if paused, _ := resp.Result.(bool); paused {
		t.Fatal("expected production to be resumed")
	}
}

// TestRPCSnapshotAndIntegrityHash verifies createSnapshot writes a file
// under snapshots_dir and fails on a second call for the same head, and
// that getIntegrityHash succeeds once a head block exists.
func TestRPCSnapshotAndIntegrityHash(t *testing.T) {
	handler, bc := newTestRPCHandler(t)

	// No head block yet: both operations must fail cleanly.
	resp := dispatch(handler, "getIntegrityHash", struct{}{})
	if resp.Error == nil {
		t.Fatal("expected error for getIntegrityHash with no head block")
	}
	resp = dispatch(handler, "createSnapshot", struct{}{})
	if resp.Error == nil {
		t.Fatal("expected error for createSnapshot with no head block")
	}

	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	genesis := core.NewBlock("test-chain", 0, "", pub.Hex(), 1, 0, 0, nil)
	genesis.Sign(priv)
	if err := bc.AddBlock(genesis); err != nil {
		t.Fatal(err)
	}

	resp = dispatch(handler, "getIntegrityHash", struct{}{})
	if resp.Error != nil {
		t.Fatalf("getIntegrityHash error: %v", resp.Error.Message)
	}
	result, ok := resp.Result.(map[string]string)
	if !ok || result["integrity_hash"] == "" {
		t.Fatalf("unexpected getIntegrityHash result: %#v", resp.Result)
	}

	resp = dispatch(handler, "createSnapshot", struct{}{})
	if resp.Error != nil {
		t.Fatalf("createSnapshot error: %v", resp.Error.Message)
	}

	// A second snapshot for the same (unchanged) head must fail: the file
	// already exists.
	resp = dispatch(handler, "createSnapshot", struct{}{})
	if resp.Error == nil {
		t.Fatal("expected second createSnapshot for the same head to fail")
	}
}

// TestRPCMethodNotFound verifies that unknown methods return a -32601 error.
func TestRPCMethodNotFound(t *testing.T) {
	handler, _ := newTestRPCHandler(t)
	resp := dispatch(handler, "nonExistentMethod", struct{}{})
	if resp.Error == nil {
		t.Error("expected error for unknown method")
	}
	if resp.Error.Code != rpc.CodeMethodNotFound {
		t.Errorf("error code: got %d want %d", resp.Error.Code, rpc.CodeMethodNotFound)
	}
}
