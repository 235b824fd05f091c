package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/dpochain/node/chain"
	"github.com/dpochain/node/config"
	"github.com/dpochain/node/core"
	"github.com/dpochain/node/events"
	"github.com/dpochain/node/eventbus"
	"github.com/dpochain/node/internal/testutil"
	"github.com/dpochain/node/network"
	"github.com/dpochain/node/producer"
	"github.com/dpochain/node/rpc"
	"github.com/dpochain/node/signerprovider"
	"github.com/dpochain/node/vm"
	"github.com/dpochain/node/wallet"

	_ "github.com/dpochain/node/vm/modules"
)

const testChainID = "test-chain"

// rpcCall is a helper that sends a JSON-RPC request and decodes the result.
func rpcCall(t *testing.T, url, method string, params any) json.RawMessage {
	t.Helper()
	body := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	}
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("rpc %s: %v", method, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		t.Fatalf("rpc %s decode: %v (raw: %s)", method, err, raw)
	}
	if rpcResp.Error != nil {
		t.Fatalf("rpc %s error: [%d] %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result
}

// sendTx signs and submits a transaction via RPC, returning its tx_id.
func sendTx(t *testing.T, url string, tx *core.Transaction) string {
	t.Helper()
	data, _ := json.Marshal(tx)
	var params json.RawMessage = data
	result := rpcCall(t, url, "sendTx", params)
	var out struct {
		TxID string `json:"tx_id"`
	}
	json.Unmarshal(result, &out)
	t.Logf("  -> tx submitted: %s", out.TxID)
	return out.TxID
}

// waitBlock waits until block height reaches targetHeight.
func waitBlock(t *testing.T, url string, targetHeight int64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		result := rpcCall(t, url, "getBlockHeight", map[string]any{})
		var h int64
		json.Unmarshal(result, &h)
		if h >= targetHeight {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("timed out waiting for block")
}

// startTestNode starts a full node (P2P + RPC + production scheduler, with
// this node as the chain's sole producer) and returns its RPC URL and a
// cleanup func.
func startTestNode(t *testing.T, w *wallet.Wallet) (rpcURL string, cleanup func()) {
	t.Helper()

	state := testutil.NewStateDB()
	blockStore := testutil.NewMemBlockStore()
	bc := core.NewBlockchain(blockStore)
	if err := bc.Init(); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		NodeID:      "test-node",
		DataDir:     "./data",
		RPCPort:     1,
		P2PPort:     2,
		MaxBlockTxs: 500,
		Producers:   []string{w.PubKey()},
		Genesis: config.GenesisConfig{
			ChainID: testChainID,
			Alloc:   map[string]uint64{w.PubKey(): 10_000_000},
		},
	}

	genesis, err := config.CreateGenesisBlock(cfg, state, w.PrivKey())
	if err != nil {
		t.Fatal(err)
	}
	if err := bc.AddBlock(genesis); err != nil {
		t.Fatal(err)
	}

	emitter := events.NewEmitter()
	mempool := core.NewMempool()
	exec := vm.NewExecutor(state, emitter)

	interval := 200 * time.Millisecond
	schedule := chain.NewSchedule(cfg.Producers, 1, interval, time.Unix(0, 0))
	ctrl := chain.NewController(testChainID, bc, state, mempool, exec, emitter, schedule)

	signers := signerprovider.New()
	signers.RegisterLocal(w.PrivKey())
	bus := eventbus.New()
	prod := producer.New(ctrl, signers, bus, producer.DefaultRuntimeConfig(), []string{w.PubKey()})

	node := network.NewNode("test-node", ":0", prod, nil)
	_ = network.NewSyncer(node, bc, prod)
	if err := node.Start(); err != nil {
		t.Fatal(err)
	}

	handler := rpc.NewHandler(bc, mempool, state, ctrl, prod, testChainID, t.TempDir())
	rpcServer := rpc.NewServer(":0", handler, "")
	if err := rpcServer.Start(); err != nil {
		t.Fatal(err)
	}
	rpcAddr := rpcServer.Addr().String()
	url := fmt.Sprintf("http://%s/", rpcAddr)

	ctx, cancel := context.WithCancel(context.Background())
	scheduler := producer.NewScheduler(prod, interval)
	schedulerDone := make(chan struct{})
	go scheduler.Run(ctx, schedulerDone)

	waitBlock(t, url, 1)

	return url, func() {
		cancel()
		rpcServer.Stop()
		node.Stop()
	}
}

// TestNodeProducesBlocks verifies that a solo producer's scheduler advances
// the chain on its own.
func TestNodeProducesBlocks(t *testing.T) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set")
	}

	producerWallet, _ := wallet.Generate()
	url, cleanup := startTestNode(t, producerWallet)
	defer cleanup()

	waitBlock(t, url, 2)
}

// TestNodeTransferEndToEnd submits a transfer via RPC and verifies it lands
// in a produced block with the balances updated.
func TestNodeTransferEndToEnd(t *testing.T) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set")
	}

	producerWallet, _ := wallet.Generate()
	receiver, _ := wallet.Generate()
	url, cleanup := startTestNode(t, producerWallet)
	defer cleanup()

	tx, err := producerWallet.Transfer(receiver.PubKey(), 1_000, 0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	sendTx(t, url, tx)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		result := rpcCall(t, url, "getBalance", map[string]string{"address": receiver.PubKey()})
		var bal struct {
			Balance uint64 `json:"balance"`
		}
		json.Unmarshal(result, &bal)
		if bal.Balance == 1_000 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("timed out waiting for transfer to land")
}
