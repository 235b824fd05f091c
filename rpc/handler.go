package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/dpochain/node/chain"
	"github.com/dpochain/node/core"
	"github.com/dpochain/node/producer"
)

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	bc           *core.Blockchain
	mempool      *core.Mempool
	state        core.State
	ctrl         *chain.Controller
	prod         *producer.Producer
	chainID      string // expected chain_id
	snapshotsDir string // spec §6's snapshots_dir; "" disables createSnapshot
}

// NewHandler creates an RPC Handler. snapshotsDir is where createSnapshot
// writes snapshot files (spec §6); pass "" to serve every method except
// createSnapshot.
func NewHandler(bc *core.Blockchain, mempool *core.Mempool, state core.State, ctrl *chain.Controller, prod *producer.Producer, chainID string, snapshotsDir string) *Handler {
	return &Handler{bc: bc, mempool: mempool, state: state, ctrl: ctrl, prod: prod, chainID: chainID, snapshotsDir: snapshotsDir}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		return okResponse(req.ID, h.bc.Height())

	case "getBlock":
		return h.getBlock(req)

	case "getBalance":
		return h.getBalance(req)

	case "sendTx":
		return h.sendTx(req)

	case "getMempoolSize":
		return okResponse(req.ID, h.mempool.Size())

	case "getLastIrreversibleBlockNum":
		return okResponse(req.ID, h.ctrl.LastIrreversibleBlockNum())

	case "getGreylist":
		return okResponse(req.ID, h.ctrl.GetGreylist())

	case "setGreylist":
		return h.setGreylist(req)

	case "createSnapshot":
		return h.createSnapshot(req)

	case "getIntegrityHash":
		return h.getIntegrityHash(req)

	case "pause":
		h.prod.Pause()
		return okResponse(req.ID, struct{}{})

	case "resume":
		h.prod.Resume()
		return okResponse(req.ID, struct{}{})

	case "paused":
		return okResponse(req.ID, h.prod.Paused())

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Hash   string `json:"hash"`
		Height *int64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	var block *core.Block
	var err error
	if params.Hash != "" {
		block, err = h.bc.GetBlock(params.Hash)
	} else if params.Height != nil {
		block, err = h.bc.GetBlockByHeight(*params.Height)
	} else {
		block = h.bc.Tip()
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if block == nil {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getBalance(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	acc, err := h.state.GetAccount(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"address": params.Address, "balance": acc.Balance, "nonce": acc.Nonce})
}

func (h *Handler) setGreylist(req Request) Response {
	var params struct {
		Producer string `json:"producer"`
		Remove   bool   `json:"remove"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Producer == "" {
		return errResponse(req.ID, CodeInvalidParams, "producer is required")
	}
	if params.Remove {
		h.ctrl.RemoveGreylist(params.Producer)
	} else {
		h.ctrl.AddGreylist(params.Producer)
	}
	return okResponse(req.ID, h.ctrl.GetGreylist())
}

// createSnapshot implements spec §4.6/§6's snapshot operation over RPC.
func (h *Handler) createSnapshot(req Request) Response {
	if h.snapshotsDir == "" {
		return errResponse(req.ID, CodeInternalError, "snapshots_dir is not configured")
	}
	result, err := h.prod.CreateSnapshot(h.snapshotsDir)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"snapshot_name": result.Path, "head_block_id": result.HeadBlockID})
}

// getIntegrityHash implements spec §4.6/§6's integrity-hash query over RPC.
func (h *Handler) getIntegrityHash(req Request) Response {
	hash, err := h.prod.IntegrityHash()
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"integrity_hash": hash})
}

// sendTx bridges the synchronous RPC call onto the asynchronous incoming-
// transaction pipeline (spec §4.3): the request blocks only until the
// pipeline's completion callback fires, but signature verification and
// pool bookkeeping run off this goroutine.
func (h *Handler) sendTx(req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	// Recompute the ID server-side; do not trust the client-provided value.
	tx.ID = tx.Hash()

	type outcome struct {
		trace producer.Trace
		err   error
	}
	result := make(chan outcome, 1)
	h.prod.OnIncomingTransaction(&tx, false, func(trace producer.Trace, err error) {
		result <- outcome{trace: trace, err: err}
	})

	out := <-result
	if out.err != nil {
		return errResponse(req.ID, CodeInternalError, out.err.Error())
	}
	return okResponse(req.ID, map[string]string{"tx_id": tx.ID})
}
