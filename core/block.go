package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dpochain/node/crypto"
)

// BlockHeader contains the block metadata that is hashed and signed.
type BlockHeader struct {
	ChainID   string `json:"chain_id"`
	Height    int64  `json:"height"`
	PrevHash  string `json:"prev_hash"`
	StateRoot string `json:"state_root"` // hash of state after executing this block
	TxRoot    string `json:"tx_root"`    // hash of all transaction IDs
	Timestamp int64  `json:"timestamp"`  // unix nanoseconds
	Producer  string `json:"producer"`   // producer's pubkey hex

	// Confirmed is blocks_to_confirm: how many of the producer's own recent
	// blocks it is willing to stake its signature on confirming (spec §4.1
	// double-sign protection). Zero for a producer with no watermark yet.
	Confirmed uint16 `json:"confirmed"`

	// ScheduleVersion identifies the active producer schedule this block was
	// produced under. A change from the parent's version signals a rotation
	// (spec §4.4 schedule-rotation detection).
	ScheduleVersion uint32 `json:"schedule_version"`
}

// Block is a collection of transactions with a signed header.
type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"transactions"`
	Hash         string         `json:"hash"`
	Signature    string         `json:"signature"`
}

// ComputeHash returns the SHA-256 hash of the serialised header.
// Returns an empty string if marshalling fails (which cannot happen in practice).
func (b *Block) ComputeHash() string {
	data, err := json.Marshal(b.Header)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// SigningDigest returns the bytes a producer or confirming signer signs over.
// It is the block's header hash, matching ComputeHash so a confirmation
// signature (spec §4.4 accepted-block handler) verifies against the same
// digest the original producer signed.
func (b *Block) SigningDigest() []byte {
	return []byte(b.ComputeHash())
}

// Sign sets Hash and signs the block with the producer's private key.
func (b *Block) Sign(priv crypto.PrivateKey) {
	b.Hash = b.ComputeHash()
	b.Signature = crypto.Sign(priv, b.SigningDigest())
}

// Verify checks that b.Hash matches the recomputed header hash and that the
// signature is valid. This prevents accepting blocks whose header was tampered
// with after signing.
func (b *Block) Verify(pub crypto.PublicKey) error {
	if computed := b.ComputeHash(); b.Hash != computed {
		return fmt.Errorf("block hash mismatch: stored %s computed %s", b.Hash, computed)
	}
	return crypto.Verify(pub, b.SigningDigest(), b.Signature)
}

// VerifyIntegrity checks the structural integrity of a block independently of
// the producer signature: hash consistency and TxRoot correctness.
func (b *Block) VerifyIntegrity() error {
	if computed := b.ComputeHash(); b.Hash != computed {
		return fmt.Errorf("block hash mismatch: stored %s computed %s", b.Hash, computed)
	}
	if txRoot := ComputeTxRoot(b.Transactions); b.Header.TxRoot != txRoot {
		return errors.New("tx_root mismatch")
	}
	return nil
}

// ComputeTxRoot builds a deterministic root hash from all transaction IDs.
// Each ID is length-prefixed (4-byte big-endian) to prevent boundary ambiguity
// where different ID sets could otherwise produce the same byte sequence.
func ComputeTxRoot(txs []*Transaction) string {
	if len(txs) == 0 {
		return crypto.Hash([]byte("empty"))
	}
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, tx := range txs {
		id := []byte(tx.ID)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(id)))
		buf.Write(lenBuf[:])
		buf.Write(id)
	}
	return crypto.Hash(buf.Bytes())
}

// NewBlock creates an unsigned block with the given parameters.
func NewBlock(chainID string, height int64, prevHash, producer string, scheduleVersion uint32, confirmed uint16, timestamp int64, txs []*Transaction) *Block {
	return &Block{
		Header: BlockHeader{
			ChainID:         chainID,
			Height:          height,
			PrevHash:        prevHash,
			TxRoot:          ComputeTxRoot(txs),
			Timestamp:       timestamp,
			Producer:        producer,
			Confirmed:       confirmed,
			ScheduleVersion: scheduleVersion,
		},
		Transactions: txs,
	}
}
