// Package signerprovider implements the Signature Provider Registry
// (spec.md §4.5): a map from a producer's public key to an opaque signer,
// backed either by a locally-held private key or a remote wallet daemon
// reached over HTTP.
package signerprovider

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/dpochain/node/crypto"
)

// ErrNotFound is returned when no signer is registered for a public key —
// the `producer_priv_key_not_found` hard error of spec.md §4.5.
var ErrNotFound = errors.New("producer_priv_key_not_found")

// Signer signs a 32-byte-class digest and returns the signature, or an empty
// string if it cannot (e.g. a remote provider whose owner has shut down).
type Signer func(digest []byte) string

// Local returns a Signer backed directly by a private key held in process.
func Local(priv crypto.PrivateKey) Signer {
	return func(digest []byte) string {
		return crypto.Sign(priv, digest)
	}
}

// remoteState is the shared, weakly-referenced state a remote signer reads.
// When Close is called the state is marked dead so in-flight and future
// calls degrade to an empty signature rather than keeping the HTTP client
// (and the process) alive — the weak-ownership idiom spec.md §9 calls for.
type remoteState struct {
	mu     sync.RWMutex
	dead   bool
	url    string
	pubkey string
	client *http.Client
}

// RemoteHandle owns a remote signer's lifetime; call Close on node shutdown.
type RemoteHandle struct {
	state *remoteState
}

func (h *RemoteHandle) Close() {
	h.state.mu.Lock()
	h.state.dead = true
	h.state.mu.Unlock()
}

type remoteSignRequest struct {
	Digest    string `json:"digest"` // hex
	PublicKey string `json:"public_key"`
}

type remoteSignResponse struct {
	Signature string `json:"signature"` // hex-encoded ed25519 signature, per crypto.Sign's own encoding
}

// Remote returns a Signer that POSTs (digest, public_key) to a wallet
// daemon at url, bounded by timeout, plus a RemoteHandle to release it.
func Remote(url string, pubkey crypto.PublicKey, timeout time.Duration) (Signer, *RemoteHandle) {
	state := &remoteState{
		url:    url,
		pubkey: pubkey.Hex(),
		client: &http.Client{Timeout: timeout},
	}
	handle := &RemoteHandle{state: state}
	runtime.SetFinalizer(handle, func(h *RemoteHandle) { h.Close() })

	signer := func(digest []byte) string {
		state.mu.RLock()
		dead := state.dead
		state.mu.RUnlock()
		if dead {
			return ""
		}

		body, err := json.Marshal(remoteSignRequest{
			Digest:    hex.EncodeToString(digest),
			PublicKey: state.pubkey,
		})
		if err != nil {
			return ""
		}

		ctx, cancel := context.WithTimeout(context.Background(), state.client.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, state.url, bytes.NewReader(body))
		if err != nil {
			return ""
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := state.client.Do(req)
		if err != nil {
			return ""
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return ""
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return ""
		}
		var out remoteSignResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return ""
		}
		return out.Signature
	}
	return signer, handle
}

// Registry maps producer public keys (hex) to their Signer.
type Registry struct {
	mu      sync.RWMutex
	signers map[string]Signer
	handles []*RemoteHandle
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{signers: make(map[string]Signer)}
}

// RegisterLocal installs a local signer for priv's own public key.
func (r *Registry) RegisterLocal(priv crypto.PrivateKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signers[priv.Public().Hex()] = Local(priv)
}

// RegisterRemote installs a remote signer for pubkey, reachable at url.
func (r *Registry) RegisterRemote(pubkey crypto.PublicKey, url string, timeout time.Duration) {
	signer, handle := Remote(url, pubkey, timeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signers[pubkey.Hex()] = signer
	r.handles = append(r.handles, handle)
}

// Lookup returns the signer for pubkeyHex, or ErrNotFound.
func (r *Registry) Lookup(pubkeyHex string) (Signer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.signers[pubkeyHex]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, pubkeyHex)
	}
	return s, nil
}

// Has reports whether a signer is registered for pubkeyHex.
func (r *Registry) Has(pubkeyHex string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.signers[pubkeyHex]
	return ok
}

// Close releases every remote signer handle, e.g. on node shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		h.Close()
	}
}
