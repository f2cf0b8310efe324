// Package keywrap wraps per-record data keys under enclave-held wrapping
// keys. A wrapped key is unusable outside the enclave runtime that derived
// the wrapping key.
package keywrap

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
	"github.com/AeroSense-Network/data_pipeline/tee/enclave"
)

// purposePrefix namespaces wrapping-key derivation.
const purposePrefix = "keywrap/"

// WrappedKey is the serialized form of a wrapped data key.
type WrappedKey struct {
	Version uint8  `json:"v"`
	Purpose string `json:"p"`
	Nonce   []byte `json:"n"`
	Key     []byte `json:"k"`
}

// Wrapper wraps and unwraps data keys using enclave-derived wrapping keys.
type Wrapper struct {
	mu      sync.RWMutex
	runtime enclave.Runtime

	// Cached wrapping keys per purpose; derivation is deterministic so the
	// cache is only an optimization.
	keys map[string][]byte
}

// New creates a key wrapper backed by the given enclave runtime.
func New(runtime enclave.Runtime) *Wrapper {
	return &Wrapper{
		runtime: runtime,
		keys:    make(map[string][]byte),
	}
}

// Initialize verifies the enclave runtime is usable.
func (w *Wrapper) Initialize(ctx context.Context) error {
	return w.runtime.Health(ctx)
}

// Shutdown zeros all cached wrapping keys.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for purpose, key := range w.keys {
		enclave.ZeroBytes(key)
		delete(w.keys, purpose)
	}
	return nil
}

// Health checks wrapper health.
func (w *Wrapper) Health(ctx context.Context) error {
	return w.runtime.Health(ctx)
}

// Wrap encrypts a data key under the wrapping key for the given purpose.
func (w *Wrapper) Wrap(dataKey []byte, purpose string) ([]byte, error) {
	if len(dataKey) == 0 {
		return nil, errdefs.Crypto("empty data key")
	}

	gcm, err := w.wrappingGCM(purpose)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	wrapped := &WrappedKey{
		Version: 1,
		Purpose: purpose,
		Nonce:   nonce,
		Key:     gcm.Seal(nil, nonce, dataKey, []byte(purpose)),
	}
	return json.Marshal(wrapped)
}

// Unwrap recovers a data key from its wrapped form. Failure is a fatal
// crypto error for the record the key belongs to.
func (w *Wrapper) Unwrap(blob []byte) ([]byte, error) {
	var wrapped WrappedKey
	if err := json.Unmarshal(blob, &wrapped); err != nil {
		return nil, errdefs.Crypto("malformed wrapped key").WithCause(err)
	}
	if wrapped.Version != 1 {
		return nil, errdefs.Newf(errdefs.CodeCrypto, "unsupported wrapped key version: %d", wrapped.Version)
	}

	gcm, err := w.wrappingGCM(wrapped.Purpose)
	if err != nil {
		return nil, err
	}
	// GCM panics on a wrong-length nonce, so length-check before Open.
	if len(wrapped.Nonce) != gcm.NonceSize() {
		return nil, errdefs.Newf(errdefs.CodeCrypto, "bad wrapped key nonce length: %d", len(wrapped.Nonce))
	}

	dataKey, err := gcm.Open(nil, wrapped.Nonce, wrapped.Key, []byte(wrapped.Purpose))
	if err != nil {
		return nil, errdefs.Crypto("unwrap failed").WithCause(err)
	}
	return dataKey, nil
}

// wrappingGCM returns the AEAD for a purpose, deriving the wrapping key on
// first use.
func (w *Wrapper) wrappingGCM(purpose string) (cipher.AEAD, error) {
	w.mu.RLock()
	key, ok := w.keys[purpose]
	w.mu.RUnlock()

	if !ok {
		var err error
		key, err = w.deriveWrappingKey(purpose)
		if err != nil {
			return nil, err
		}

		w.mu.Lock()
		w.keys[purpose] = key
		w.mu.Unlock()
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveWrappingKey expands the enclave master secret into a purpose-bound
// 32-byte wrapping key via HKDF.
func (w *Wrapper) deriveWrappingKey(purpose string) ([]byte, error) {
	secret, err := w.runtime.DeriveKey(purposePrefix + purpose)
	if err != nil {
		return nil, fmt.Errorf("derive wrap secret: %w", err)
	}
	defer enclave.ZeroBytes(secret)

	reader := hkdf.New(sha256.New, secret, nil, []byte(purposePrefix+purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("expand wrapping key: %w", err)
	}
	return key, nil
}
