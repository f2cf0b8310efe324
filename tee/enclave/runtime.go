// Package enclave provides the confidential execution runtime that holds the
// pipeline's master seed. All wrapping keys derive from the seed inside this
// package; the seed never crosses the package boundary in the clear.
package enclave

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
)

// Mode specifies the enclave operation mode.
type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeHardware   Mode = "hardware"
)

// Config holds enclave configuration.
type Config struct {
	Mode Mode
	// EnclaveID identifies this enclave instance; hardware key derivation
	// and measurements bind to it.
	EnclaveID string
	// SealingKeyPath persists the simulation sealing key.
	SealingKeyPath string
	// SealedSeedPath persists the sealed master seed across restarts.
	// Empty keeps the seed purely in memory.
	SealedSeedPath string
}

// Runtime is the enclave runtime abstraction.
type Runtime interface {
	// Lifecycle
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Health(ctx context.Context) error

	// Identity
	EnclaveID() string
	Mode() Mode

	// Cryptographic operations
	Seal(plaintext []byte) ([]byte, error)
	Unseal(ciphertext []byte) ([]byte, error)
	GenerateRandom(size int) ([]byte, error)

	// DeriveKey derives a 32-byte secret from the master seed and a
	// purpose label. Equal labels always yield equal keys within one
	// seed lifetime.
	DeriveKey(label string) ([]byte, error)
}

// runtimeImpl implements Runtime.
type runtimeImpl struct {
	mu         sync.RWMutex
	config     Config
	sealingKey []byte
	masterSeed []byte
	ready      bool
}

// New creates a new enclave runtime.
func New(cfg Config) (Runtime, error) {
	if cfg.EnclaveID == "" {
		return nil, errdefs.Config("enclave_id is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSimulation
	}

	return &runtimeImpl{
		config: cfg,
	}, nil
}

// Initialize initializes the enclave runtime.
func (r *runtimeImpl) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		return nil
	}

	if err := r.initSealingKey(); err != nil {
		return fmt.Errorf("init sealing key: %w", err)
	}
	if err := r.initMasterSeed(); err != nil {
		return fmt.Errorf("init master seed: %w", err)
	}

	r.ready = true
	return nil
}

// initSealingKey initializes or loads the sealing key.
func (r *runtimeImpl) initSealingKey() error {
	if r.config.Mode == ModeHardware {
		// In hardware mode, derive from the platform sealing key
		r.sealingKey = r.deriveHardwareSealingKey()
		return nil
	}

	// Simulation mode: load from file or generate
	if r.config.SealingKeyPath != "" {
		key, err := os.ReadFile(r.config.SealingKeyPath)
		if err == nil && len(key) == 32 {
			r.sealingKey = key
			return nil
		}
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate sealing key: %w", err)
	}
	r.sealingKey = key

	if r.config.SealingKeyPath != "" {
		if err := os.WriteFile(r.config.SealingKeyPath, key, 0600); err != nil {
			return fmt.Errorf("save sealing key: %w", err)
		}
	}

	return nil
}

// initMasterSeed recovers the sealed master seed or generates a fresh one.
func (r *runtimeImpl) initMasterSeed() error {
	if r.config.SealedSeedPath != "" {
		if blob, err := os.ReadFile(r.config.SealedSeedPath); err == nil {
			seed, err := r.open(blob)
			if err != nil {
				// A seed that no longer unseals means the sealing key
				// changed; keys wrapped under it are unrecoverable.
				return errdefs.Crypto("sealed master seed cannot be recovered").WithCause(err)
			}
			r.masterSeed = seed
			return nil
		}
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return fmt.Errorf("generate master seed: %w", err)
	}
	r.masterSeed = seed

	if r.config.SealedSeedPath != "" {
		blob, err := r.seal(seed)
		if err != nil {
			return fmt.Errorf("seal master seed: %w", err)
		}
		if err := os.WriteFile(r.config.SealedSeedPath, blob, 0600); err != nil {
			return fmt.Errorf("save sealed seed: %w", err)
		}
	}

	return nil
}

// deriveHardwareSealingKey derives the sealing key from platform identity.
func (r *runtimeImpl) deriveHardwareSealingKey() []byte {
	h := sha256.New()
	h.Write([]byte("TEE_SEALING_KEY"))
	h.Write([]byte(r.config.EnclaveID))
	return h.Sum(nil)
}

// Shutdown shuts down the enclave runtime.
func (r *runtimeImpl) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealingKey != nil {
		ZeroBytes(r.sealingKey)
		r.sealingKey = nil
	}
	if r.masterSeed != nil {
		ZeroBytes(r.masterSeed)
		r.masterSeed = nil
	}

	r.ready = false
	return nil
}

// Health checks if the runtime is healthy.
func (r *runtimeImpl) Health(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return errdefs.Crypto("enclave not ready")
	}
	return nil
}

// EnclaveID returns the enclave identifier.
func (r *runtimeImpl) EnclaveID() string {
	return r.config.EnclaveID
}

// Mode returns the enclave mode.
func (r *runtimeImpl) Mode() Mode {
	return r.config.Mode
}

// Seal encrypts data using the enclave's sealing key.
func (r *runtimeImpl) Seal(plaintext []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, errdefs.Crypto("enclave not ready")
	}
	return r.seal(plaintext)
}

// seal encrypts with the sealing key; caller holds at least a read lock.
func (r *runtimeImpl) seal(plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(r.sealingKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	// Nonce-prefixed ciphertext
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Unseal decrypts data using the enclave's sealing key.
func (r *runtimeImpl) Unseal(ciphertext []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, errdefs.Crypto("enclave not ready")
	}
	return r.open(ciphertext)
}

// open decrypts sealed data; caller holds at least a read lock.
func (r *runtimeImpl) open(ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(r.sealingKey)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errdefs.Crypto("sealed data too short")
	}

	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errdefs.Crypto("unseal failed").WithCause(err)
	}

	return plaintext, nil
}

// GenerateRandom generates cryptographically secure random bytes.
func (r *runtimeImpl) GenerateRandom(size int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, errdefs.Crypto("enclave not ready")
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate random: %w", err)
	}
	return buf, nil
}

// DeriveKey derives a purpose-bound secret from the master seed.
func (r *runtimeImpl) DeriveKey(label string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, errdefs.Crypto("enclave not ready")
	}

	h := sha256.New()
	h.Write(r.masterSeed)
	h.Write([]byte(label))
	return h.Sum(nil), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
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

// =============================================================================
// Utility Functions
// =============================================================================

// ZeroBytes securely zeros a byte slice.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
