package keywrap

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
	"github.com/AeroSense-Network/data_pipeline/tee/enclave"
)

func newTestWrapper(t *testing.T) *Wrapper {
	t.Helper()
	rt, err := enclave.New(enclave.Config{
		Mode:           enclave.ModeSimulation,
		EnclaveID:      "test-enclave",
		SealingKeyPath: filepath.Join(t.TempDir(), "sealing.key"),
	})
	if err != nil {
		t.Fatalf("enclave.New() error: %v", err)
	}
	if err := rt.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	return New(rt)
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	w := newTestWrapper(t)

	dataKey := bytes.Repeat([]byte{0xAB}, 32)
	blob, err := w.Wrap(dataKey, "record")
	if err != nil {
		t.Fatalf("Wrap() error: %v", err)
	}

	got, err := w.Unwrap(blob)
	if err != nil {
		t.Fatalf("Unwrap() error: %v", err)
	}
	if !bytes.Equal(got, dataKey) {
		t.Error("Unwrap() should return the original data key")
	}
}

func TestWrapProducesFreshNonce(t *testing.T) {
	w := newTestWrapper(t)

	dataKey := bytes.Repeat([]byte{0x01}, 32)
	a, err := w.Wrap(dataKey, "record")
	if err != nil {
		t.Fatalf("Wrap() error: %v", err)
	}
	b, err := w.Wrap(dataKey, "record")
	if err != nil {
		t.Fatalf("Wrap() error: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two wraps of the same key should not be byte-identical")
	}
}

func TestUnwrapRejectsTampering(t *testing.T) {
	w := newTestWrapper(t)

	blob, err := w.Wrap(bytes.Repeat([]byte{0x02}, 32), "record")
	if err != nil {
		t.Fatalf("Wrap() error: %v", err)
	}

	// Flip a byte somewhere in the ciphertext portion.
	tampered := bytes.Replace(blob, []byte(`"p":"record"`), []byte(`"p":"region"`), 1)
	if _, err := w.Unwrap(tampered); err == nil {
		t.Fatal("Unwrap() should fail when the purpose is altered")
	} else if !errdefs.IsCrypto(err) {
		t.Errorf("expected a crypto error, got %v", err)
	}
}

func TestUnwrapRejectsGarbage(t *testing.T) {
	w := newTestWrapper(t)
	if _, err := w.Unwrap([]byte("not json")); !errdefs.IsCrypto(err) {
		t.Errorf("expected a crypto error for malformed blob, got %v", err)
	}
}

func TestUnwrapRejectsTruncatedNonce(t *testing.T) {
	w := newTestWrapper(t)

	blob, err := w.Wrap(bytes.Repeat([]byte{0x03}, 32), "record")
	if err != nil {
		t.Fatalf("Wrap() error: %v", err)
	}

	var wrapped WrappedKey
	if err := json.Unmarshal(blob, &wrapped); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	wrapped.Nonce = wrapped.Nonce[:4]
	short, err := json.Marshal(wrapped)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	// Must surface a crypto error, never reach GCM with a short nonce.
	if _, err := w.Unwrap(short); !errdefs.IsCrypto(err) {
		t.Errorf("expected a crypto error for truncated nonce, got %v", err)
	}
}

func TestWrapEmptyKey(t *testing.T) {
	w := newTestWrapper(t)
	if _, err := w.Wrap(nil, "record"); err == nil {
		t.Error("Wrap() should reject an empty data key")
	}
}
