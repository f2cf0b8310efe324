package enclave

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
)

func newRuntime(t *testing.T, cfg Config) Runtime {
	t.Helper()
	rt, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := rt.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	return rt
}

func TestNewRequiresEnclaveID(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() should require an enclave ID")
	}
}

func TestSealUnsealRoundTrip(t *testing.T) {
	rt := newRuntime(t, Config{
		EnclaveID:      "test",
		SealingKeyPath: filepath.Join(t.TempDir(), "sealing.key"),
	})

	plaintext := []byte("per-record data key material")
	sealed, err := rt.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("sealed blob should not contain plaintext")
	}

	got, err := rt.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal() error: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("Unseal() should recover the original plaintext")
	}
}

func TestUnsealRejectsTamperedData(t *testing.T) {
	rt := newRuntime(t, Config{EnclaveID: "test"})

	sealed, err := rt.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF

	if _, err := rt.Unseal(sealed); err == nil {
		t.Error("Unseal() should reject tampered data")
	}
}

func TestMasterSeedSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		EnclaveID:      "test",
		SealingKeyPath: filepath.Join(dir, "sealing.key"),
		SealedSeedPath: filepath.Join(dir, "master.seed"),
	}

	first := newRuntime(t, cfg)
	keyA, err := first.DeriveKey("record")
	if err != nil {
		t.Fatalf("DeriveKey() error: %v", err)
	}
	if err := first.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	second := newRuntime(t, cfg)
	keyB, err := second.DeriveKey("record")
	if err != nil {
		t.Fatalf("DeriveKey() error: %v", err)
	}

	if !bytes.Equal(keyA, keyB) {
		t.Error("derived keys should be stable across restarts with a sealed seed")
	}
}

func TestDeriveKeyLabelsDiffer(t *testing.T) {
	rt := newRuntime(t, Config{EnclaveID: "test"})

	a, err := rt.DeriveKey("record")
	if err != nil {
		t.Fatalf("DeriveKey() error: %v", err)
	}
	b, err := rt.DeriveKey("region")
	if err != nil {
		t.Fatalf("DeriveKey() error: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("different labels should derive different keys")
	}
}

func TestShutdownZerosState(t *testing.T) {
	rt := newRuntime(t, Config{EnclaveID: "test"})
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := rt.Health(context.Background()); err == nil {
		t.Error("Health() should fail after shutdown")
	}
	if _, err := rt.Seal([]byte("x")); err == nil {
		t.Error("Seal() should fail after shutdown")
	}
}
