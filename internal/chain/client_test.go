package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{RPCURL: srv.URL, Timeout: 2 * time.Second, MaxRetries: 2})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	return client
}

func rpcResult(w http.ResponseWriter, result string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"result":  json.RawMessage(result),
	})
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Error("NewClient() should require an RPC URL")
	}
}

func TestSensorOwnedBy(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "sensor_ownedBy" {
			t.Errorf("method = %s, want sensor_ownedBy", req.Method)
		}
		rpcResult(w, `{"exists":true,"is_active":true,"owner_matches":false}`)
	})

	own, err := client.SensorOwnedBy(context.Background(), "scd41-acme00-1234", "NXowner")
	if err != nil {
		t.Fatalf("SensorOwnedBy() error: %v", err)
	}
	if !own.Exists || !own.IsActive || own.OwnerMatches {
		t.Errorf("Ownership = %+v", own)
	}
}

func TestFetchRecords(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, `[
			{"content_address":"abc","record_hash":"h1","timestamp":1700000000,"submitter":"NX1"},
			{"content_address":"def","record_hash":"h2","timestamp":1700000600,"submitter":"NX1"}
		]`)
	})

	refs, err := client.FetchRecords(context.Background(), "sensor-1", 10)
	if err != nil {
		t.Fatalf("FetchRecords() error: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("len(refs) = %d, want 2", len(refs))
	}
	if refs[0].ContentAddress != "abc" || refs[1].RecordHash != "h2" {
		t.Errorf("refs = %+v", refs)
	}
}

func TestCallRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		rpcResult(w, `{"score":120}`)
	})

	score, err := client.ReputationOf(context.Background(), "sensor-1")
	if err != nil {
		t.Fatalf("ReputationOf() error: %v", err)
	}
	if score != 120 {
		t.Errorf("score = %d, want 120", score)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestCallDoesNotRetryRPCErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]any{"code": -32000, "message": "sensor not registered"},
		})
	})

	_, err := client.ReputationOf(context.Background(), "sensor-1")
	if !errdefs.IsLedger(err) {
		t.Fatalf("expected a ledger error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on rpc error)", calls.Load())
	}
}

func TestCallHonorsContext(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		rpcResult(w, `{"score":1}`)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := client.ReputationOf(ctx, "sensor-1"); err == nil {
		t.Error("call should fail when the context deadline passes")
	}
}

func TestRewardAlreadyDistributed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, `{"distributed":true}`)
	})

	done, err := client.RewardAlreadyDistributed(context.Background(), "sensor-1", "2026-08-28")
	if err != nil {
		t.Fatalf("RewardAlreadyDistributed() error: %v", err)
	}
	if !done {
		t.Error("expected distributed = true")
	}
}
