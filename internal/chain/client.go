// Package chain provides the client for the external sensor ledger.
package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
)

// Client implements Ledger over JSON-RPC.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// Config holds client configuration.
type Config struct {
	RPCURL  string
	Timeout time.Duration
	// RateLimit bounds requests per second; zero disables limiting.
	RateLimit float64
	// MaxRetries bounds backoff retries on transport failures.
	MaxRetries int
}

// NewClient creates a new ledger client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errdefs.Config("ledger RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit))
	}

	return &Client{
		rpcURL:     cfg.RPCURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		maxRetries: cfg.MaxRetries,
	}, nil
}

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

// Call makes a JSON-RPC call with rate limiting and bounded backoff retry.
// RPC-level errors (the node answered, but rejected the call) are never
// retried; only transport failures are.
func (c *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errdefs.Ledger("rate limiter wait interrupted").WithCause(err)
	}

	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errdefs.Ledger("call cancelled").WithCause(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		result, err, retryable := c.callOnce(ctx, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, errdefs.Newf(errdefs.CodeLedger, "%s failed after %d attempts", method, c.maxRetries+1).WithCause(lastErr)
}

// callOnce executes one RPC round trip.
func (c *Client) callOnce(ctx context.Context, method string, params []any) (json.RawMessage, error, bool) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err), false
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err), false
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errdefs.Ledger("execute request failed").WithCause(err), true
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Ledger("read response failed").WithCause(err), true
	}

	if resp.StatusCode >= 500 {
		return nil, errdefs.Newf(errdefs.CodeLedger, "ledger returned %d", resp.StatusCode), true
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errdefs.Newf(errdefs.CodeLedger, "ledger returned %d", resp.StatusCode), false
	}

	parsed := gjson.ParseBytes(respBody)
	if rpcErr := parsed.Get("error"); rpcErr.Exists() {
		return nil, errdefs.Newf(errdefs.CodeLedger, "rpc error %d: %s",
			rpcErr.Get("code").Int(), rpcErr.Get("message").String()), false
	}

	result := parsed.Get("result")
	if !result.Exists() {
		return nil, errdefs.Ledger("malformed rpc response: no result"), false
	}
	return json.RawMessage(result.Raw), nil, false
}

// SensorOwnedBy checks sensor ownership against the registry.
func (c *Client) SensorOwnedBy(ctx context.Context, sensorID, submitter string) (*Ownership, error) {
	result, err := c.Call(ctx, "sensor_ownedBy", []any{sensorID, submitter})
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(result)
	return &Ownership{
		Exists:       parsed.Get("exists").Bool(),
		IsActive:     parsed.Get("is_active").Bool(),
		OwnerMatches: parsed.Get("owner_matches").Bool(),
	}, nil
}

// ReputationOf returns a sensor's reputation score.
func (c *Client) ReputationOf(ctx context.Context, sensorID string) (int, error) {
	result, err := c.Call(ctx, "sensor_reputation", []any{sensorID})
	if err != nil {
		return 0, err
	}
	return int(gjson.ParseBytes(result).Get("score").Int()), nil
}

// RegisterRecord anchors a record on the ledger.
func (c *Client) RegisterRecord(ctx context.Context, sensorID, contentAddress string, wrappedKey []byte, recordHash string) (*Receipt, error) {
	params := []any{sensorID, contentAddress, base64.StdEncoding.EncodeToString(wrappedKey), recordHash}
	result, err := c.Call(ctx, "record_register", params)
	if err != nil {
		return nil, err
	}
	return parseReceipt(result), nil
}

// FetchRecords returns anchored records for a sensor, newest first.
func (c *Client) FetchRecords(ctx context.Context, sensorID string, limit int) ([]RecordRef, error) {
	result, err := c.Call(ctx, "record_fetch", []any{sensorID, limit})
	if err != nil {
		return nil, err
	}

	var refs []RecordRef
	gjson.ParseBytes(result).ForEach(func(_, item gjson.Result) bool {
		refs = append(refs, RecordRef{
			ContentAddress: item.Get("content_address").String(),
			RecordHash:     item.Get("record_hash").String(),
			Timestamp:      item.Get("timestamp").Int(),
			Submitter:      item.Get("submitter").String(),
		})
		return true
	})
	return refs, nil
}

// SensorsInRegion lists sensors registered under a region tag.
func (c *Client) SensorsInRegion(ctx context.Context, region string) ([]string, error) {
	result, err := c.Call(ctx, "sensor_listRegion", []any{region})
	if err != nil {
		return nil, err
	}
	return parseStringList(result), nil
}

// AllSensors lists every registered sensor.
func (c *Client) AllSensors(ctx context.Context) ([]string, error) {
	result, err := c.Call(ctx, "sensor_listAll", nil)
	if err != nil {
		return nil, err
	}
	return parseStringList(result), nil
}

// MarkRewardDistributed records a payout on the ledger.
func (c *Client) MarkRewardDistributed(ctx context.Context, sensorID, earnedDate string, amount float64) (*Receipt, error) {
	result, err := c.Call(ctx, "reward_markDistributed", []any{sensorID, earnedDate, amount})
	if err != nil {
		return nil, err
	}
	return parseReceipt(result), nil
}

// RewardAlreadyDistributed reports whether a payout already happened.
func (c *Client) RewardAlreadyDistributed(ctx context.Context, sensorID, earnedDate string) (bool, error) {
	result, err := c.Call(ctx, "reward_isDistributed", []any{sensorID, earnedDate})
	if err != nil {
		return false, err
	}
	return gjson.ParseBytes(result).Get("distributed").Bool(), nil
}

func parseReceipt(result json.RawMessage) *Receipt {
	parsed := gjson.ParseBytes(result)
	ts := parsed.Get("timestamp").Int()
	return &Receipt{
		TxID:      parsed.Get("tx_id").String(),
		Timestamp: time.Unix(ts, 0).UTC(),
	}
}

func parseStringList(result json.RawMessage) []string {
	var out []string
	gjson.ParseBytes(result).ForEach(func(_, item gjson.Result) bool {
		out = append(out, item.String())
		return true
	})
	return out
}
