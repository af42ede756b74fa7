// Package blockrpc resolves a block height's UTC timestamp via a chain
// RPC endpoint, advancing past pruned/forked gaps up to a retry cap.
package blockrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/near/historical-backfiller/internal/errs"
)

// MaxProbes bounds how many times the start-date lookup advances past a
// missing height before giving up, so at most MaxProbes+1 consecutive
// heights are tried.
const MaxProbes = 20

// Client is the chain RPC contract the Backfill Pipeline depends on to
// resolve a start_date from a start_block_height.
type Client interface {
	BlockTimestamp(ctx context.Context, height uint64) (time.Time, error)
	// FinalHeight resolves the live tip, the height of the chain's
	// latest finalized block.
	FinalHeight(ctx context.Context) (uint64, error)
}

// HTTPClient is the production Client, calling NEAR's JSON-RPC "block" method.
// A start-date probe can fire up to MaxProbes+1 sequential calls, so every
// request goes through a rate limiter to keep the node pool healthy.
type HTTPClient struct {
	rpcURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func New(rpcURL string) *HTTPClient {
	return &HTTPClient{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    newLimiterFromEnv(),
	}
}

// newLimiterFromEnv builds the chain-RPC rate limiter. CHAIN_RPC_RPS <= 0
// disables throttling.
func newLimiterFromEnv() *rate.Limiter {
	rps := getEnvFloat("CHAIN_RPC_RPS", 10)
	if rps <= 0 {
		return nil
	}
	burst := int(getEnvFloat("CHAIN_RPC_BURST", rps))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return defaultVal
}

var _ Client = (*HTTPClient)(nil)

type blockRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  blockParams `json:"params"`
}

// blockParams supports both addressing modes NEAR's "block" RPC method
// accepts: an explicit block_id, or a finality tag ("final") used by
// FinalHeight to resolve the live tip. Only one of the two is set per call.
type blockParams struct {
	BlockID  *uint64 `json:"block_id,omitempty"`
	Finality string  `json:"finality,omitempty"`
}

type blockResponse struct {
	Result *struct {
		Header struct {
			Height           uint64 `json:"height"`
			TimestampNanosec string `json:"timestamp_nanosec"`
			Timestamp        uint64 `json:"timestamp"`
		} `json:"header"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) BlockTimestamp(ctx context.Context, height uint64) (time.Time, error) {
	h := height
	decoded, err := c.call(ctx, blockParams{BlockID: &h})
	if err != nil {
		return time.Time{}, err
	}
	if decoded.Error != nil {
		return time.Time{}, fmt.Errorf("%w: block %d: %s", errs.ErrNotFound, height, decoded.Error.Message)
	}
	if decoded.Result == nil {
		return time.Time{}, fmt.Errorf("%w: block %d: empty result", errs.ErrNotFound, height)
	}

	// The header timestamp is in nanoseconds; round down to whole seconds.
	nanos := decoded.Result.Header.Timestamp
	return time.Unix(int64(nanos/uint64(time.Second)), 0).UTC(), nil
}

// FinalHeight resolves the height of the chain's latest finalized block,
// the live tip a backfill runs against.
func (c *HTTPClient) FinalHeight(ctx context.Context) (uint64, error) {
	decoded, err := c.call(ctx, blockParams{Finality: "final"})
	if err != nil {
		return 0, err
	}
	if decoded.Error != nil {
		return 0, fmt.Errorf("%w: final block: %s", errs.ErrTransport, decoded.Error.Message)
	}
	if decoded.Result == nil {
		return 0, fmt.Errorf("%w: final block: empty result", errs.ErrTransport)
	}
	return decoded.Result.Header.Height, nil
}

func (c *HTTPClient) call(ctx context.Context, params blockParams) (blockResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return blockResponse{}, fmt.Errorf("%w: rate limit wait: %v", errs.ErrTransport, err)
		}
	}

	reqBody, err := json.Marshal(blockRequest{
		JSONRPC: "2.0",
		ID:      "historical-backfiller",
		Method:  "block",
		Params:  params,
	})
	if err != nil {
		return blockResponse{}, fmt.Errorf("%w: marshal block request: %v", errs.ErrDecode, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return blockResponse{}, fmt.Errorf("%w: build block request: %v", errs.ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return blockResponse{}, fmt.Errorf("%w: block RPC call: %v", errs.ErrTransport, err)
	}
	defer resp.Body.Close()

	var decoded blockResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return blockResponse{}, fmt.Errorf("%w: decode block RPC response: %v", errs.ErrDecode, err)
	}
	return decoded, nil
}

// ResolveStartDate looks up startHeight's block timestamp, advancing by
// one height on failure (pruned/forked gaps) up to MaxProbes times.
func ResolveStartDate(ctx context.Context, c Client, startHeight uint64) (time.Time, error) {
	height := startHeight
	for probes := 0; probes <= MaxProbes; probes++ {
		ts, err := c.BlockTimestamp(ctx, height)
		if err == nil {
			return ts, nil
		}
		height++
	}
	return time.Time{}, fmt.Errorf("%w: could not resolve start date from height %d within %d probes", errs.ErrStartDateUnresolvable, startHeight, MaxProbes)
}
