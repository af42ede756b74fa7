// Package registry is a thin JSON-RPC-over-HTTP client against the NEAR
// registry contract: the `query` RPC method with a view-only call_function
// request at final finality.
package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/near/historical-backfiller/internal/errs"
	"github.com/near/historical-backfiller/internal/registrytypes"
)

// Client queries list_indexer_functions on a configured registry contract.
// Every lifecycle manager refreshes its config through this client each
// tick, so calls are rate limited to protect the shared RPC node.
type Client struct {
	rpcURL     string
	contractID string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func New(rpcURL, contractID string) *Client {
	return &Client{
		rpcURL:     rpcURL,
		contractID: contractID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    newLimiterFromEnv(),
	}
}

// newLimiterFromEnv builds the registry-RPC rate limiter.
// REGISTRY_RPC_RPS <= 0 disables throttling.
func newLimiterFromEnv() *rate.Limiter {
	rps := getEnvFloat("REGISTRY_RPC_RPS", 5)
	if rps <= 0 {
		return nil
	}
	burst := int(getEnvFloat("REGISTRY_RPC_BURST", rps))
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

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  rpcQueryReq `json:"params"`
}

type rpcQueryReq struct {
	RequestType string `json:"request_type"`
	Finality    string `json:"finality"`
	AccountID   string `json:"account_id"`
	MethodName  string `json:"method_name"`
	ArgsBase64  string `json:"args_base64"`
}

// byteArray decodes a byte buffer sent either in the NEAR RPC convention
// of a JSON array of small integers (e.g. [123,34,...]) or as a base64
// string. Go's default []byte unmarshaling is tried first; a plain int
// array decode is the fallback.
type byteArray []byte

func (b *byteArray) UnmarshalJSON(data []byte) error {
	var ints []byte
	if err := json.Unmarshal(data, (*[]uint8)(&ints)); err == nil {
		*b = ints
		return nil
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		out[i] = byte(n)
	}
	*b = out
	return nil
}

type rpcResponse struct {
	Result *struct {
		Result byteArray `json:"result"`
		Error  string    `json:"error"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
		Cause   struct {
			Name string `json:"name"`
		} `json:"cause"`
	} `json:"error"`
}

// FetchAll calls list_indexer_functions with no account filter, returning
// every registered indexer across every account.
func (c *Client) FetchAll(ctx context.Context) ([]registrytypes.Indexer, error) {
	resp, err := c.call(ctx, "{}")
	if err != nil {
		return nil, err
	}

	var decoded registrytypes.AccountOrAllIndexers
	if err := json.Unmarshal(resp, &decoded); err != nil {
		return nil, fmt.Errorf("%w: list_indexer_functions response: %v", errs.ErrDecode, err)
	}
	return decoded.Flatten(), nil
}

// FetchAccount calls list_indexer_functions(account_id=Some(account)),
// used by a Lifecycle Manager's per-tick refresh of its own indexer.
func (c *Client) FetchAccount(ctx context.Context, account string) ([]registrytypes.Indexer, error) {
	args := fmt.Sprintf(`{"account_id":%q}`, account)
	resp, err := c.call(ctx, args)
	if err != nil {
		return nil, err
	}

	var decoded registrytypes.AccountOrAllIndexers
	if err := json.Unmarshal(resp, &decoded); err != nil {
		return nil, fmt.Errorf("%w: list_indexer_functions response: %v", errs.ErrDecode, err)
	}

	indexers := decoded.Flatten()
	for i := range indexers {
		indexers[i].Identity.AccountID = account
	}
	return indexers, nil
}

func (c *Client) call(ctx context.Context, jsonArgs string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %v", errs.ErrTransport, err)
		}
	}

	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      "historical-backfiller",
		Method:  "query",
		Params: rpcQueryReq{
			RequestType: "call_function",
			Finality:    "final",
			AccountID:   c.contractID,
			MethodName:  "list_indexer_functions",
			ArgsBase64:  base64.StdEncoding.EncodeToString([]byte(jsonArgs)),
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal registry request: %v", errs.ErrDecode, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build registry request: %v", errs.ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: registry RPC call: %v", errs.ErrTransport, err)
	}
	defer httpResp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("%w: decode registry RPC envelope: %v", errs.ErrDecode, err)
	}

	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%w: registry RPC error: %s", errs.ErrTransport, rpcResp.Error.Message)
	}
	if rpcResp.Result == nil {
		return nil, fmt.Errorf("%w: registry RPC returned no result", errs.ErrTransport)
	}
	if rpcResp.Result.Error != "" {
		return nil, fmt.Errorf("%w: list_indexer_functions: %s", errs.ErrTransport, rpcResp.Result.Error)
	}

	return rpcResp.Result.Result, nil
}
