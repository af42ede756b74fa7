package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/near/historical-backfiller/internal/errs"
)

// rpcServer returns an httptest server whose `query` responses carry
// payload as the contract call's return bytes, in the given wire encoding
// ("ints" for NEAR's array-of-bytes convention, "base64" for the string
// form some gateways emit).
func rpcServer(t *testing.T, payload string, encoding string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["method"] != "query" {
			t.Errorf("unexpected RPC method %v", req["method"])
		}

		var result string
		switch encoding {
		case "ints":
			parts := make([]string, len(payload))
			for i := 0; i < len(payload); i++ {
				parts[i] = fmt.Sprintf("%d", payload[i])
			}
			result = "[" + strings.Join(parts, ",") + "]"
		case "base64":
			result = fmt.Sprintf("%q", base64.StdEncoding.EncodeToString([]byte(payload)))
		}

		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":"x","result":{"result":%s}}`, result)
	}))
}

func TestFetchAllDecodesIntArrayResult(t *testing.T) {
	payload := `{"All":{"alice.near":{"my_fn":{"code":"return;","start_block_height":100,"filter":{"ActionAny":{"affected_account_id":"token.near","status":"ANY"}},"created_at_block_height":5}}}}`
	srv := rpcServer(t, payload, "ints")
	defer srv.Close()

	c := New(srv.URL, "registry.near")
	indexers, err := c.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(indexers) != 1 {
		t.Fatalf("expected 1 indexer, got %d", len(indexers))
	}

	ix := indexers[0]
	if ix.Identity.FullName() != "alice.near/my_fn" {
		t.Errorf("identity = %q", ix.Identity.FullName())
	}
	if ix.Config.StartBlockHeight == nil || *ix.Config.StartBlockHeight != 100 {
		t.Errorf("StartBlockHeight = %v", ix.Config.StartBlockHeight)
	}
	rule, err := ix.Config.Filter.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if rule.AffectedAccountID != "token.near" {
		t.Errorf("AffectedAccountID = %q", rule.AffectedAccountID)
	}
}

func TestFetchAccountFillsAccountID(t *testing.T) {
	payload := `{"Account":{"my_fn":{"code":"return;","created_at_block_height":5}}}`
	srv := rpcServer(t, payload, "base64")
	defer srv.Close()

	c := New(srv.URL, "registry.near")
	indexers, err := c.FetchAccount(context.Background(), "alice.near")
	if err != nil {
		t.Fatalf("FetchAccount: %v", err)
	}
	if len(indexers) != 1 {
		t.Fatalf("expected 1 indexer, got %d", len(indexers))
	}
	if indexers[0].Identity.FullName() != "alice.near/my_fn" {
		t.Errorf("identity = %q", indexers[0].Identity.FullName())
	}
}

func TestFetchAllSurfacesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":"x","error":{"message":"server is broken","cause":{"name":"INTERNAL_ERROR"}}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "registry.near")
	if _, err := c.FetchAll(context.Background()); !errors.Is(err, errs.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}
