package statestore

import (
	"encoding/json"
	"testing"
)

// TestStateRoundTripsThroughJSON checks serialize-then-deserialize yields
// an equal record.
func TestStateRoundTripsThroughJSON(t *testing.T) {
	synced := uint64(200)
	want := IndexerState{
		AccountID:           "morgs.near",
		FunctionName:        "test",
		BlockStreamSyncedAt: &synced,
		Enabled:             true,
		LifecycleState:      Running,
	}

	raw, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got IndexerState
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.AccountID != want.AccountID || got.FunctionName != want.FunctionName ||
		got.Enabled != want.Enabled || got.LifecycleState != want.LifecycleState {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if got.BlockStreamSyncedAt == nil || want.BlockStreamSyncedAt == nil || *got.BlockStreamSyncedAt != *want.BlockStreamSyncedAt {
		t.Fatalf("BlockStreamSyncedAt mismatch: got %v, want %v", got.BlockStreamSyncedAt, want.BlockStreamSyncedAt)
	}
}

func TestKeyShapes(t *testing.T) {
	if got := stateKey("a.near", "fn"); got != "a.near/fn:state" {
		t.Errorf("stateKey = %q", got)
	}
	if got := streamKey("a.near", "fn"); got != "a.near/fn:block_stream" {
		t.Errorf("streamKey = %q", got)
	}
	if got := historicalStorageKey("a.near/fn"); got != "a.near/fn:historical_storage" {
		t.Errorf("historicalStorageKey = %q", got)
	}
}
