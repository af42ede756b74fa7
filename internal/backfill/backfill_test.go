package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/near/historical-backfiller/internal/bitmap"
	"github.com/near/historical-backfiller/internal/blockrpc/blockrpctest"
	"github.com/near/historical-backfiller/internal/chainlake"
	"github.com/near/historical-backfiller/internal/errs"
	"github.com/near/historical-backfiller/internal/locator"
	"github.com/near/historical-backfiller/internal/objectstore/objectstoretest"
	"github.com/near/historical-backfiller/internal/queue/queuetest"
	"github.com/near/historical-backfiller/internal/registrytypes"
	"github.com/near/historical-backfiller/internal/statestore"
	"github.com/near/historical-backfiller/internal/statestore/statestoretest"
)

const testLakeBucket = "near-lake-data-testnet"

func newTestPipeline(store *objectstoretest.Fake, rpc *blockrpctest.Fake, state *statestoretest.Fake, q *queuetest.Fake) *Pipeline {
	return &Pipeline{
		Store:       store,
		Locator:     locator.New(store),
		ChainLake:   chainlake.New(store, testLakeBucket),
		BlockRPC:    rpc,
		State:       state,
		Queue:       q,
		ChainID:     "testnet",
		DeltaBucket: DeltaLakeBucket,
		LakeBucket:  testLakeBucket,
	}
}

func testRule() registrytypes.MatchingRule {
	return registrytypes.MatchingRule{
		ActionAny: &registrytypes.ActionAnyRule{AffectedAccountID: "test.near", Status: "ANY"},
	}
}

// TestBackfillPublishesIndexedHeights: metadata says
// last_indexed_block=1000, a single index file returns [1100, 1200], the
// live tip is 1201 (no tail blocks match), and the pipeline publishes
// [1100, 1200] with only the first message carrying Provisioned=false.
func TestBackfillPublishesIndexedHeights(t *testing.T) {
	store := objectstoretest.New()
	store.PutText(DeltaLakeBucket, latestBlockMetadataKey, `{"last_indexed_block":"1000","first_indexed_block":"1","last_indexed_block_date":"2023-11-20","first_indexed_block_date":"2023-01-01","processed_at_utc":"2023-11-22T00:00:00Z"}`)
	store.PutText(DeltaLakeBucket, indexedActionsFilesFolder+"/near/test/2023-11-20.json", `{"heights":[1100,1200]}`)

	rpc := blockrpctest.New()
	rpc.Timestamps[1050] = time.Date(2023, 11, 20, 12, 0, 0, 0, time.UTC)

	state := statestoretest.New()
	q := queuetest.New()
	p := newTestPipeline(store, rpc, state, q)

	startHeight := uint64(1050)
	cfg := registrytypes.IndexerConfig{
		StartBlockHeight:     &startHeight,
		Filter:               testRule(),
		CreatedAtBlockHeight: 7,
	}
	id := registrytypes.IndexerIdentity{AccountID: "test.near", FunctionName: "my_indexer"}

	result, err := Run(context.Background(), p, id, cfg, 1201)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Delta != 151 {
		t.Errorf("Delta = %d, want 151", result.Delta)
	}
	if result.BlocksPublished != 2 {
		t.Fatalf("BlocksPublished = %d, want 2", result.BlocksPublished)
	}

	streamKey := statestore.HistoricalStreamKey(id.FullName())
	if got := state.Stream(streamKey); len(got) != 2 || got[0] != 1100 || got[1] != 1200 {
		t.Fatalf("stream = %v, want [1100 1200]", got)
	}
	if !state.StreamRegistered(streamKey) {
		t.Fatal("expected historical stream to be registered in the streams set")
	}

	if len(q.Messages) != 2 {
		t.Fatalf("expected 2 queue messages, got %d", len(q.Messages))
	}
	if q.Messages[0].Provisioned {
		t.Error("first message should carry provisioned=false")
	}
	if !q.Messages[1].Provisioned {
		t.Error("subsequent messages should carry provisioned=true")
	}
	if q.Messages[0].BlockHeight != 1100 || q.Messages[1].BlockHeight != 1200 {
		t.Fatalf("unexpected block heights: %+v", q.Messages)
	}
}

// A start block ahead of the live tip fails NothingToDo and publishes
// nothing.
func TestBackfillNothingToDoPastTip(t *testing.T) {
	store := objectstoretest.New()
	rpc := blockrpctest.New()
	state := statestoretest.New()
	q := queuetest.New()
	p := newTestPipeline(store, rpc, state, q)

	liveTip := uint64(1000)
	startHeight := liveTip + 5
	cfg := registrytypes.IndexerConfig{
		StartBlockHeight:     &startHeight,
		Filter:               testRule(),
		CreatedAtBlockHeight: 1,
	}
	id := registrytypes.IndexerIdentity{AccountID: "test.near", FunctionName: "my_indexer"}

	_, err := Run(context.Background(), p, id, cfg, liveTip)
	if !errors.Is(err, errs.ErrNothingToDo) {
		t.Fatalf("expected ErrNothingToDo, got %v", err)
	}
	if len(q.Messages) != 0 {
		t.Fatalf("expected no messages published, got %d", len(q.Messages))
	}
}

// A tail-scan interval of 7201 unindexed blocks exceeds MaxTailBlocks and
// fails before any shard is fetched.
func TestBackfillTailTooLong(t *testing.T) {
	store := objectstoretest.New()
	store.PutText(DeltaLakeBucket, latestBlockMetadataKey, `{"last_indexed_block":"1000","first_indexed_block":"1","last_indexed_block_date":"2023-11-20","first_indexed_block_date":"2023-01-01","processed_at_utc":"2023-11-22T00:00:00Z"}`)

	rpc := blockrpctest.New()
	rpc.Timestamps[1000] = time.Date(2023, 11, 20, 12, 0, 0, 0, time.UTC)

	state := statestoretest.New()
	q := queuetest.New()
	p := newTestPipeline(store, rpc, state, q)

	startHeight := uint64(1000)
	cfg := registrytypes.IndexerConfig{
		StartBlockHeight:     &startHeight,
		Filter:               testRule(),
		CreatedAtBlockHeight: 1,
	}
	id := registrytypes.IndexerIdentity{AccountID: "test.near", FunctionName: "my_indexer"}

	liveTip := uint64(1000 + 7201)
	callsBefore := store.GetCalls

	_, err := Run(context.Background(), p, id, cfg, liveTip)
	if !errors.Is(err, errs.ErrTailTooLong) {
		t.Fatalf("expected ErrTailTooLong, got %v", err)
	}

	// Only the metadata fetch should have happened; no shard fetches.
	if store.GetCalls != callsBefore+1 {
		t.Fatalf("expected exactly 1 GetBytes call (metadata only), got %d more", store.GetCalls-callsBefore)
	}
}

// Only ActionAny rules proceed; everything else is rejected up front.
func TestBackfillRejectsUnsupportedRule(t *testing.T) {
	store := objectstoretest.New()
	rpc := blockrpctest.New()
	state := statestoretest.New()
	q := queuetest.New()
	p := newTestPipeline(store, rpc, state, q)

	startHeight := uint64(100)
	cfg := registrytypes.IndexerConfig{
		StartBlockHeight: &startHeight,
		Filter: registrytypes.MatchingRule{
			Event: &registrytypes.EventRule{ContractAccountID: "test.near", Standard: "nep171", Version: "1.0.0", Event: "nft_mint"},
		},
		CreatedAtBlockHeight: 1,
	}
	id := registrytypes.IndexerIdentity{AccountID: "test.near", FunctionName: "my_indexer"}

	_, err := Run(context.Background(), p, id, cfg, 1000)
	if !errors.Is(err, errs.ErrUnsupportedRule) {
		t.Fatalf("expected ErrUnsupportedRule, got %v", err)
	}
}

func TestLatestBlockMetadataParses(t *testing.T) {
	raw := `{"last_indexed_block":"106309326","first_indexed_block":"106164983","last_indexed_block_date":"2023-11-22","first_indexed_block_date":"2023-11-21","processed_at_utc":"2023-11-22 22:31:11"}`

	var got LatestBlockMetadata
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := LatestBlockMetadata{
		LastIndexedBlock:      "106309326",
		FirstIndexedBlock:     "106164983",
		LastIndexedBlockDate:  "2023-11-22",
		FirstIndexedBlockDate: "2023-11-21",
		ProcessedAtUTC:        "2023-11-22 22:31:11",
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

// TestBackfillCommaPatternDedupes checks that the merged height list for
// a comma pattern is strictly ascending and free of duplicates even when
// the per-account files overlap.
func TestBackfillCommaPatternDedupes(t *testing.T) {
	store := objectstoretest.New()
	store.PutText(DeltaLakeBucket, latestBlockMetadataKey, `{"last_indexed_block":"1300","first_indexed_block":"1","last_indexed_block_date":"2023-11-20","first_indexed_block_date":"2023-01-01","processed_at_utc":"2023-11-22T00:00:00Z"}`)
	store.PutText(DeltaLakeBucket, indexedActionsFilesFolder+"/x/a/2023-11-20.json", `{"heights":[1100,1200]}`)
	store.PutText(DeltaLakeBucket, indexedActionsFilesFolder+"/y/b/2023-11-20.json", `{"heights":[1100,1150]}`)

	rpc := blockrpctest.New()
	rpc.Timestamps[1050] = time.Date(2023, 11, 20, 12, 0, 0, 0, time.UTC)

	state := statestoretest.New()
	q := queuetest.New()
	p := newTestPipeline(store, rpc, state, q)

	startHeight := uint64(1050)
	cfg := registrytypes.IndexerConfig{
		StartBlockHeight: &startHeight,
		Filter: registrytypes.MatchingRule{
			ActionAny: &registrytypes.ActionAnyRule{AffectedAccountID: "a.x, b.y", Status: "ANY"},
		},
		CreatedAtBlockHeight: 1,
	}
	id := registrytypes.IndexerIdentity{AccountID: "test.near", FunctionName: "my_indexer"}

	result, err := Run(context.Background(), p, id, cfg, 1301)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.BlocksPublished != 3 {
		t.Fatalf("BlocksPublished = %d, want 3", result.BlocksPublished)
	}

	got := state.Stream(statestore.HistoricalStreamKey(id.FullName()))
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("heights not strictly ascending: %v", got)
		}
	}
	if len(got) != 3 || got[0] != 1100 || got[1] != 1150 || got[2] != 1200 {
		t.Fatalf("stream = %v, want [1100 1150 1200]", got)
	}
}

// TestBackfillDecodesBitmapIndexFiles covers the compressed index-file
// variant: a base64 Elias-gamma bitmap expands through the bitmap decoder
// into the same heights a plain file would list.
func TestBackfillDecodesBitmapIndexFiles(t *testing.T) {
	encoded, err := bitmap.Encode(1000, []uint64{1100, 1200})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	indexFile, err := json.Marshal(map[string]interface{}{
		"start_block_height": 1000,
		"bitmap":             encoded, // marshals as base64
	})
	if err != nil {
		t.Fatalf("marshal index file: %v", err)
	}

	store := objectstoretest.New()
	store.PutText(DeltaLakeBucket, latestBlockMetadataKey, `{"last_indexed_block":"1300","first_indexed_block":"1","last_indexed_block_date":"2023-11-20","first_indexed_block_date":"2023-01-01","processed_at_utc":"2023-11-22T00:00:00Z"}`)
	store.PutText(DeltaLakeBucket, indexedActionsFilesFolder+"/near/test/2023-11-20.json", string(indexFile))

	rpc := blockrpctest.New()
	rpc.Timestamps[1050] = time.Date(2023, 11, 20, 12, 0, 0, 0, time.UTC)

	state := statestoretest.New()
	q := queuetest.New()
	p := newTestPipeline(store, rpc, state, q)

	startHeight := uint64(1050)
	cfg := registrytypes.IndexerConfig{
		StartBlockHeight:     &startHeight,
		Filter:               testRule(),
		CreatedAtBlockHeight: 1,
	}
	id := registrytypes.IndexerIdentity{AccountID: "test.near", FunctionName: "my_indexer"}

	result, err := Run(context.Background(), p, id, cfg, 1301)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.BlocksPublished != 2 {
		t.Fatalf("BlocksPublished = %d, want 2", result.BlocksPublished)
	}

	got := state.Stream(statestore.HistoricalStreamKey(id.FullName()))
	if len(got) != 2 || got[0] != 1100 || got[1] != 1200 {
		t.Fatalf("stream = %v, want [1100 1200]", got)
	}
}
