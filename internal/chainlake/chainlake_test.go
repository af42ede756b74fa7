package chainlake

import (
	"context"
	"testing"

	"github.com/near/historical-backfiller/internal/objectstore/objectstoretest"
	"github.com/near/historical-backfiller/internal/registrytypes"
)

func TestNormalizeBlockHeight(t *testing.T) {
	if got := NormalizeBlockHeight(106309326); got != "000106309326" {
		t.Errorf("got %q", got)
	}
	if got := NormalizeBlockHeight(5); got != "000000000005" {
		t.Errorf("got %q", got)
	}
}

func TestLakeBucketForChain(t *testing.T) {
	if got := LakeBucketForChain(LakeBucketPrefix, "mainnet"); got != "near-lake-data-mainnet" {
		t.Errorf("got %q", got)
	}
}

func TestFetchBlockAssemblesShards(t *testing.T) {
	fake := objectstoretest.New()
	padded := NormalizeBlockHeight(100)
	fake.PutText("bucket", padded+"/block.json", `{"chunks":[{},{}]}`)
	fake.PutText("bucket", padded+"/shard_0.json", `{"receipt_execution_outcomes":[{"receiver_id":"a.near","predecessor_id":"b.near","status":{"SuccessValue":""}}]}`)
	fake.PutText("bucket", padded+"/shard_1.json", `{"receipt_execution_outcomes":[]}`)

	c := New(fake, "bucket")
	msg, err := c.FetchBlock(context.Background(), 100)
	if err != nil {
		t.Fatalf("FetchBlock: %v", err)
	}
	if len(msg.Shards) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(msg.Shards))
	}
	if len(msg.Shards[0].ExecutionOutcomes) != 1 {
		t.Fatalf("expected 1 outcome in shard 0")
	}
}

func TestMatchActionAny(t *testing.T) {
	msg := StreamerMessage{
		Shards: []Shard{
			{ExecutionOutcomes: []ExecutionOutcome{
				{ReceiverID: "a.near", PredecessorID: "x.near", Status: []byte(`{"SuccessValue":""}`)},
			}},
		},
	}

	matching := registrytypes.ActionAnyRule{AffectedAccountID: "a.near", Status: "ANY"}
	if !Match(matching, msg) {
		t.Error("expected match on receiver_id")
	}

	noMatch := registrytypes.ActionAnyRule{AffectedAccountID: "nobody.near", Status: "ANY"}
	if Match(noMatch, msg) {
		t.Error("expected no match for unrelated account")
	}

	wrongStatus := registrytypes.ActionAnyRule{AffectedAccountID: "a.near", Status: "FAILURE"}
	if Match(wrongStatus, msg) {
		t.Error("expected no match when status tag differs")
	}
}
