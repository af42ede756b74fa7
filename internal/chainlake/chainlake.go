// Package chainlake fetches raw per-block/shard objects from a chain's
// lake bucket and evaluates the ActionAny matching rule against them, for
// the backfill pipeline's tail scan. Only ActionAny is evaluated here;
// function-call and event rules are rejected upstream before the scan.
package chainlake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/near/historical-backfiller/internal/errs"
	"github.com/near/historical-backfiller/internal/objectstore"
	"github.com/near/historical-backfiller/internal/registrytypes"
)

// LakeBucketPrefix is the default per-chain lake bucket name prefix.
const LakeBucketPrefix = "near-lake-data-"

// LakeBucketForChain mirrors lake_bucket_for_chain.
func LakeBucketForChain(prefix, chainID string) string {
	return prefix + chainID
}

// NormalizeBlockHeight zero-pads a height to the 12-digit object key
// prefix used by the lake bucket layout.
func NormalizeBlockHeight(height uint64) string {
	return fmt.Sprintf("%012d", height)
}

// BlockView is the subset of a NEAR block header needed for the tail
// scan: only the chunk count, to know how many shard files to fetch.
type BlockView struct {
	Chunks []json.RawMessage `json:"chunks"`
}

// ExecutionOutcome is one receipt's outcome as stored in a shard file.
type ExecutionOutcome struct {
	ReceiverID    string          `json:"receiver_id"`
	PredecessorID string          `json:"predecessor_id"`
	Status        json.RawMessage `json:"status"`
}

// Shard is one shard's execution outcomes.
type Shard struct {
	ExecutionOutcomes []ExecutionOutcome `json:"receipt_execution_outcomes"`
}

// StreamerMessage is the assembled (block, shards) unit the rule is
// evaluated against.
type StreamerMessage struct {
	Block  BlockView
	Shards []Shard
}

// Client fetches and assembles StreamerMessages from a chain's lake
// bucket through the supplied object-store client (the Lake Cache in
// production).
type Client struct {
	store  objectstore.Client
	bucket string
}

func New(store objectstore.Client, bucket string) *Client {
	return &Client{store: store, bucket: bucket}
}

// FetchBlock retrieves and assembles the block + all its shards at height.
func (c *Client) FetchBlock(ctx context.Context, height uint64) (StreamerMessage, error) {
	padded := NormalizeBlockHeight(height)

	blockText, err := c.store.GetText(ctx, c.bucket, padded+"/block.json")
	if err != nil {
		return StreamerMessage{}, err
	}

	var block BlockView
	if err := json.Unmarshal([]byte(blockText), &block); err != nil {
		return StreamerMessage{}, fmt.Errorf("%w: parse block %d: %v", errs.ErrDecode, height, err)
	}

	shards := make([]Shard, len(block.Chunks))
	for i := range block.Chunks {
		key := fmt.Sprintf("%s/shard_%d.json", padded, i)
		shardText, err := c.store.GetText(ctx, c.bucket, key)
		if err != nil {
			return StreamerMessage{}, err
		}
		var shard Shard
		if err := json.Unmarshal([]byte(shardText), &shard); err != nil {
			return StreamerMessage{}, fmt.Errorf("%w: parse shard %d of block %d: %v", errs.ErrDecode, i, height, err)
		}
		shards[i] = shard
	}

	return StreamerMessage{Block: block, Shards: shards}, nil
}

// statusMatches reports whether a receipt's raw status tag satisfies an
// ActionAny rule's status filter ("ANY" matches everything; any other
// value is matched against the status object's tag name case-insensitively).
func statusMatches(wantStatus string, rawStatus json.RawMessage) bool {
	if wantStatus == "" || strings.EqualFold(wantStatus, "ANY") {
		return true
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(rawStatus, &tagged); err != nil {
		return false
	}
	for tag := range tagged {
		if strings.EqualFold(tag, wantStatus) {
			return true
		}
	}
	return false
}

// Match reports whether msg contains at least one receipt outcome whose
// receiver (or predecessor) account matches rule.AffectedAccountID and
// whose status satisfies rule.Status.
func Match(rule registrytypes.ActionAnyRule, msg StreamerMessage) bool {
	for _, shard := range msg.Shards {
		for _, outcome := range shard.ExecutionOutcomes {
			if outcome.ReceiverID != rule.AffectedAccountID && outcome.PredecessorID != rule.AffectedAccountID {
				continue
			}
			if statusMatches(rule.Status, outcome.Status) {
				return true
			}
		}
	}
	return false
}
