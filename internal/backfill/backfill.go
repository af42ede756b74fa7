// Package backfill implements the historical block discovery pipeline:
// the discovery and publish sequence run once per indexer whenever its
// lifecycle manager decides a backfill is due. Pre-computed daily index
// files cover most of the interval; the gap between the newest indexed
// day and the live tip is scanned block by block against the matching
// rule, and every matched height is published to the indexer's stream
// and execution queue.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/near/historical-backfiller/internal/bitmap"
	"github.com/near/historical-backfiller/internal/blockrpc"
	"github.com/near/historical-backfiller/internal/chainlake"
	"github.com/near/historical-backfiller/internal/errs"
	"github.com/near/historical-backfiller/internal/locator"
	"github.com/near/historical-backfiller/internal/metrics"
	"github.com/near/historical-backfiller/internal/objectstore"
	"github.com/near/historical-backfiller/internal/queue"
	"github.com/near/historical-backfiller/internal/registrytypes"
	"github.com/near/historical-backfiller/internal/statestore"
)

const (
	DeltaLakeBucket           = "near-delta-lake"
	latestBlockMetadataKey    = "silver/accounts/action_receipt_actions/metadata/latest_block.json"
	indexedActionsFilesFolder = "silver/accounts/action_receipt_actions"

	// MaxTailBlocks caps how many unindexed blocks the tail scan will
	// walk before giving up.
	MaxTailBlocks = 7200
)

// LatestBlockMetadata is the delta lake's latest_block.json shape.
type LatestBlockMetadata struct {
	LastIndexedBlock      string `json:"last_indexed_block"`
	FirstIndexedBlock     string `json:"first_indexed_block"`
	LastIndexedBlockDate  string `json:"last_indexed_block_date"`
	FirstIndexedBlockDate string `json:"first_indexed_block_date"`
	ProcessedAtUTC        string `json:"processed_at_utc"`
}

// Pipeline bundles the collaborators the Backfill Pipeline needs.
type Pipeline struct {
	Store       objectstore.Client // the Lake Cache, in production
	Locator     *locator.Locator
	ChainLake   *chainlake.Client
	BlockRPC    blockrpc.Client
	State       statestore.Interface
	Queue       queue.Enqueuer
	ChainID     string
	DeltaBucket string
	LakeBucket  string
}

// Result summarizes one pipeline run, for logging and metrics.
type Result struct {
	Delta           int64
	BlocksPublished int
}

// Run executes one backfill for one indexer: validate the rule, resolve
// the start date, expand the daily index files, scan the unindexed tail,
// and publish every matched height.
func Run(ctx context.Context, p *Pipeline, id registrytypes.IndexerIdentity, cfg registrytypes.IndexerConfig, liveTipHeight uint64) (Result, error) {
	startBlock := cfg.ResolvedStartBlock()
	if startBlock.Kind != registrytypes.StartBlockHeight {
		return Result{}, fmt.Errorf("%w: start_block is not an explicit height for %s", errs.ErrNothingToDo, id.FullName())
	}
	startBlockHeight := startBlock.Height

	// Step 1: precondition.
	delta := int64(liveTipHeight) - int64(startBlockHeight)
	if delta <= 0 {
		return Result{}, fmt.Errorf("%w: start_block_height %d >= live_tip_height %d for %s", errs.ErrNothingToDo, startBlockHeight, liveTipHeight, id.FullName())
	}

	// Step 2: reject unsupported rules.
	rule, err := cfg.Filter.Validate()
	if err != nil {
		return Result{}, err
	}

	// Step 3: resolve start_date.
	startDate, err := blockrpc.ResolveStartDate(ctx, p.BlockRPC, startBlockHeight)
	if err != nil {
		return Result{}, err
	}

	// Step 4: read latest-block metadata.
	metadataText, err := p.Store.GetText(ctx, p.DeltaBucket, latestBlockMetadataKey)
	if err != nil {
		return Result{}, err
	}
	var latestMeta LatestBlockMetadata
	if err := json.Unmarshal([]byte(metadataText), &latestMeta); err != nil {
		return Result{}, fmt.Errorf("%w: parse latest_block.json: %v", errs.ErrDecode, err)
	}
	var lastIndexedBlock uint64
	if _, err := fmt.Sscanf(latestMeta.LastIndexedBlock, "%d", &lastIndexedBlock); err != nil {
		return Result{}, fmt.Errorf("%w: last_indexed_block %q is not a uint64: %v", errs.ErrDecode, latestMeta.LastIndexedBlock, err)
	}

	// Step 5: index-file phase.
	indexContents, needsDedupe, err := p.Locator.FetchContractIndexFiles(ctx, p.DeltaBucket, indexedActionsFilesFolder, startDate, rule.AffectedAccountID)
	if err != nil {
		return Result{}, err
	}
	blocksFromIndex := parseBlocksFromIndexFiles(indexContents, startBlockHeight, liveTipHeight)
	if needsDedupe {
		blocksFromIndex = sortDedupe(blocksFromIndex)
	}

	// Step 6: freshness reconciliation.
	newestIndexed := lastIndexedBlock
	if len(blocksFromIndex) > 0 && blocksFromIndex[len(blocksFromIndex)-1] > newestIndexed {
		newestIndexed = blocksFromIndex[len(blocksFromIndex)-1]
	}

	// Step 7: tail-scan phase.
	tailBlocks, err := tailScan(ctx, p, rule, newestIndexed, liveTipHeight)
	if err != nil {
		return Result{}, err
	}

	allBlocks := append(blocksFromIndex, tailBlocks...)

	// Step 8: publish.
	if err := publish(ctx, p, id, cfg, allBlocks); err != nil {
		return Result{}, err
	}

	metrics.BackfillRunsTotal.WithLabelValues("success").Inc()
	metrics.BackfillBlocksPublishedTotal.Add(float64(len(allBlocks)))

	return Result{Delta: delta, BlocksPublished: len(allBlocks)}, nil
}

// parseBlocksFromIndexFiles expands each daily index file into block
// heights within [startBlockHeight, liveTipHeight). Two file shapes exist
// in the delta lake: the plain {"heights":[...]} array, and the
// compressed variant carrying a base64 Elias-gamma bitmap keyed by the
// day's first block height, expanded through the bitmap decoder.
func parseBlocksFromIndexFiles(contents []string, startBlockHeight, liveTipHeight uint64) []uint64 {
	var heights []uint64
	for _, content := range contents {
		var parsed struct {
			Heights          []uint64 `json:"heights"`
			StartBlockHeight int64    `json:"start_block_height"`
			Bitmap           []byte   `json:"bitmap"`
		}
		if err := json.Unmarshal([]byte(content), &parsed); err != nil {
			log.Printf("[backfill] unable to parse index file, skipping: %v", err)
			continue
		}

		dayHeights := parsed.Heights
		if len(parsed.Bitmap) > 0 {
			decoded, err := bitmap.Decode(parsed.StartBlockHeight, parsed.Bitmap)
			if err != nil {
				log.Printf("[backfill] unable to decode index bitmap, skipping: %v", err)
				continue
			}
			dayHeights = decoded
		}

		for _, h := range dayHeights {
			if h >= startBlockHeight && h < liveTipHeight {
				heights = append(heights, h)
			}
		}
	}
	return heights
}

func sortDedupe(heights []uint64) []uint64 {
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	out := heights[:0]
	var last uint64
	haveLast := false
	for _, h := range heights {
		if haveLast && h == last {
			continue
		}
		out = append(out, h)
		last = h
		haveLast = true
	}
	return out
}

func tailScan(ctx context.Context, p *Pipeline, rule registrytypes.ActionAnyRule, newestIndexed, liveTipHeight uint64) ([]uint64, error) {
	if liveTipHeight <= newestIndexed {
		return nil, nil
	}
	count := liveTipHeight - newestIndexed
	if count > MaxTailBlocks {
		return nil, fmt.Errorf("%w: %d unindexed blocks exceeds cap of %d", errs.ErrTailTooLong, count, MaxTailBlocks)
	}

	var matched []uint64
	for h := newestIndexed + 1; h < liveTipHeight; h++ {
		msg, err := p.ChainLake.FetchBlock(ctx, h)
		if err != nil {
			return nil, err
		}
		if chainlake.Match(rule, msg) {
			matched = append(matched, h)
		}
	}
	return matched, nil
}

func publish(ctx context.Context, p *Pipeline, id registrytypes.IndexerIdentity, cfg registrytypes.IndexerConfig, blocks []uint64) error {
	if len(blocks) == 0 {
		return nil
	}

	fullName := id.FullName()
	historicalStreamKey := statestore.HistoricalStreamKey(fullName)

	if err := p.State.RegisterStream(historicalStreamKey); err != nil {
		return err
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: marshal indexer config: %v", errs.ErrDecode, err)
	}
	if err := p.State.SetHistoricalStorage(fullName, configJSON); err != nil {
		return err
	}

	firstBlockInBatch := blocks[0]

	for _, height := range blocks {
		if err := p.State.AppendBlockHeight(historicalStreamKey, height); err != nil {
			return err
		}

		msg := queue.Message{
			ChainID:         p.ChainID,
			IndexerRuleName: id.FunctionName,
			BlockHeight:     height,
			IndexerFunction: id,
			IsHistorical:    true,
			Provisioned:     height != firstBlockInBatch,
		}
		if err := p.Queue.Enqueue(ctx, msg); err != nil {
			log.Printf("[backfill] failed to enqueue block %d for %s: %v", height, fullName, err)
		}
	}

	return nil
}
