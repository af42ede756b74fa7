// Command trigger-backfill is an operator CLI that forces one backfill
// run for a single indexer outside of the lifecycle manager's regular
// loop, useful for replaying a failed historical run.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/near/historical-backfiller/internal/backfill"
	"github.com/near/historical-backfiller/internal/blockrpc"
	"github.com/near/historical-backfiller/internal/chainlake"
	"github.com/near/historical-backfiller/internal/config"
	"github.com/near/historical-backfiller/internal/lakecache"
	"github.com/near/historical-backfiller/internal/locator"
	"github.com/near/historical-backfiller/internal/objectstore"
	"github.com/near/historical-backfiller/internal/queue"
	"github.com/near/historical-backfiller/internal/registry"
	"github.com/near/historical-backfiller/internal/registrytypes"
	"github.com/near/historical-backfiller/internal/statestore"
)

func main() {
	var account, function string
	var liveTip uint64
	flag.StringVar(&account, "account", "", "indexer account_id")
	flag.StringVar(&function, "function", "", "indexer function_name")
	flag.Uint64Var(&liveTip, "live-tip", 0, "live tip height; 0 resolves the chain's current final height")
	flag.Parse()

	if account == "" || function == "" {
		log.Fatal("both -account and -function are required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state, err := statestore.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to state store: %v", err)
	}

	s3Client, err := objectstore.NewS3Client(ctx, cfg.LakeAWSRegion)
	if err != nil {
		log.Fatalf("Failed to build object store client: %v", err)
	}
	cache, err := lakecache.New(s3Client, cfg.LakeCacheCapacity)
	if err != nil {
		log.Fatalf("Failed to build lake cache: %v", err)
	}

	sqsQueue, err := queue.New(ctx, cfg.QueueRegion, cfg.QueueURL)
	if err != nil {
		log.Fatalf("Failed to build job queue client: %v", err)
	}

	blockRPC := blockrpc.New(cfg.RegistryRPCURL)

	registryClient := registry.New(cfg.RegistryRPCURL, cfg.RegistryContractID)
	indexers, err := registryClient.FetchAccount(ctx, account)
	if err != nil {
		log.Fatalf("Failed to fetch registry entry for %s: %v", account, err)
	}

	var target *registrytypes.IndexerConfig
	for _, indexer := range indexers {
		if indexer.Identity.FunctionName == function {
			indexerConfig := indexer.Config
			target = &indexerConfig
			break
		}
	}
	if target == nil {
		log.Fatalf("no registry entry found for %s/%s", account, function)
	}

	if liveTip == 0 {
		liveTip, err = blockRPC.FinalHeight(ctx)
		if err != nil {
			log.Fatalf("Failed to resolve live tip: %v", err)
		}
	}

	pipeline := &backfill.Pipeline{
		Store:       cache,
		Locator:     locator.New(cache),
		ChainLake:   chainlake.New(cache, chainlake.LakeBucketForChain(cfg.LakeBucketPrefix, cfg.ChainID)),
		BlockRPC:    blockRPC,
		State:       state,
		Queue:       sqsQueue,
		ChainID:     cfg.ChainID,
		DeltaBucket: cfg.DeltaLakeBucket,
		LakeBucket:  chainlake.LakeBucketForChain(cfg.LakeBucketPrefix, cfg.ChainID),
	}

	id := registrytypes.IndexerIdentity{AccountID: account, FunctionName: function}

	started := time.Now()
	log.Printf("[trigger-backfill] running backfill for %s against live tip %d", id.FullName(), liveTip)

	result, err := backfill.Run(ctx, pipeline, id, *target, liveTip)
	if err != nil {
		log.Fatalf("[trigger-backfill] backfill failed: %v", err)
	}

	log.Printf("[trigger-backfill] published %d block(s) (delta=%d) for %s in %s", result.BlocksPublished, result.Delta, id.FullName(), time.Since(started))
}
