package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/near/historical-backfiller/internal/backfill"
	"github.com/near/historical-backfiller/internal/blockrpc"
	"github.com/near/historical-backfiller/internal/chainlake"
	"github.com/near/historical-backfiller/internal/config"
	"github.com/near/historical-backfiller/internal/lakecache"
	"github.com/near/historical-backfiller/internal/lifecycle"
	"github.com/near/historical-backfiller/internal/locator"
	"github.com/near/historical-backfiller/internal/objectstore"
	"github.com/near/historical-backfiller/internal/queue"
	"github.com/near/historical-backfiller/internal/registry"
	"github.com/near/historical-backfiller/internal/registrytypes"
	"github.com/near/historical-backfiller/internal/statestore"
)

// registryRefreshPeriod controls how often main starts managers for
// indexers the boot-time fetch missed (newly registered since startup).
const registryRefreshPeriod = 30 * time.Second

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	log.Println("Initializing historical-backfiller...")
	log.Printf("Build: %s", BuildCommit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Dependencies
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

	registryClient := registry.New(cfg.RegistryRPCURL, cfg.RegistryContractID)

	indexers, err := registryClient.FetchAll(ctx)
	if err != nil {
		log.Fatalf("Failed to fetch registry at startup: %v", err)
	}
	log.Printf("Fetched %d indexer(s) from registry at startup", len(indexers))

	if err := migrateIndexerStates(state, indexers); err != nil {
		log.Fatalf("Failed to migrate indexer states: %v", err)
	}

	// 3. Backfill pipeline + lifecycle handlers
	pipeline := &backfill.Pipeline{
		Store:     cache,
		Locator:   locator.New(cache),
		ChainLake: chainlake.New(cache, chainlake.LakeBucketForChain(cfg.LakeBucketPrefix, cfg.ChainID)),
		// Reuses the registry RPC endpoint: the registry contract lives on
		// the same chain, so one JSON-RPC node serves both view calls.
		BlockRPC:    blockrpc.New(cfg.RegistryRPCURL),
		State:       state,
		Queue:       sqsQueue,
		ChainID:     cfg.ChainID,
		DeltaBucket: cfg.DeltaLakeBucket,
		LakeBucket:  chainlake.LakeBucketForChain(cfg.LakeBucketPrefix, cfg.ChainID),
	}
	liveTip := pipeline.BlockRPC.FinalHeight

	dataLayer := lifecycle.NewLocalDataLayerHandler()
	blockStreams := lifecycle.NewLocalBlockStreamsHandler(pipeline, liveTip)
	executors := lifecycle.NewLocalExecutorsHandler()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting metrics server on :%s", cfg.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":"+cfg.MetricsPort, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	// 4. One lifecycle manager per indexer
	var wg sync.WaitGroup
	started := make(map[string]bool)
	var startedMu sync.Mutex

	startManager := func(id registrytypes.IndexerIdentity) {
		startedMu.Lock()
		if started[id.FullName()] {
			startedMu.Unlock()
			return
		}
		started[id.FullName()] = true
		startedMu.Unlock()

		fetchConfig := func(ctx context.Context, id registrytypes.IndexerIdentity) (*registrytypes.IndexerConfig, error) {
			return fetchIndexerConfig(ctx, registryClient, id)
		}
		manager := lifecycle.New(id, fetchConfig, state, dataLayer, blockStreams, executors)

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("[lifecycle] starting manager for %s", id.FullName())
			manager.Run(ctx)
			log.Printf("[lifecycle] manager for %s exited", id.FullName())
		}()
	}

	for _, indexer := range indexers {
		startManager(indexer.Identity)
	}

	// Also start managers for every persisted indexer state. An indexer
	// whose registry entry was removed while the process was down is not
	// in the boot-time fetch, but still needs its manager to drive it
	// through Deleting to Deleted.
	persisted, err := state.ListIndexerStates()
	if err != nil {
		log.Printf("Failed to list persisted indexer states: %v", err)
	} else {
		for _, st := range persisted {
			startManager(registrytypes.IndexerIdentity{AccountID: st.AccountID, FunctionName: st.FunctionName})
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		refreshRegistry(ctx, registryClient, startManager)
	}()

	<-sigChan
	log.Println("Shutdown signal received, stopping lifecycle managers...")
	cancel()
	wg.Wait()
	log.Println("Shutdown complete.")
}

// migrateIndexerStates upgrades any legacy state records at boot.
func migrateIndexerStates(state *statestore.Store, indexers []registrytypes.Indexer) error {
	identities := make([]struct{ Account, Function string }, len(indexers))
	for i, indexer := range indexers {
		identities[i] = struct{ Account, Function string }{indexer.Identity.AccountID, indexer.Identity.FunctionName}
	}
	return state.Migrate(identities)
}

// fetchIndexerConfig resolves one indexer's latest config via the
// registry's per-account query, returning (nil, nil) if it is absent.
func fetchIndexerConfig(ctx context.Context, client *registry.Client, id registrytypes.IndexerIdentity) (*registrytypes.IndexerConfig, error) {
	indexers, err := client.FetchAccount(ctx, id.AccountID)
	if err != nil {
		return nil, err
	}
	for _, indexer := range indexers {
		if indexer.Identity.FunctionName == id.FunctionName {
			cfg := indexer.Config
			return &cfg, nil
		}
	}
	return nil, nil
}

// refreshRegistry periodically re-fetches the full registry so indexers
// registered after boot get their own Lifecycle Manager without a
// process restart.
func refreshRegistry(ctx context.Context, client *registry.Client, startManager func(registrytypes.IndexerIdentity)) {
	ticker := time.NewTicker(registryRefreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			indexers, err := client.FetchAll(ctx)
			if err != nil {
				log.Printf("[registry-refresh] failed to fetch registry: %v", err)
				continue
			}
			for _, indexer := range indexers {
				startManager(indexer.Identity)
			}
		}
	}
}
