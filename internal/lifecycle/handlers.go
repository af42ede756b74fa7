// Handlers for the three operations the lifecycle manager delegates to:
// data-layer provisioning, block-stream start/stop, and executor
// start/stop. Their real implementations live in external services; the
// Local* types here are in-process stand-ins backed by the backfill
// pipeline and an in-memory worker registry, so the root main.go can run
// end to end without an external scheduler while the interfaces stay
// swappable.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/near/historical-backfiller/internal/backfill"
	"github.com/near/historical-backfiller/internal/registrytypes"
)

// DataLayerHandler provisions and deprovisions the per-indexer data-layer
// resources.
type DataLayerHandler interface {
	EnsureProvisioned(ctx context.Context, id registrytypes.IndexerIdentity, cfg registrytypes.IndexerConfig) error
	EnsureDeprovisioned(ctx context.Context, id registrytypes.IndexerIdentity) error
}

// BlockStreamsHandler starts/restarts and stops an indexer's block
// stream. SynchroniseBlockStream is the hook through which entering
// Running triggers the backfill pipeline.
type BlockStreamsHandler interface {
	SynchroniseBlockStream(ctx context.Context, id registrytypes.IndexerIdentity, cfg registrytypes.IndexerConfig, syncedAt *uint64) error
	StopIfNeeded(ctx context.Context, id registrytypes.IndexerIdentity) error
}

// ExecutorsHandler starts/restarts and stops an indexer's executor
// workers.
type ExecutorsHandler interface {
	SynchroniseExecutor(ctx context.Context, id registrytypes.IndexerIdentity, cfg registrytypes.IndexerConfig) error
	StopIfNeeded(ctx context.Context, id registrytypes.IndexerIdentity) error
}

// LocalDataLayerHandler tracks provisioning state in memory, standing in
// for the real data-layer provisioning RPC.
type LocalDataLayerHandler struct {
	mu          sync.Mutex
	provisioned map[string]bool
}

func NewLocalDataLayerHandler() *LocalDataLayerHandler {
	return &LocalDataLayerHandler{provisioned: make(map[string]bool)}
}

func (h *LocalDataLayerHandler) EnsureProvisioned(_ context.Context, id registrytypes.IndexerIdentity, _ registrytypes.IndexerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.provisioned[id.FullName()] = true
	return nil
}

func (h *LocalDataLayerHandler) EnsureDeprovisioned(_ context.Context, id registrytypes.IndexerIdentity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.provisioned, id.FullName())
	return nil
}

// LocalBlockStreamsHandler runs the backfill pipeline in-process whenever
// synchronisation is due (block_stream_synced_at differs from the
// config's registry version), then marks the block stream "running" for
// StopIfNeeded bookkeeping.
type LocalBlockStreamsHandler struct {
	Pipeline *backfill.Pipeline
	// LiveTipHeight supplies the live tip for one backfill run; wired
	// to the chain RPC's latest finalized height in production.
	LiveTipHeight func(ctx context.Context) (uint64, error)

	mu      sync.Mutex
	running map[string]bool
}

func NewLocalBlockStreamsHandler(pipeline *backfill.Pipeline, liveTip func(ctx context.Context) (uint64, error)) *LocalBlockStreamsHandler {
	return &LocalBlockStreamsHandler{Pipeline: pipeline, LiveTipHeight: liveTip, running: make(map[string]bool)}
}

func (h *LocalBlockStreamsHandler) SynchroniseBlockStream(ctx context.Context, id registrytypes.IndexerIdentity, cfg registrytypes.IndexerConfig, syncedAt *uint64) error {
	version := cfg.RegistryVersion()
	if syncedAt != nil && *syncedAt == version {
		return nil
	}

	liveTip, err := h.LiveTipHeight(ctx)
	if err != nil {
		return fmt.Errorf("resolve live tip for %s: %w", id.FullName(), err)
	}

	if _, err := backfill.Run(ctx, h.Pipeline, id, cfg, liveTip); err != nil {
		// NothingToDo is an expected outcome (e.g. no start_block_height,
		// or the tip hasn't moved past it yet); treat it as a completed
		// synchronisation, not a retry-triggering failure.
		if isNothingToDo(err) {
			log.Printf("[lifecycle] %s: nothing to backfill: %v", id.FullName(), err)
		} else {
			return err
		}
	}

	h.mu.Lock()
	h.running[id.FullName()] = true
	h.mu.Unlock()
	return nil
}

func (h *LocalBlockStreamsHandler) StopIfNeeded(_ context.Context, id registrytypes.IndexerIdentity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.running, id.FullName())
	return nil
}

// LocalExecutorsHandler tracks executor liveness in memory, standing in
// for the real downstream executor.
type LocalExecutorsHandler struct {
	mu      sync.Mutex
	running map[string]bool
}

func NewLocalExecutorsHandler() *LocalExecutorsHandler {
	return &LocalExecutorsHandler{running: make(map[string]bool)}
}

func (h *LocalExecutorsHandler) SynchroniseExecutor(_ context.Context, id registrytypes.IndexerIdentity, _ registrytypes.IndexerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running[id.FullName()] = true
	return nil
}

func (h *LocalExecutorsHandler) StopIfNeeded(_ context.Context, id registrytypes.IndexerIdentity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.running, id.FullName())
	return nil
}
