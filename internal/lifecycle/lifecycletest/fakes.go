// Package lifecycletest provides hand-written fakes for the lifecycle
// manager's handler interfaces.
package lifecycletest

import (
	"context"
	"sync"

	"github.com/near/historical-backfiller/internal/registrytypes"
)

// DataLayer is a fake lifecycle.DataLayerHandler whose behavior is
// controlled by ProvisionErr/DeprovisionErr.
type DataLayer struct {
	mu             sync.Mutex
	ProvisionErr   error
	DeprovisionErr error
	Provisioned    map[string]bool
}

func NewDataLayer() *DataLayer {
	return &DataLayer{Provisioned: make(map[string]bool)}
}

func (d *DataLayer) EnsureProvisioned(_ context.Context, id registrytypes.IndexerIdentity, _ registrytypes.IndexerConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ProvisionErr != nil {
		return d.ProvisionErr
	}
	d.Provisioned[id.FullName()] = true
	return nil
}

func (d *DataLayer) EnsureDeprovisioned(_ context.Context, id registrytypes.IndexerIdentity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DeprovisionErr != nil {
		return d.DeprovisionErr
	}
	delete(d.Provisioned, id.FullName())
	return nil
}

// BlockStreams is a fake lifecycle.BlockStreamsHandler recording every
// synchronise/stop call it receives.
type BlockStreams struct {
	mu           sync.Mutex
	SyncErr      error
	StopErr      error
	SyncCalls    int
	StopCalls    int
	LastSyncedAt *uint64
}

func NewBlockStreams() *BlockStreams { return &BlockStreams{} }

func (b *BlockStreams) SynchroniseBlockStream(_ context.Context, _ registrytypes.IndexerIdentity, _ registrytypes.IndexerConfig, syncedAt *uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SyncCalls++
	b.LastSyncedAt = syncedAt
	return b.SyncErr
}

func (b *BlockStreams) StopIfNeeded(_ context.Context, _ registrytypes.IndexerIdentity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.StopCalls++
	return b.StopErr
}

// Executors is a fake lifecycle.ExecutorsHandler recording every call.
type Executors struct {
	mu        sync.Mutex
	SyncErr   error
	StopErr   error
	SyncCalls int
	StopCalls int
}

func NewExecutors() *Executors { return &Executors{} }

func (e *Executors) SynchroniseExecutor(_ context.Context, _ registrytypes.IndexerIdentity, _ registrytypes.IndexerConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SyncCalls++
	return e.SyncErr
}

func (e *Executors) StopIfNeeded(_ context.Context, _ registrytypes.IndexerIdentity) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StopCalls++
	return e.StopErr
}
