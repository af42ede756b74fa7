// Package lifecycle runs one long-lived reconciliation loop per indexer,
// driving the seven-state machine (Initializing -> Running -> Stopping ->
// Stopped, with Repairing and Deleting/Deleted as terminal-adjacent
// states) against the registry config and the persisted state record.
package lifecycle

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/near/historical-backfiller/internal/errs"
	"github.com/near/historical-backfiller/internal/registrytypes"
	"github.com/near/historical-backfiller/internal/statestore"
)

// LoopPeriod is the reconciliation loop cadence.
const LoopPeriod = 1000 * time.Millisecond

// stateWriteRetryDelay is the backoff between state persist retries.
const stateWriteRetryDelay = 1 * time.Second

// ConfigFetcher resolves the latest registry config for one indexer,
// returning (nil, nil) if the user deleted the registry entry.
type ConfigFetcher func(ctx context.Context, id registrytypes.IndexerIdentity) (*registrytypes.IndexerConfig, error)

// Manager owns exactly one indexer identity's reconciliation loop; no
// two managers touch the same state key.
type Manager struct {
	ID             registrytypes.IndexerIdentity
	FetchConfig    ConfigFetcher
	State          statestore.Interface
	DataLayer      DataLayerHandler
	BlockStreams   BlockStreamsHandler
	Executors      ExecutorsHandler
	LoopPeriod     time.Duration
	RetryDelay     time.Duration
	firstIteration bool
}

// New builds a Manager for one indexer with the default loop cadence and
// persist-retry backoff.
func New(id registrytypes.IndexerIdentity, fetchConfig ConfigFetcher, state statestore.Interface, dataLayer DataLayerHandler, blockStreams BlockStreamsHandler, executors ExecutorsHandler) *Manager {
	return &Manager{
		ID:             id,
		FetchConfig:    fetchConfig,
		State:          state,
		DataLayer:      dataLayer,
		BlockStreams:   blockStreams,
		Executors:      executors,
		LoopPeriod:     LoopPeriod,
		RetryDelay:     stateWriteRetryDelay,
		firstIteration: true,
	}
}

// Run executes the reconciliation loop until the indexer reaches Deleted
// or ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	fullName := m.ID.FullName()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.LoopPeriod):
		}

		cfg, err := m.FetchConfig(ctx, m.ID)
		if err != nil {
			log.Printf("[lifecycle] %s: failed to fetch config: %v", fullName, err)
			continue
		}

		state, err := m.State.GetState(m.ID.AccountID, m.ID.FunctionName)
		if err != nil {
			log.Printf("[lifecycle] %s: failed to get state: %v", fullName, err)
			continue
		}

		if m.firstIteration {
			log.Printf("[lifecycle] %s: initial lifecycle state: %s", fullName, state.LifecycleState)
			m.firstIteration = false
		}

		desired := m.dispatch(ctx, cfg, &state)

		if desired != state.LifecycleState {
			log.Printf("[lifecycle] %s: transitioning lifecycle state: %s -> %s", fullName, state.LifecycleState, desired)
		}

		if desired == statestore.Deleted {
			return
		}

		state.LifecycleState = desired
		m.persist(ctx, state)
	}
}

// dispatch runs exactly one handler step for the current state.
func (m *Manager) dispatch(ctx context.Context, cfg *registrytypes.IndexerConfig, state *statestore.IndexerState) statestore.LifecycleState {
	switch state.LifecycleState {
	case statestore.Initializing:
		return m.handleInitializing(ctx, cfg)
	case statestore.Running:
		return m.handleRunning(ctx, cfg, state)
	case statestore.Stopping:
		return m.handleStopping(ctx, cfg)
	case statestore.Stopped:
		return m.handleStopped(cfg, state)
	case statestore.Repairing:
		return m.handleRepairing(cfg)
	case statestore.Deleting:
		return m.handleDeleting(ctx, state)
	case statestore.Deleted:
		return statestore.Deleted
	default:
		// Unknown persisted state: treat like Initializing rather than
		// silently looping forever on a value this process doesn't know.
		return m.handleInitializing(ctx, cfg)
	}
}

func (m *Manager) handleInitializing(ctx context.Context, cfg *registrytypes.IndexerConfig) statestore.LifecycleState {
	if cfg == nil {
		return statestore.Deleting
	}
	if err := m.DataLayer.EnsureProvisioned(ctx, m.ID, *cfg); err != nil {
		log.Printf("[lifecycle] %s: data layer provisioning failed: %v", m.ID.FullName(), err)
		return statestore.Repairing
	}
	return statestore.Running
}

func (m *Manager) handleRunning(ctx context.Context, cfg *registrytypes.IndexerConfig, state *statestore.IndexerState) statestore.LifecycleState {
	if cfg == nil {
		return statestore.Deleting
	}
	if !state.Enabled {
		return statestore.Stopping
	}

	if err := m.BlockStreams.SynchroniseBlockStream(ctx, m.ID, *cfg, state.BlockStreamSyncedAt); err != nil {
		log.Printf("[lifecycle] %s: failed to synchronise block stream, retrying: %v", m.ID.FullName(), err)
		return statestore.Running
	}
	version := cfg.RegistryVersion()
	state.BlockStreamSyncedAt = &version

	if err := m.Executors.SynchroniseExecutor(ctx, m.ID, *cfg); err != nil {
		log.Printf("[lifecycle] %s: failed to synchronise executor, retrying: %v", m.ID.FullName(), err)
		return statestore.Running
	}

	return statestore.Running
}

func (m *Manager) handleStopping(ctx context.Context, cfg *registrytypes.IndexerConfig) statestore.LifecycleState {
	if cfg == nil {
		return statestore.Deleting
	}
	if err := m.BlockStreams.StopIfNeeded(ctx, m.ID); err != nil {
		log.Printf("[lifecycle] %s: failed to stop block stream, retrying: %v", m.ID.FullName(), err)
		return statestore.Stopping
	}
	if err := m.Executors.StopIfNeeded(ctx, m.ID); err != nil {
		log.Printf("[lifecycle] %s: failed to stop executor, retrying: %v", m.ID.FullName(), err)
		return statestore.Stopping
	}
	return statestore.Stopped
}

func (m *Manager) handleStopped(cfg *registrytypes.IndexerConfig, state *statestore.IndexerState) statestore.LifecycleState {
	if cfg == nil {
		return statestore.Deleting
	}
	if state.Enabled {
		return statestore.Running
	}
	return statestore.Stopped
}

func (m *Manager) handleRepairing(cfg *registrytypes.IndexerConfig) statestore.LifecycleState {
	if cfg == nil {
		return statestore.Deleting
	}
	// Placeholder for remediation; a dead-end state pending manual
	// intervention.
	return statestore.Repairing
}

func (m *Manager) handleDeleting(ctx context.Context, state *statestore.IndexerState) statestore.LifecycleState {
	if err := m.BlockStreams.StopIfNeeded(ctx, m.ID); err != nil {
		log.Printf("[lifecycle] %s: failed to stop block stream during delete: %v", m.ID.FullName(), err)
	}
	if err := m.Executors.StopIfNeeded(ctx, m.ID); err != nil {
		log.Printf("[lifecycle] %s: failed to stop executor during delete: %v", m.ID.FullName(), err)
	}

	if err := m.State.DeleteState(m.ID.AccountID, m.ID.FunctionName); err != nil {
		log.Printf("[lifecycle] %s: failed to delete state, retrying: %v", m.ID.FullName(), err)
		return statestore.Deleting
	}

	log.Printf("[lifecycle] %s: clearing block stream", m.ID.FullName())
	if err := m.State.DeleteStream(m.ID.AccountID, m.ID.FunctionName); err != nil {
		log.Printf("[lifecycle] %s: failed to delete stream, retrying: %v", m.ID.FullName(), err)
		return statestore.Deleting
	}

	if err := m.DataLayer.EnsureDeprovisioned(ctx, m.ID); err != nil {
		log.Printf("[lifecycle] %s: data layer deprovisioning failed: %v", m.ID.FullName(), err)
		return statestore.Deleted
	}

	return statestore.Deleted
}

// persist retries the state write indefinitely with a fixed backoff,
// since a lost transition would desynchronise the loop from the handlers
// it already ran.
func (m *Manager) persist(ctx context.Context, state statestore.IndexerState) {
	for {
		if err := m.State.SetState(state); err == nil {
			return
		} else {
			log.Printf("[lifecycle] %s: failed to set state, retrying: %v", m.ID.FullName(), err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.RetryDelay):
		}
	}
}

func isNothingToDo(err error) bool {
	return errors.Is(err, errs.ErrNothingToDo)
}
