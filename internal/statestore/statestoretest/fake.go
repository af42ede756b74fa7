// Package statestoretest provides an in-memory fake of statestore.Interface.
package statestoretest

import (
	"sync"

	"github.com/near/historical-backfiller/internal/statestore"
)

// Fake is a simple in-memory state store keyed by (account, function).
type Fake struct {
	mu         sync.Mutex
	states     map[string]statestore.IndexerState
	streams    map[string][]uint64
	streamSet  map[string]bool
	historical map[string][]byte
}

func New() *Fake {
	return &Fake{
		states:     make(map[string]statestore.IndexerState),
		streams:    make(map[string][]uint64),
		streamSet:  make(map[string]bool),
		historical: make(map[string][]byte),
	}
}

func key(account, function string) string { return account + "/" + function }

func (f *Fake) GetState(account, function string) (statestore.IndexerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.states[key(account, function)]; ok {
		return s, nil
	}
	return statestore.IndexerState{
		AccountID:      account,
		FunctionName:   function,
		Enabled:        true,
		LifecycleState: statestore.Initializing,
	}, nil
}

func (f *Fake) SetState(state statestore.IndexerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[key(state.AccountID, state.FunctionName)] = state
	return nil
}

func (f *Fake) DeleteState(account, function string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, key(account, function))
	return nil
}

func (f *Fake) DeleteStream(account, function string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, statestore.BlockStreamKey(account, function))
	return nil
}

func (f *Fake) AppendBlockHeight(streamKey string, height uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[streamKey] = append(f.streams[streamKey], height)
	return nil
}

func (f *Fake) RegisterStream(streamKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamSet[streamKey] = true
	return nil
}

func (f *Fake) DeregisterStream(streamKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streamSet, streamKey)
	return nil
}

func (f *Fake) SetHistoricalStorage(fullName string, configJSON []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(configJSON))
	copy(cp, configJSON)
	f.historical[fullName] = cp
	return nil
}

// Stream returns the recorded heights for a stream key, for assertions.
func (f *Fake) Stream(streamKey string) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.streams[streamKey]...)
}

// StreamRegistered reports whether streamKey was added to the streams set.
func (f *Fake) StreamRegistered(streamKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamSet[streamKey]
}

// State exposes the current in-memory record for a (account,function) pair.
func (f *Fake) State(account, function string) (statestore.IndexerState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[key(account, function)]
	return s, ok
}

var _ statestore.Interface = (*Fake)(nil)
