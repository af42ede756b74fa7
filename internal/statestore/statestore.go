// Package statestore is the Redis-backed key/value + stream state store:
// per-indexer state records, per-indexer block-height streams, and the
// global streams/indexer-states sets used for migration and cleanup.
package statestore

import (
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis"

	"github.com/near/historical-backfiller/internal/errs"
)

// StreamsSetKey is the store-level set whose members are every per-indexer
// block-height stream key.
const StreamsSetKey = "streams"

// IndexerStatesSetKey names the set holding every known indexer's state
// key. It doubles as the migration sentinel: its mere existence means the
// legacy-record migration has already run.
const IndexerStatesSetKey = "indexer_states"

// LifecycleState is an indexer's position in its reconciliation state
// machine.
type LifecycleState string

const (
	Initializing LifecycleState = "INITIALIZING"
	Running      LifecycleState = "RUNNING"
	Stopping     LifecycleState = "STOPPING"
	Stopped      LifecycleState = "STOPPED"
	Repairing    LifecycleState = "REPAIRING"
	Deleting     LifecycleState = "DELETING"
	Deleted      LifecycleState = "DELETED"
)

// IndexerState is the persisted per-indexer state record.
type IndexerState struct {
	AccountID           string         `json:"account_id"`
	FunctionName        string         `json:"function_name"`
	BlockStreamSyncedAt *uint64        `json:"block_stream_synced_at"`
	Enabled             bool           `json:"enabled"`
	LifecycleState      LifecycleState `json:"lifecycle_state"`
}

// oldIndexerState is the pre-migration record shape: no identity fields,
// no lifecycle_state.
type oldIndexerState struct {
	BlockStreamSyncedAt *uint64 `json:"block_stream_synced_at"`
	Enabled             bool    `json:"enabled"`
}

func stateKey(account, function string) string {
	return fmt.Sprintf("%s/%s:state", account, function)
}

func streamKey(account, function string) string {
	return fmt.Sprintf("%s/%s:block_stream", account, function)
}

func historicalStreamKey(fullName string) string {
	return fullName + ":historical_stream"
}

func historicalStorageKey(fullName string) string {
	return fullName + ":historical_storage"
}

// Interface is the subset of Store the lifecycle manager and backfill
// pipeline depend on, so tests can substitute a hand-written fake in
// place of a live Redis connection.
type Interface interface {
	GetState(account, function string) (IndexerState, error)
	SetState(state IndexerState) error
	DeleteState(account, function string) error
	DeleteStream(account, function string) error
	AppendBlockHeight(streamKey string, height uint64) error
	RegisterStream(key string) error
	DeregisterStream(key string) error
	SetHistoricalStorage(fullName string, configJSON []byte) error
}

// Store wraps a go-redis v6 client with the typed accessors the Lifecycle
// Manager and Backfill Pipeline need.
type Store struct {
	client *redis.Client
}

var _ Interface = (*Store)(nil)

func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse REDIS_URL: %v", errs.ErrTransport, err)
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func defaultState(account, function string) IndexerState {
	return IndexerState{
		AccountID:      account,
		FunctionName:   function,
		Enabled:        true,
		LifecycleState: Initializing,
	}
}

// GetState returns the persisted state for (account, function), or a
// fresh default record if none exists yet.
func (s *Store) GetState(account, function string) (IndexerState, error) {
	raw, err := s.client.Get(stateKey(account, function)).Result()
	if err == redis.Nil {
		return defaultState(account, function), nil
	}
	if err != nil {
		return IndexerState{}, fmt.Errorf("%w: get state %s/%s: %v", errs.ErrTransport, account, function, err)
	}

	var state IndexerState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return IndexerState{}, fmt.Errorf("%w: decode state %s/%s: %v", errs.ErrDecode, account, function, err)
	}
	return state, nil
}

// SetState persists state under its (account, function) key and records
// the key in the indexer-states set so the indexer stays enumerable.
func (s *Store) SetState(state IndexerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: encode state: %v", errs.ErrDecode, err)
	}
	key := stateKey(state.AccountID, state.FunctionName)
	if err := s.client.Set(key, raw, 0).Err(); err != nil {
		return fmt.Errorf("%w: set state %s/%s: %v", errs.ErrTransport, state.AccountID, state.FunctionName, err)
	}
	if err := s.client.SAdd(IndexerStatesSetKey, key).Err(); err != nil {
		return fmt.Errorf("%w: register state key %s: %v", errs.ErrTransport, key, err)
	}
	return nil
}

// DeleteState removes a state record and its indexer-states set entry.
func (s *Store) DeleteState(account, function string) error {
	key := stateKey(account, function)
	if err := s.client.Del(key).Err(); err != nil {
		return fmt.Errorf("%w: delete state %s/%s: %v", errs.ErrTransport, account, function, err)
	}
	if err := s.client.SRem(IndexerStatesSetKey, key).Err(); err != nil {
		return fmt.Errorf("%w: deregister state key %s: %v", errs.ErrTransport, key, err)
	}
	return nil
}

// DeleteStream removes the per-indexer block-height stream key.
func (s *Store) DeleteStream(account, function string) error {
	if err := s.client.Del(streamKey(account, function)).Err(); err != nil {
		return fmt.Errorf("%w: delete stream %s/%s: %v", errs.ErrTransport, account, function, err)
	}
	return nil
}

// AppendBlockHeight publishes one height to an indexer's block-height
// stream via XADD; the backfill pipeline's publish step calls it once per
// height.
func (s *Store) AppendBlockHeight(streamKeyOverride string, height uint64) error {
	_, err := s.client.XAdd(&redis.XAddArgs{
		Stream: streamKeyOverride,
		Values: map[string]interface{}{"block_height": height},
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: xadd %s: %v", errs.ErrTransport, streamKeyOverride, err)
	}
	return nil
}

// BlockStreamKey and HistoricalStreamKey expose the key-naming helpers so
// callers (e.g. internal/backfill) don't hardcode the format.
func BlockStreamKey(account, function string) string { return streamKey(account, function) }
func HistoricalStreamKey(fullName string) string     { return historicalStreamKey(fullName) }
func HistoricalStorageKey(fullName string) string    { return historicalStorageKey(fullName) }

// RegisterStream adds key to the global streams set.
func (s *Store) RegisterStream(key string) error {
	if err := s.client.SAdd(StreamsSetKey, key).Err(); err != nil {
		return fmt.Errorf("%w: sadd %s: %v", errs.ErrTransport, key, err)
	}
	return nil
}

// DeregisterStream removes key from the global streams set.
func (s *Store) DeregisterStream(key string) error {
	if err := s.client.SRem(StreamsSetKey, key).Err(); err != nil {
		return fmt.Errorf("%w: srem %s: %v", errs.ErrTransport, key, err)
	}
	return nil
}

// SetHistoricalStorage persists a JSON-serialized indexer config under
// "{full_name}:historical_storage".
func (s *Store) SetHistoricalStorage(fullName string, configJSON []byte) error {
	if err := s.client.Set(historicalStorageKey(fullName), configJSON, 0).Err(); err != nil {
		return fmt.Errorf("%w: set historical storage %s: %v", errs.ErrTransport, fullName, err)
	}
	return nil
}

// IndexerStatesSetExists reports whether the migration sentinel set
// exists.
func (s *Store) IndexerStatesSetExists() (bool, error) {
	n, err := s.client.Exists(IndexerStatesSetKey).Result()
	if err != nil {
		return false, fmt.Errorf("%w: check indexer states set: %v", errs.ErrTransport, err)
	}
	return n > 0, nil
}

// Migrate upgrades legacy state records: for every (account, function)
// identity, if an old-shape record exists under the current state key,
// upgrade it in place; otherwise seed a fresh default. Skipped entirely
// if the migration sentinel set already exists.
func (s *Store) Migrate(identities []struct{ Account, Function string }) error {
	exists, err := s.IndexerStatesSetExists()
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	for _, id := range identities {
		raw, err := s.client.Get(stateKey(id.Account, id.Function)).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("%w: migrate read %s/%s: %v", errs.ErrTransport, id.Account, id.Function, err)
		}

		var state IndexerState
		if err == redis.Nil {
			state = defaultState(id.Account, id.Function)
		} else {
			var old oldIndexerState
			if jsonErr := json.Unmarshal([]byte(raw), &old); jsonErr != nil {
				return fmt.Errorf("%w: decode legacy state %s/%s: %v", errs.ErrDecode, id.Account, id.Function, jsonErr)
			}
			state = IndexerState{
				AccountID:           id.Account,
				FunctionName:        id.Function,
				BlockStreamSyncedAt: old.BlockStreamSyncedAt,
				Enabled:             old.Enabled,
				LifecycleState:      Initializing,
			}
		}

		if err := s.SetState(state); err != nil {
			return fmt.Errorf("failed to set state for %s/%s: %w", id.Account, id.Function, err)
		}
	}

	return nil
}

// ListIndexerStates returns every persisted indexer state, enumerated
// from the indexer-states set. Members whose record has gone missing are
// skipped rather than failing the whole listing.
func (s *Store) ListIndexerStates() ([]IndexerState, error) {
	keys, err := s.client.SMembers(IndexerStatesSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list indexer state keys: %v", errs.ErrTransport, err)
	}

	var states []IndexerState
	for _, key := range keys {
		raw, err := s.client.Get(key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: list indexer states: %v", errs.ErrTransport, err)
		}
		var state IndexerState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("%w: decode indexer state %s: %v", errs.ErrDecode, key, err)
		}
		states = append(states, state)
	}
	return states, nil
}
