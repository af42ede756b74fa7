// Package registrytypes mirrors the shapes returned by the registry
// contract's list_indexer_functions method.
package registrytypes

import (
	"encoding/json"
	"fmt"

	"github.com/near/historical-backfiller/internal/errs"
)

// MatchingRule is the tagged sum of rule variants a registry config can
// carry. Only ActionAny is supported; the other variants are recognized
// only so they can be rejected with a typed error.
type MatchingRule struct {
	ActionAny          *ActionAnyRule          `json:"ActionAny,omitempty"`
	ActionFunctionCall *ActionFunctionCallRule `json:"ActionFunctionCall,omitempty"`
	Event              *EventRule              `json:"Event,omitempty"`
}

type ActionAnyRule struct {
	AffectedAccountID string `json:"affected_account_id"`
	Status            string `json:"status"`
}

// ActionFunctionCallRule and EventRule are never matched against blocks;
// they exist only to be decoded and rejected by Validate.
type ActionFunctionCallRule struct {
	AffectedAccountID string `json:"affected_account_id"`
	FunctionName      string `json:"function_name"`
	Status            string `json:"status"`
}

type EventRule struct {
	ContractAccountID string `json:"contract_account_id"`
	Standard          string `json:"standard"`
	Version           string `json:"version"`
	Event             string `json:"event"`
}

// Validate returns the ActionAny rule, or a wrapped errs.ErrUnsupportedRule
// if the config used a different variant.
func (r MatchingRule) Validate() (ActionAnyRule, error) {
	switch {
	case r.ActionAny != nil:
		return *r.ActionAny, nil
	case r.ActionFunctionCall != nil:
		return ActionAnyRule{}, fmt.Errorf("%w: ActionFunctionCall matching rule not supported for historical backfill", errs.ErrUnsupportedRule)
	case r.Event != nil:
		return ActionAnyRule{}, fmt.Errorf("%w: Event matching rule not supported for historical backfill", errs.ErrUnsupportedRule)
	default:
		return ActionAnyRule{}, fmt.Errorf("%w: unrecognized matching rule", errs.ErrUnsupportedRule)
	}
}

// StartBlock is the registry's start_block tagged sum: Latest, Height(n),
// or Continue. It decodes either the bare legacy integer shape
// (start_block_height) or the newer tagged object shape.
type StartBlock struct {
	Kind   StartBlockKind
	Height uint64
}

type StartBlockKind int

const (
	StartBlockUnset StartBlockKind = iota
	StartBlockLatest
	StartBlockHeight
	StartBlockContinue
)

func (s *StartBlock) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = StartBlock{Kind: StartBlockUnset}
		return nil
	}

	// Legacy shape: a bare integer.
	var n uint64
	if err := json.Unmarshal(b, &n); err == nil {
		*s = StartBlock{Kind: StartBlockHeight, Height: n}
		return nil
	}

	// Tagged shape: {"Latest": null} / {"Height": 123} / {"Continue": null}.
	// Tags are detected by key presence, since Latest/Continue carry null.
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(b, &tagged); err != nil {
		return fmt.Errorf("%w: start_block: %v", errs.ErrDecode, err)
	}
	var height *uint64
	if raw, ok := tagged["Height"]; ok {
		if err := json.Unmarshal(raw, &height); err != nil {
			return fmt.Errorf("%w: start_block: %v", errs.ErrDecode, err)
		}
	}
	_, latest := tagged["Latest"]
	_, cont := tagged["Continue"]

	switch {
	case latest:
		*s = StartBlock{Kind: StartBlockLatest}
	case height != nil:
		*s = StartBlock{Kind: StartBlockHeight, Height: *height}
	case cont:
		*s = StartBlock{Kind: StartBlockContinue}
	default:
		*s = StartBlock{Kind: StartBlockUnset}
	}
	return nil
}

// IndexerConfig is one (account, function) entry as returned by the
// registry contract.
type IndexerConfig struct {
	Code                 string       `json:"code"`
	Schema               *string      `json:"schema"`
	StartBlockHeight     *uint64      `json:"start_block_height"`
	StartBlock           *StartBlock  `json:"start_block"`
	Filter               MatchingRule `json:"filter"`
	CreatedAtBlockHeight uint64       `json:"created_at_block_height"`
	UpdatedAtBlockHeight *uint64      `json:"updated_at_block_height"`
}

// ResolvedStartBlock normalizes the two start-block shapes seen across
// registry schema versions into one StartBlock value.
func (c IndexerConfig) ResolvedStartBlock() StartBlock {
	if c.StartBlock != nil {
		return *c.StartBlock
	}
	if c.StartBlockHeight != nil {
		return StartBlock{Kind: StartBlockHeight, Height: *c.StartBlockHeight}
	}
	return StartBlock{Kind: StartBlockUnset}
}

// RegistryVersion is the monotonic counter identifying a config revision.
func (c IndexerConfig) RegistryVersion() uint64 {
	if c.UpdatedAtBlockHeight != nil {
		return *c.UpdatedAtBlockHeight
	}
	return c.CreatedAtBlockHeight
}

// IndexersByFunction maps function_name -> config, for one account.
type IndexersByFunction map[string]IndexerConfig

// AccountOrAllIndexers is the tagged response of list_indexer_functions:
// either every account's indexers ("All") or one account's ("Account").
type AccountOrAllIndexers struct {
	All     map[string]IndexersByFunction `json:"All,omitempty"`
	Account IndexersByFunction            `json:"Account,omitempty"`
}

// IndexerIdentity names one (account, function) indexer.
type IndexerIdentity struct {
	AccountID    string
	FunctionName string
}

// FullName formats "{account}/{function}", the system-wide indexer key.
func (id IndexerIdentity) FullName() string {
	return id.AccountID + "/" + id.FunctionName
}

// Flatten converts the tagged response into a flat slice of (identity,
// config) pairs, the shape the rest of the system consumes.
func (r AccountOrAllIndexers) Flatten() []Indexer {
	var out []Indexer
	if r.All != nil {
		for account, byFunction := range r.All {
			for function, cfg := range byFunction {
				out = append(out, Indexer{
					Identity: IndexerIdentity{AccountID: account, FunctionName: function},
					Config:   cfg,
				})
			}
		}
		return out
	}
	for function, cfg := range r.Account {
		out = append(out, Indexer{Config: cfg, Identity: IndexerIdentity{FunctionName: function}})
	}
	return out
}

// Indexer pairs an identity with its registry config.
type Indexer struct {
	Identity IndexerIdentity
	Config   IndexerConfig
}
