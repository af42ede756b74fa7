// Package blockrpctest provides an in-memory fake of blockrpc.Client.
package blockrpctest

import (
	"context"
	"fmt"
	"time"

	"github.com/near/historical-backfiller/internal/errs"
)

// Fake maps specific heights to timestamps; any other height is reported
// missing (errs.ErrNotFound), simulating a pruned or forked gap.
type Fake struct {
	Timestamps map[uint64]time.Time
	// Tip is the height FinalHeight reports.
	Tip uint64
}

func New() *Fake {
	return &Fake{Timestamps: make(map[uint64]time.Time)}
}

func (f *Fake) BlockTimestamp(ctx context.Context, height uint64) (time.Time, error) {
	ts, ok := f.Timestamps[height]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: block %d", errs.ErrNotFound, height)
	}
	return ts, nil
}

func (f *Fake) FinalHeight(ctx context.Context) (uint64, error) {
	return f.Tip, nil
}
