package blockrpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/near/historical-backfiller/internal/blockrpc/blockrpctest"
	"github.com/near/historical-backfiller/internal/errs"
)

func TestResolveStartDateExactHeight(t *testing.T) {
	fake := blockrpctest.New()
	want := time.Date(2023, 11, 20, 12, 0, 0, 0, time.UTC)
	fake.Timestamps[1000] = want

	got, err := ResolveStartDate(context.Background(), fake, 1000)
	if err != nil {
		t.Fatalf("ResolveStartDate: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResolveStartDateAdvancesPastGap(t *testing.T) {
	fake := blockrpctest.New()
	want := time.Date(2023, 11, 20, 12, 0, 0, 0, time.UTC)
	fake.Timestamps[1003] = want

	got, err := ResolveStartDate(context.Background(), fake, 1000)
	if err != nil {
		t.Fatalf("ResolveStartDate: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResolveStartDateFailsAfterMaxProbes(t *testing.T) {
	fake := blockrpctest.New()

	_, err := ResolveStartDate(context.Background(), fake, 1000)
	if !errors.Is(err, errs.ErrStartDateUnresolvable) {
		t.Fatalf("expected ErrStartDateUnresolvable, got %v", err)
	}
}
