// Package queuetest provides an in-memory fake of an enqueue-only client.
package queuetest

import (
	"context"
	"sync"

	"github.com/near/historical-backfiller/internal/queue"
)

// Fake records every enqueued message in order.
type Fake struct {
	mu       sync.Mutex
	Messages []queue.Message
}

func New() *Fake {
	return &Fake{}
}

func (f *Fake) Enqueue(ctx context.Context, msg queue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, msg)
	return nil
}
