// Package objectstoretest provides an in-memory fake of objectstore.Client
// for use in tests across packages that depend on it (lakecache, locator,
// backfill).
package objectstoretest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/near/historical-backfiller/internal/errs"
	"github.com/near/historical-backfiller/internal/objectstore"
)

// Fake is a simple in-memory object store keyed by bucket/key.
type Fake struct {
	mu      sync.Mutex
	objects map[string][]byte

	// GetCalls counts every GetBytes invocation, summed across all keys,
	// for single-flight deduplication assertions.
	GetCalls int64

	// FailKeys, when set, makes GetBytes return ErrTransport for that key.
	FailKeys map[string]bool
}

func New() *Fake {
	return &Fake{objects: make(map[string][]byte), FailKeys: make(map[string]bool)}
}

func key(bucket, k string) string { return bucket + "/" + k }

func (f *Fake) Put(bucket, k string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key(bucket, k)] = content
}

func (f *Fake) PutText(bucket, k, content string) {
	f.Put(bucket, k, []byte(content))
}

func (f *Fake) GetBytes(ctx context.Context, bucket, k string) ([]byte, error) {
	atomic.AddInt64(&f.GetCalls, 1)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailKeys[key(bucket, k)] {
		return nil, fmt.Errorf("%w: injected failure for %s", errs.ErrTransport, k)
	}

	v, ok := f.objects[key(bucket, k)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", errs.ErrNotFound, bucket, k)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (f *Fake) GetText(ctx context.Context, bucket, k string) (string, error) {
	b, err := f.GetBytes(ctx, bucket, k)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (f *Fake) ListObjects(ctx context.Context, bucket, prefix string, continuation *string) (objectstore.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefixSet := map[string]bool{}
	var contents []string
	full := key(bucket, prefix)
	for k := range f.objects {
		if !strings.HasPrefix(k, full) {
			continue
		}
		rest := strings.TrimPrefix(k, full)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			prefixSet[full+rest[:idx+1]] = true
		} else {
			contents = append(contents, k)
		}
	}

	var prefixes []string
	for p := range prefixSet {
		prefixes = append(prefixes, strings.TrimPrefix(p, bucket+"/"))
	}
	sort.Strings(prefixes)
	sort.Strings(contents)

	trimmed := make([]string, 0, len(contents))
	for _, c := range contents {
		trimmed = append(trimmed, strings.TrimPrefix(c, bucket+"/"))
	}

	return objectstore.ListResult{CommonPrefixes: prefixes, Contents: trimmed}, nil
}

func (f *Fake) ListCommonPrefixesAfter(ctx context.Context, bucket, startAfter string) ([]string, error) {
	res, err := f.ListObjects(ctx, bucket, startAfter, nil)
	if err != nil {
		return nil, err
	}
	return res.CommonPrefixes, nil
}
