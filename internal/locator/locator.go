// Package locator finds per-account daily index files in the delta-lake
// bucket: account pattern expansion (exact / wildcard / comma-list),
// storage path reversal, paginated listing with a request cap, and
// date-suffix filtering.
package locator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/near/historical-backfiller/internal/errs"
	"github.com/near/historical-backfiller/internal/objectstore"
)

// maxListRequests bounds the number of paginated list calls issued for one
// listed prefix. The count is not shared across prefixes: a wildcard or
// comma-list pattern lists several prefixes, each under its own cap.
const maxListRequests = 1000

// maxFetchConcurrency bounds the parallel fan-out of index-file fetches,
// naturally limited by the Lake Cache beneath it.
const maxFetchConcurrency = 32

// Locator finds and fetches per-account daily index files in an
// object-store bucket.
type Locator struct {
	store objectstore.Client
}

func New(store objectstore.Client) *Locator {
	return &Locator{store: store}
}

// StoragePathForAccount reverses an account's dot-segments, e.g.
// "a.b.c" -> "c/b/a".
func StoragePathForAccount(account string) string {
	parts := strings.Split(account, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

func (l *Locator) listByPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	var results []string
	var continuation *string

	for requests := 0; ; requests++ {
		if requests >= maxListRequests {
			return nil, fmt.Errorf("%w: exceeded %d list requests for prefix %s", errs.ErrListLimitExceeded, maxListRequests, prefix)
		}

		page, err := l.store.ListObjects(ctx, bucket, prefix, continuation)
		if err != nil {
			return nil, err
		}

		results = append(results, page.CommonPrefixes...)
		results = append(results, page.Contents...)

		if page.NextContinuation == nil {
			break
		}
		continuation = page.NextContinuation
	}

	return results, nil
}

func (l *Locator) listByWildcard(ctx context.Context, bucket, folder, pattern string) ([]string, error) {
	remainder := strings.Replace(pattern, "*.", "", 1)
	path := StoragePathForAccount(remainder)

	folders, err := l.listByPrefix(ctx, bucket, fmt.Sprintf("%s/%s/", folder, path))
	if err != nil {
		return nil, err
	}

	var results []string
	for _, f := range folders {
		sub, err := l.listByPrefix(ctx, bucket, f)
		if err != nil {
			return nil, err
		}
		results = append(results, sub...)
	}
	return results, nil
}

// FindIndexFiles expands pattern into a list of object keys. needsDedupe
// reports whether the caller must sort-and-dedupe the eventually-parsed
// block heights (true for wildcard or comma-list patterns, which can list
// overlapping sub-trees).
func (l *Locator) FindIndexFiles(ctx context.Context, bucket, folder, pattern string) (keys []string, needsDedupe bool, err error) {
	switch {
	case strings.Contains(pattern, ","):
		needsDedupe = true
		for _, account := range strings.Split(pattern, ",") {
			account = strings.TrimSpace(account)
			var sub []string
			var err error
			if strings.Contains(account, "*") {
				sub, err = l.listByWildcard(ctx, bucket, folder, account)
			} else {
				sub, err = l.listByPrefix(ctx, bucket, fmt.Sprintf("%s/%s/", folder, StoragePathForAccount(account)))
			}
			if err != nil {
				return nil, true, err
			}
			keys = append(keys, sub...)
		}
		return keys, true, nil

	case strings.Contains(pattern, "*"):
		keys, err = l.listByWildcard(ctx, bucket, folder, pattern)
		return keys, true, err

	default:
		keys, err = l.listByPrefix(ctx, bucket, fmt.Sprintf("%s/%s/", folder, StoragePathForAccount(pattern)))
		return keys, false, err
	}
}

// fileNameDateAfter reports whether key's final path segment parses as
// YYYY-MM-DD.json with a date on or after startDate. Unparseable names
// are silently dropped: they belong to unrelated sub-trees.
func fileNameDateAfter(startDate time.Time, key string) bool {
	base := key
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		base = key[idx+1:]
	}
	name := strings.TrimSuffix(base, ".json")

	fileDate, err := time.Parse("2006-01-02", name)
	if err != nil {
		return false
	}
	return !fileDate.Before(startDate.Truncate(24 * time.Hour))
}

// FetchContractIndexFiles finds every index file matching pattern, keeps
// only those dated on or after startDate, and fetches their contents in
// parallel through the supplied objectstore.Client (the lake cache, in
// production).
func (l *Locator) FetchContractIndexFiles(ctx context.Context, bucket, folder string, startDate time.Time, pattern string) (contents []string, needsDedupe bool, err error) {
	keys, needsDedupe, err := l.FindIndexFiles(ctx, bucket, folder, pattern)
	if err != nil {
		return nil, needsDedupe, err
	}

	var filtered []string
	for _, k := range keys {
		if fileNameDateAfter(startDate, k) {
			filtered = append(filtered, k)
		}
	}

	results := make([]string, len(filtered))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFetchConcurrency)

	for i, key := range filtered {
		i, key := i, key
		g.Go(func() error {
			text, err := l.store.GetText(gctx, bucket, key)
			if err != nil {
				return err
			}
			results[i] = text
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, needsDedupe, err
	}

	for _, text := range results {
		if text != "" {
			contents = append(contents, text)
		}
	}
	return contents, needsDedupe, nil
}
