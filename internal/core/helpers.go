package core

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

// FetchLatestVersion returns the latest version that is neither yanked nor
// deprecated. Prerelease versions are only considered when prerelease is set.
// Returns nil if no candidate exists.
func FetchLatestVersion(ctx context.Context, reg Registry, name string, prerelease bool) (*Version, error) {
	versions, err := reg.FetchVersions(ctx, name)
	if err != nil {
		return nil, err
	}

	var valid []Version
	for _, v := range versions {
		if v.Status != StatusNone {
			continue
		}
		if !prerelease && v.Prerelease() {
			continue
		}
		valid = append(valid, v)
	}

	if len(valid) == 0 {
		return nil, nil
	}

	// Registries list versions oldest first; prefer publish time when present.
	hasTimestamps := false
	for _, v := range valid {
		if !v.PublishedAt.IsZero() {
			hasTimestamps = true
			break
		}
	}

	if hasTimestamps {
		sort.SliceStable(valid, func(i, j int) bool {
			return valid[i].PublishedAt.After(valid[j].PublishedAt)
		})
		return &valid[0], nil
	}

	return &valid[len(valid)-1], nil
}

// BulkLatestVersions looks up the latest version of every name in parallel.
// Lookups that fail or find nothing are omitted from the result; the first
// error is returned alongside whatever succeeded.
func BulkLatestVersions(ctx context.Context, reg Registry, names []string, prerelease bool) (map[string]*Version, error) {
	return BulkLatestVersionsWithConcurrency(ctx, reg, names, prerelease, defaultConcurrency)
}

// BulkLatestVersionsWithConcurrency is BulkLatestVersions with a custom limit.
func BulkLatestVersionsWithConcurrency(ctx context.Context, reg Registry, names []string, prerelease bool, concurrency int) (map[string]*Version, error) {
	results := make(map[string]*Version, len(names))
	var mu sync.Mutex
	var firstErr error

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for _, name := range names {
		g.Go(func() error {
			v, err := FetchLatestVersion(gctx, reg, name, prerelease)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			if v != nil {
				results[name] = v
			}
			return nil
		})
	}

	_ = g.Wait()
	return results, firstErr
}
