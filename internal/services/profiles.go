package services

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"circle-service/internal/models"
	"circle-service/internal/observability"
	"circle-service/internal/repositories"
)

const defaultProfileConcurrency = 4

// ProfileLoader fetches profiles for arbitrarily many ids by splitting them
// into store-sized batches and loading the batches concurrently.
type ProfileLoader struct {
	repo        repositories.ProfileRepository
	batchSize   int
	concurrency int
}

func NewProfileLoader(repo repositories.ProfileRepository) *ProfileLoader {
	return &ProfileLoader{
		repo:        repo,
		batchSize:   repositories.MaxProfileBatch,
		concurrency: defaultProfileConcurrency,
	}
}

// Get loads a single profile.
func (l *ProfileLoader) Get(ctx context.Context, uid string) (models.Profile, error) {
	return l.repo.Get(ctx, uid)
}

// Load returns the profiles of uids in input order, skipping unknown and
// duplicate ids. Failed batches do not abort the others: their errors are
// collected into a *PartialBatchError returned next to whatever loaded.
func (l *ProfileLoader) Load(ctx context.Context, uids []string) ([]models.Profile, error) {
	ids := dedupe(uids)
	if len(ids) == 0 {
		return []models.Profile{}, nil
	}

	chunks := chunk(ids, l.batchSize)
	results := make([][]models.Profile, len(chunks))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(l.concurrency)
	for i, batch := range chunks {
		i, batch := i, batch
		g.Go(func() error {
			profiles, err := l.repo.GetByIDs(ctx, batch)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("batch %d: %w", i, err))
				mu.Unlock()
				return nil
			}
			results[i] = profiles
			return nil
		})
	}
	_ = g.Wait()

	byID := make(map[string]models.Profile, len(ids))
	for _, batch := range results {
		for _, p := range batch {
			byID[p.UID] = p
		}
	}
	out := make([]models.Profile, 0, len(byID))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}

	if len(errs) > 0 {
		observability.AddProfileBatchFailures(len(errs))
		return out, &PartialBatchError{Total: len(chunks), Failed: len(errs), Errs: errs}
	}
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
