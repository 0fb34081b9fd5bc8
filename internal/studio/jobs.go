package studio

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"avatarctl/internal/entity"
	"avatarctl/internal/ledger"
)

// maxResumeWatches bounds how many jobs Resume watches at once.
const maxResumeWatches = 8

// ResumeResult is the outcome of one resumed job.
type ResumeResult struct {
	Key   entity.Key
	Final entity.Entity
	Err   error
}

// Jobs lists recorded jobs, most recently updated first. activeOnly limits
// the result to jobs that have not finished.
func (s *Studio) Jobs(ctx context.Context, activeOnly bool) ([]ledger.Job, error) {
	if s.jobs == nil {
		return nil, ledger.ErrDisabled
	}
	if err := s.jobs.flush(ctx); err != nil {
		return nil, err
	}
	if activeOnly {
		return s.jobs.store.Active(ctx)
	}
	return s.jobs.store.List(ctx, 0)
}

// PruneJobs removes finished jobs not updated within olderThan.
func (s *Studio) PruneJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s.jobs == nil {
		return 0, ledger.ErrDisabled
	}
	if err := s.jobs.flush(ctx); err != nil {
		return 0, err
	}
	return s.jobs.store.Prune(ctx, time.Now().Add(-olderThan))
}

// Resume watches every unfinished recorded job until it ends. fn receives
// updates from all jobs and may be called concurrently.
func (s *Studio) Resume(ctx context.Context, fn func(Update)) ([]ResumeResult, error) {
	active, err := s.Jobs(ctx, true)
	if err != nil {
		return nil, err
	}
	results := make([]ResumeResult, len(active))

	var g errgroup.Group
	g.SetLimit(maxResumeWatches)
	for i, job := range active {
		results[i].Key = job.Key
		g.Go(func() error {
			final, err := s.Watch(ctx, job.Key, fn)
			results[i].Final = final
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return results, err
	}
	if !s.SessionActive() {
		return results, s.watchError(nil)
	}
	if err := s.jobs.flush(ctx); err != nil {
		return results, err
	}
	return results, nil
}
