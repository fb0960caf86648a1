package orchestrate

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/orijitghosh/flydream/behavr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool distributes individuals over a bounded number of concurrent jobs.
type Pool struct {

	// Workers is the largest number of jobs running at once.
	Workers int

	Runner Runner

	Logger *zap.Logger

	// OnDone, if set, is called once for each finished individual.  Calls
	// are serialized.
	OnDone func(ind behavr.Individual)
}

// Run processes every individual and merges the results in the order of
// individuals, independently of which job finished first.  A job that
// fails becomes a FailureRecord with Day 0.  The only error returned is
// cancellation of ctx.
func (p *Pool) Run(ctx context.Context, individuals []behavr.Individual, params behavr.Params) (*behavr.Result, error) {

	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Clamp once here so that jobs do not each warn.
	params = params.Normalize(logger)

	workers := p.Workers
	if workers < 1 {
		workers = 1
	}

	results := make([]*behavr.Result, len(individuals))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex

	for i, ind := range individuals {
		g.Go(func() error {

			if err := gctx.Err(); err != nil {
				return err
			}

			res, err := p.Runner.Run(gctx, Job{Index: i, Individual: ind, Params: params})
			if err != nil {
				if cerr := gctx.Err(); cerr != nil {
					return cerr
				}
				logger.Error("worker failed", zap.String("id", ind.ID), zap.Error(err))
				res = &behavr.Result{
					Failures: []behavr.FailureRecord{{ID: ind.ID, Day: 0, Message: "worker failed: " + err.Error()}},
				}
			}
			results[i] = res

			if p.OnDone != nil {
				mu.Lock()
				p.OnDone(ind)
				mu.Unlock()
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := &behavr.Result{RunID: uuid.NewString()}
	for _, r := range results {
		merged.Merge(r)
	}

	logger.Info("run finished",
		zap.String("run_id", merged.RunID),
		zap.Int("individuals", len(individuals)),
		zap.Int("profile_rows", len(merged.Profiles)),
		zap.Int("failures", len(merged.Failures)))

	return merged, nil
}
