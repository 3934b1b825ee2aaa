// Package scheduler drains the trial ledger with a bounded worker pool.
// It owns run-level progress: claiming ready trials, interleaving dispatch
// across providers so no single rate limit stalls the pool, recovering
// stale claims, and stopping cleanly — either on operator request or when
// a fatal error makes further calls pointless.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/metrics"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/store"
)

// pollInterval bounds how long an idle pass waits before re-checking the
// ledger for trials whose backoff window has opened.
const pollInterval = time.Second

// TrialExecutor runs one claimed trial to a settled ledger state. A non-nil
// error aborts the run.
type TrialExecutor interface {
	Execute(ctx context.Context, trial *domain.Trial) error
}

// ProviderResolver maps a model ID to its provider, for dispatch
// interleaving. *llm.Catalog implements it.
type ProviderResolver interface {
	ProviderOf(model string) (string, error)
}

// Scheduler drives a run to completion.
type Scheduler struct {
	cfg       *config.Config
	store     store.TrialStore
	executor  TrialExecutor
	providers ProviderResolver
	metrics   *metrics.Collector
	log       *zap.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// New wires a scheduler. collector may be nil.
func New(
	cfg *config.Config,
	st store.TrialStore,
	executor TrialExecutor,
	providers ProviderResolver,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		executor:  executor,
		providers: providers,
		metrics:   collector,
		log:       logger,
		stopped:   make(chan struct{}),
	}
}

// Stop requests a graceful shutdown: no new trials are claimed, in-flight
// trials run to a settled state. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *Scheduler) stopping() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// Run drains the ledger until every trial is terminal, Stop is called, or
// a fatal error aborts the run. It may be called again after an interrupted
// run on the same database: stale claims are recovered and completed stages
// are never re-executed.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recoverStale(ctx); err != nil {
		return err
	}

	for {
		if s.stopping() {
			s.log.Info("scheduler stopped on request")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		ready, err := s.store.PendingAndRetryable(ctx, time.Now().UTC())
		if err != nil {
			return err
		}

		if len(ready) == 0 {
			outstanding, err := s.outstanding(ctx)
			if err != nil {
				return err
			}
			if !outstanding {
				s.log.Info("run drained: all trials terminal")
				return nil
			}
			// Backoff windows or another process's claims are pending;
			// recover anything stale and check again shortly.
			if err := s.recoverStale(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.stopped:
				return nil
			case <-time.After(pollInterval):
			}
			continue
		}

		if err := s.dispatch(ctx, interleave(ready, s.providerFor)); err != nil {
			return err
		}
	}
}

// dispatch runs one pass of ready trials through the worker pool. Claims
// are contended: losing one to a concurrent scheduler is normal and
// skipped silently.
func (s *Scheduler) dispatch(ctx context.Context, trials []domain.Trial) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency.Workers)

	prevProvider := ""
	for i := range trials {
		if s.stopping() || gctx.Err() != nil {
			break
		}
		trial := trials[i]

		provider := s.providerFor(trial.ModelID)
		if prevProvider != "" && provider != prevProvider && s.cfg.Concurrency.ProviderPause > 0 {
			select {
			case <-gctx.Done():
			case <-s.stopped:
			case <-time.After(s.cfg.Concurrency.ProviderPause):
			}
		}
		prevProvider = provider

		g.Go(func() error {
			claimed, err := s.store.Claim(gctx, trial.ID)
			if errors.Is(err, domain.ErrNotClaimable) {
				return nil
			}
			if err != nil {
				return err
			}
			return s.executor.Execute(gctx, claimed)
		})
	}

	if err := g.Wait(); err != nil {
		s.log.Error("run aborted", zap.Error(err))
		return err
	}
	return nil
}

// recoverStale returns trials with dead claims to pending.
func (s *Scheduler) recoverStale(ctx context.Context) error {
	timeout := s.cfg.Liveness.ClaimTimeout
	if timeout <= 0 {
		return nil
	}
	n, err := s.store.RequeueStale(ctx, timeout)
	if err != nil {
		return err
	}
	if n > 0 {
		s.metrics.StaleReclaimed(n)
		s.log.Warn("recovered stale claims", zap.Int64("count", n))
	}
	return nil
}

// outstanding reports whether any trial can still make progress.
func (s *Scheduler) outstanding(ctx context.Context) (bool, error) {
	trials, err := s.store.Trials(ctx)
	if err != nil {
		return false, err
	}
	for i := range trials {
		if !trials[i].Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// providerFor resolves a model's provider, falling back to the model ID
// itself when the resolver does not know it. The fallback keeps dispatch
// deterministic even for ledger rows from an older configuration.
func (s *Scheduler) providerFor(model string) string {
	provider, err := s.providers.ProviderOf(model)
	if err != nil {
		return model
	}
	return provider
}

// interleave orders trials round-robin across providers, preserving ID
// order within each provider. Consecutive same-provider dispatches are
// minimized so one saturated provider cannot monopolize the pool.
func interleave(trials []domain.Trial, providerFor func(model string) string) []domain.Trial {
	groups := make(map[string][]domain.Trial)
	var order []string
	for _, t := range trials {
		p := providerFor(t.ModelID)
		if _, seen := groups[p]; !seen {
			order = append(order, p)
		}
		groups[p] = append(groups[p], t)
	}

	out := make([]domain.Trial, 0, len(trials))
	for len(out) < len(trials) {
		for _, p := range order {
			if len(groups[p]) == 0 {
				continue
			}
			out = append(out, groups[p][0])
			groups[p] = groups[p][1:]
		}
	}
	return out
}
