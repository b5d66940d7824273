// Package scheduler owns the three control loops. Each tick launches
// whichever loops are due; the fast loop always runs, medium and slow
// run on their own cadence. A failure or panic in one loop never
// blocks the others.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/helmsman/internal/account"
	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/executor"
	"github.com/quantfold/helmsman/internal/governor"
	"github.com/quantfold/helmsman/internal/metrics"
	"github.com/quantfold/helmsman/internal/oracle"
	"github.com/quantfold/helmsman/internal/regime"
	"github.com/quantfold/helmsman/internal/scorekeeper"
	"github.com/quantfold/helmsman/internal/signals"
	"github.com/quantfold/helmsman/internal/tripwire"
)

// Deps bundles the components the scheduler drives.
type Deps struct {
	Monitor   *account.Monitor
	Signals   *signals.Orchestrator
	Detector  *regime.Detector
	Oracle    oracle.Oracle
	Governor  *governor.Governor
	Tripwire  *tripwire.Tripwire
	Executor  *executor.Executor
	Scores    *scorekeeper.Scorekeeper
}

type Scheduler struct {
	cfg  *config.Config
	deps Deps
	log  zerolog.Logger

	mu         sync.Mutex
	lastMedium time.Time
	lastSlow   time.Time
	haveMedium bool
	haveSlow   bool
	slowBundle *signals.SignalBundle
	lastEvents []tripwire.Event
	volPct     *float64

	now func() time.Time
}

func New(cfg *config.Config, deps Deps) *Scheduler {
	return &Scheduler{
		cfg:  cfg,
		deps: deps,
		log:  config.NewLogger("scheduler"),
		now:  time.Now,
	}
}

// Run ticks until the context is cancelled. The in-flight tick is
// allowed to finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.Agent.TickInterval()
	s.log.Info().
		Dur("tick", interval).
		Dur("medium", s.cfg.Governance.MediumInterval()).
		Dur("slow", s.cfg.Governance.SlowInterval()).
		Msg("Scheduler starting")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scheduler stopping")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling cycle: every due loop launches
// concurrently and the tick completes when all have finished.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	mediumDue := !s.haveMedium || now.Sub(s.lastMedium) >= s.cfg.Governance.MediumInterval()
	slowDue := !s.haveSlow || now.Sub(s.lastSlow) >= s.cfg.Governance.SlowInterval()
	if mediumDue {
		s.lastMedium, s.haveMedium = now, true
	}
	if slowDue {
		s.lastSlow, s.haveSlow = now, true
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.runLoop(gctx, metrics.LoopFast, s.fastLoop); return nil })
	if mediumDue {
		g.Go(func() error { s.runLoop(gctx, metrics.LoopMedium, s.mediumLoop); return nil })
	}
	if slowDue {
		g.Go(func() error { s.runLoop(gctx, metrics.LoopSlow, s.slowLoop); return nil })
	}
	_ = g.Wait()

	s.writeSnapshots()
}

// ForceSlow clears the slow-loop clock so the next tick runs it.
func (s *Scheduler) ForceSlow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haveSlow = false
}

// runLoop supervises one loop run: timing, error accounting, and
// panic containment.
func (s *Scheduler) runLoop(ctx context.Context, name string, fn func(context.Context) error) {
	start := s.now()
	defer func() {
		metrics.LoopDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			metrics.LoopFailures.WithLabelValues(name).Inc()
			s.log.Error().Str("loop", name).Interface("panic", r).Msg("Loop panicked")
		}
	}()
	if err := fn(ctx); err != nil {
		metrics.LoopFailures.WithLabelValues(name).Inc()
		s.log.Error().Err(err).Str("loop", name).Msg("Loop failed")
	}
}
