// Package scheduler implements the four-tier scheduler: ranks the
// population by score, recomputes hysteretic tier membership, and
// dispatches due evaluation work across the bounded worker pools in
// internal/workers.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/evostrat/engine/internal/config"
	"github.com/evostrat/engine/internal/registry"
	"github.com/evostrat/engine/internal/workers"
	"github.com/evostrat/engine/pkg/model"
	"go.uber.org/zap"
)

// Evaluator runs one full evaluation cycle for a single strategy:
// signal generation, classification, dispatch, and scoring. It is
// supplied by the wiring layer so this package stays free of an import
// cycle onto signalengine/gate/tradeexec/scoring.
type Evaluator interface {
	EvaluateOne(ctx context.Context, strategyID string) error
}

// EventSink is the narrow slice of the evolution log the scheduler
// writes promotion/demotion/protection events to.
type EventSink interface {
	Record(ctx context.Context, ev model.EvolutionEvent)
}

// Scheduler partitions the population into T1..T4 and drives their
// evaluation cadences.
type Scheduler struct {
	logger *zap.Logger
	reg    *registry.Registry
	cfg    *config.Store
	events EventSink
	eval   Evaluator

	evalPool *workers.Pool
	execPool *workers.Pool

	mu    sync.Mutex
	tiers map[string]model.Tier

	lastT1 time.Time
	lastT2 time.Time
	lastT3 time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Scheduler. evalPool drains tier work items;
// execPool is reserved for the real-trade path so it never starves
// behind evaluation traffic.
func New(logger *zap.Logger, reg *registry.Registry, cfg *config.Store, events EventSink, eval Evaluator) *Scheduler {
	l := logger.Named("scheduler")
	return &Scheduler{
		logger:   l,
		reg:      reg,
		cfg:      cfg,
		events:   events,
		eval:     eval,
		evalPool: workers.NewPool(l, workers.DefaultPoolConfig("evaluation")),
		execPool: workers.NewPool(l, workers.HighThroughputPoolConfig("execution")),
		tiers:    make(map[string]model.Tier),
		stop:     make(chan struct{}),
	}
}

// Start launches the worker pools and the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.evalPool.Start()
	s.execPool.Start()
	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop halts the tick loop and stops the worker pools; queued work that
// has not started is not run.
func (s *Scheduler) Stop(ctx context.Context) error {
	close(s.stop)
	s.wg.Wait()
	if err := s.evalPool.Stop(); err != nil {
		return err
	}
	return s.execPool.Stop()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Warn("tick failed", zap.Error(err))
			}
		}
	}
}

// Tick performs one scheduling pass: re-rank, recompute membership,
// enqueue due work.
func (s *Scheduler) Tick(ctx context.Context) error {
	all, err := s.reg.List(ctx, registry.Filter{Enabled: boolPtr(true)})
	if err != nil {
		return err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Metrics.FinalScore.GreaterThan(all[j].Metrics.FinalScore)
	})

	maxActive := s.cfg.GetInt("max_active_strategies")
	if maxActive > 0 && len(all) > maxActive {
		all = all[:maxActive]
	}

	s.recomputeMembership(ctx, all)

	now := time.Now()
	t1Due := now.Sub(s.lastT1) >= s.cfg.GetDuration("T1_interval")
	t2Due := now.Sub(s.lastT2) >= s.cfg.GetDuration("T2_interval")
	t3Due := now.Sub(s.lastT3) >= s.cfg.GetDuration("T3_interval")

	for _, strat := range all {
		if strat.Retired {
			continue
		}
		var due bool
		switch s.tierOf(strat.ID) {
		case model.TierT1:
			due = t1Due
		case model.TierT2:
			due = t2Due
		case model.TierT3:
			due = t3Due
		case model.TierT4:
			due = true // evaluated on every new bar — approximated here by every tick
		}
		if !due {
			continue
		}
		s.enqueue(ctx, strat)
	}

	if t1Due {
		s.lastT1 = now
	}
	if t2Due {
		s.lastT2 = now
	}
	if t3Due {
		s.lastT3 = now
	}
	return nil
}

// enqueue submits strat's evaluation to its tier's pool. T4 work runs
// on the execution pool so the real-trade path never queues behind
// evaluation traffic, and is never dropped; lower tiers drop silently
// under backpressure.
func (s *Scheduler) enqueue(ctx context.Context, strat *model.Strategy) {
	id := strat.ID
	tier := s.tierOf(id)
	pool := s.evalPool
	if tier == model.TierT4 {
		pool = s.execPool
	}
	err := pool.Submit(workers.TaskFunc(func() error {
		return s.eval.EvaluateOne(ctx, id)
	}))
	if err != nil {
		if tier == model.TierT4 {
			// run synchronously rather than drop T4 work
			_ = s.eval.EvaluateOne(ctx, id)
			return
		}
		s.logger.Debug("evaluation dropped under backpressure", zap.String("strategy_id", id), zap.Error(err))
	}
}

func (s *Scheduler) tierOf(id string) model.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tiers[id]
}

// Snapshot derives a point-in-time population view for the control
// surface: counts per tier, a ten-bucket score histogram, and the
// leading strategy's generation/cycle.
func (s *Scheduler) Snapshot(ctx context.Context) (*model.PopulationSnapshot, error) {
	all, err := s.reg.List(ctx, registry.Filter{Enabled: boolPtr(true)})
	if err != nil {
		return nil, err
	}

	snap := &model.PopulationSnapshot{
		Taken:          time.Now().UTC(),
		CountByTier:    make(map[model.Tier]int),
		ScoreHistogram: make([]int, 10),
	}
	s.mu.Lock()
	for _, strat := range all {
		snap.CountByTier[s.tiers[strat.ID]]++
	}
	s.mu.Unlock()

	for i, strat := range all {
		bucket := int(strat.Metrics.FinalScore.IntPart()) / 10
		if bucket < 0 {
			bucket = 0
		}
		if bucket > 9 {
			bucket = 9
		}
		snap.ScoreHistogram[bucket]++
		if i == 0 {
			snap.LeadingGeneration = strat.Generation
			snap.LeadingCycle = strat.Cycle
		}
	}
	return snap, nil
}

func boolPtr(b bool) *bool { return &b }
