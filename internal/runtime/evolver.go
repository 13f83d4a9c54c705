package runtime

import (
	"context"
	"math/rand"
	"time"

	"github.com/evostrat/engine/internal/config"
	"github.com/evostrat/engine/internal/evolution"
	"github.com/evostrat/engine/internal/registry"
	"github.com/evostrat/engine/pkg/model"
	"go.uber.org/zap"
)

// Evolver drives the Evolution Engine's propose/validate/commit cycle
// and periodic homeostasis on its own ticker, since evolution.Engine
// itself is a pure library of single operations with no loop of its
// own; evolution runs as a continuous background process, not
// something triggered by an incoming request. The ticker-driven loop
// mirrors the scheduler's own tick loop.
type Evolver struct {
	logger *zap.Logger
	reg    *registry.Registry
	cfg    *config.Store
	engine *evolution.Engine
	rng    *rand.Rand
}

// NewEvolver constructs an Evolver against the given Evolution Engine.
func NewEvolver(logger *zap.Logger, reg *registry.Registry, cfg *config.Store, engine *evolution.Engine) *Evolver {
	return &Evolver{
		logger: logger.Named("runtime.evolver"), reg: reg, cfg: cfg, engine: engine,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run drives one proposal-cycle per interval until ctx is cancelled,
// plus homeostasis every tenth cycle.
func (v *Evolver) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cycles := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycles++
			if err := v.proposeOnce(ctx); err != nil {
				v.logger.Warn("propose cycle failed", zap.Error(err))
			}
			if cycles%10 == 0 {
				if err := v.homeostasis(ctx); err != nil {
					v.logger.Warn("homeostasis failed", zap.Error(err))
				}
			}
		}
	}
}

// Bootstrap seeds an initial population when the registry is empty,
// one strategy per family per symbol drawn from each family's prior.
func (v *Evolver) Bootstrap(ctx context.Context, symbols []string) error {
	n, err := v.reg.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, symbol := range symbols {
		for _, typ := range model.AllStrategyTypes {
			if _, err := v.engine.Seed(ctx, typ, symbol); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Evolver) proposeOnce(ctx context.Context) error {
	population, err := v.reg.List(ctx, registry.Filter{})
	if err != nil {
		return err
	}
	if len(population) == 0 {
		return nil
	}

	// Candidates come from T2/T3 only: T1 has not earned the evaluation
	// budget, and the real-trading set is never mutated. A strategy still
	// inside its top-K protection window, or inside the protect_window
	// after first real-eligibility, is likewise shielded from mutation.
	parent := population[v.rng.Intn(len(population))]
	if parent.Retired || (parent.Tier != model.TierT2 && parent.Tier != model.TierT3) {
		return nil
	}
	if time.Now().Before(parent.ProtectedUntil) {
		return nil
	}
	protectWindow := v.cfg.GetDuration("protect_window")
	if !parent.RealEligibleSince.IsZero() && time.Since(parent.RealEligibleSince) < protectWindow {
		return nil
	}

	candidate, err := v.engine.Propose(parent, population)
	if err != nil {
		return err
	}

	stage, err := v.engine.Run(ctx, candidate, parent)
	if err != nil {
		return err
	}
	return v.engine.CommitOrDiscard(ctx, parent, stage)
}

func (v *Evolver) homeostasis(ctx context.Context) error {
	all, err := v.reg.List(ctx, registry.Filter{RetiredOK: true})
	if err != nil {
		return err
	}
	return v.engine.Homeostasis(ctx, all)
}
