package scheduler

import (
	"context"
	"time"

	"github.com/evostrat/engine/pkg/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// recomputeMembership applies the four-tier partition to ranked (already
// sorted by final_score DESC) and writes tier/promotion/demotion events.
// Promotion/demotion is hysteretic: a tier_hysteresis_pct band around
// each rank cutoff and around S_real prevents flapping.
func (s *Scheduler) recomputeMembership(ctx context.Context, ranked []*model.Strategy) {
	band := s.cfg.GetDecimal("tier_hysteresis_pct")
	t2Size := s.cfg.GetInt("T2_size")
	t3Size := s.cfg.GetInt("T3_size")
	t4Size := s.cfg.GetInt("T4_size")
	sReal := s.cfg.GetDecimal("S_real")
	minWinRate := s.cfg.GetDecimal("min_win_rate")
	minTrades := s.cfg.GetInt("min_trades_for_real")
	protectWindow := s.cfg.GetDuration("protect_window")
	topProtect := s.cfg.GetInt("top_protect")
	maxDDCap := s.cfg.GetDecimal("max_drawdown_cap")

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	newTiers := make(map[string]model.Tier, len(ranked))
	byID := make(map[string]*model.Strategy, len(ranked))

	for rank, strat := range ranked {
		byID[strat.ID] = strat
		prev := s.tiers[strat.ID]
		target := s.targetTierForRank(rank, prev, t2Size, t3Size, band)
		newTiers[strat.ID] = target
	}

	// Top-K protection: a strategy promoted into the top top_protect
	// ranks gets a protect_window stamp, persisted on the strategy so the
	// evolution engine's mutation and retirement paths honor it too.
	for rank, strat := range ranked {
		if rank >= topProtect {
			continue
		}
		promoted := newTiers[strat.ID] > s.tiers[strat.ID]
		if !promoted || now.Before(strat.ProtectedUntil) {
			continue
		}
		until := now.Add(protectWindow)
		if err := s.reg.SetProtectedUntil(ctx, strat.ID, until); err != nil {
			s.logger.Warn("set protection failed", zap.String("strategy_id", strat.ID), zap.Error(err))
			continue
		}
		strat.ProtectedUntil = until
		s.events.Record(ctx, model.EvolutionEvent{
			Timestamp: now, StrategyID: strat.ID, Kind: model.EventProtected,
			After: until, Reason: "top_k_promotion",
		})
	}

	// Real-trading set (T4): real-eligible strategies, ranked among
	// themselves, capped at t4Size, excluded during their own
	// protect_window after first eligibility, and subject to emergency
	// demotion.
	realEligible := make([]*model.Strategy, 0)
	for _, strat := range ranked {
		if strat.QualifiesForRealTrading(sReal.Mul(oneMinus(band)), minWinRate, minTrades) {
			realEligible = append(realEligible, strat)
		}
	}

	t4count := 0
	for _, strat := range realEligible {
		if t4count >= t4Size {
			break
		}
		if emergencyDemote(strat, maxDDCap) {
			s.emitDemotion(ctx, strat, "emergency_demotion")
			continue
		}
		if !strat.RealEligibleSince.IsZero() && now.Sub(strat.RealEligibleSince) < protectWindow {
			continue // fresh validation required before entering T4
		}
		// promote only once comfortably above upper band
		if strat.Metrics.FinalScore.LessThan(sReal.Mul(decimal.NewFromFloat(1).Add(band))) && prevTier(s.tiers, strat.ID) != model.TierT4 {
			continue
		}
		newTiers[strat.ID] = model.TierT4
		t4count++
	}

	if obs, ok := s.events.(interface{ ObserveTierSizes(map[model.Tier]int) }); ok {
		sizes := make(map[model.Tier]int)
		for _, tier := range newTiers {
			sizes[tier]++
		}
		obs.ObserveTierSizes(sizes)
	}

	for id, tier := range newTiers {
		prev := s.tiers[id]
		if tier < prev {
			// A protected strategy keeps its tier until the window lapses.
			if strat, ok := byID[id]; ok && now.Before(strat.ProtectedUntil) {
				newTiers[id] = prev
				continue
			}
		}
		if prev != tier {
			kind := model.EventPromoted
			if tier < prev {
				kind = model.EventDemoted
			}
			s.events.Record(ctx, model.EvolutionEvent{
				Timestamp: now, StrategyID: id, Kind: kind,
				Before: prev, After: tier, Reason: "tier_recompute",
			})
			if err := s.reg.SetTier(ctx, id, tier); err != nil {
				s.logger.Warn("set tier failed", zap.String("strategy_id", id), zap.Error(err))
			}
		}
	}
	s.tiers = newTiers
}

func prevTier(tiers map[string]model.Tier, id string) model.Tier { return tiers[id] }

// targetTierForRank places a strategy at rank into T1/T2/T3 with a band
// of rank-hysteresis: membership already held is kept unless the
// strategy falls outside cutoff*(1+band); a new entrant needs to be
// within cutoff*(1-band).
func (s *Scheduler) targetTierForRank(rank int, prev model.Tier, t2Size, t3Size int, band decimal.Decimal) model.Tier {
	inBand := func(size int, held bool) bool {
		if size <= 0 {
			return false
		}
		upper := float64(size) * (1 + toFloat(band))
		lower := float64(size) * (1 - toFloat(band))
		if held {
			return float64(rank) < upper
		}
		return float64(rank) < lower
	}

	if inBand(t3Size, prev == model.TierT3) {
		return model.TierT3
	}
	if inBand(t2Size, prev == model.TierT2) {
		return model.TierT2
	}
	return model.TierT1
}

func toFloat(v decimal.Decimal) float64 {
	f, _ := v.Float64()
	return f
}

func oneMinus(band decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(1).Sub(band)
}

// emergencyDemote reports whether strat must leave T4 immediately: three
// consecutive real losses or a drawdown exceeding max_drawdown_cap.
func emergencyDemote(strat *model.Strategy, maxDDCap decimal.Decimal) bool {
	if strat.ConsecutiveRealLosses >= 3 {
		return true
	}
	if maxDDCap.GreaterThan(decimal.Zero) && strat.Metrics.MaxDrawdown.GreaterThan(maxDDCap) {
		return true
	}
	return false
}

func (s *Scheduler) emitDemotion(ctx context.Context, strat *model.Strategy, reason string) {
	s.events.Record(ctx, model.EvolutionEvent{
		Timestamp: time.Now().UTC(), StrategyID: strat.ID, Kind: model.EventDemoted,
		Before: model.TierT4, After: model.TierT1, Reason: reason,
	})
	if err := s.reg.SetTier(ctx, strat.ID, model.TierT1); err != nil {
		s.logger.Warn("emergency demotion set tier failed", zap.Error(err))
	}
}
