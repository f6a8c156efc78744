// Package alloc implements the allocation engine that turns a target
// trader's portfolio into a set of diff orders against the agent's current
// holdings, under a budget constraint.
//
// Pure functions, no I/O, no clock. Per-cycle flow:
//  1. ComputeWeights   — normalize the target's positions into weights.
//  2. ComputeTargets   — scale weights by budget, copy%, and per-position cap.
//  3. ComputeOrders    — diff targets against trading state's effective
//     holdings, producing sells (all retained) followed by budget-capped
//     buys (partially downsized or dropped once the budget runs out).
//
// Sell-before-buy ordering lets the control loop honor portfolio shrinkage
// without requiring pre-existing cash: sell proceeds are counted as
// available budget for the buys that follow in the same cycle.
package alloc

import (
	"log/slog"

	"polycopy/internal/state"
	"polycopy/pkg/types"
)

// MinNotional is the venue-enforced minimum USD value for an opening (Buy)
// order. Sells have no minimum — closing a dust position is always allowed.
const MinNotional = 1.00

// Weight pairs a market with its share of the target's portfolio value.
type Weight struct {
	Market   types.MarketPosition
	Value    float64
	CurPrice float64
	Weight   float64
}

// ComputeWeights normalizes positions into weights of total portfolio
// value. weight = currentValue / Σ currentValue. If the sum is <= 0, the
// result is empty. Callers must have already filtered out resolved markets
// (curPrice <= 0 or >= 1) — that is MarketDataSource's job, not this
// function's.
func ComputeWeights(positions []types.Position) []Weight {
	total := 0.0
	for _, p := range positions {
		total += p.CurrentValue
	}
	if total <= 0 {
		return nil
	}

	weights := make([]Weight, 0, len(positions))
	for _, p := range positions {
		weights = append(weights, Weight{
			Market:   p.Market,
			Value:    p.CurrentValue,
			CurPrice: p.CurPrice,
			Weight:   p.CurrentValue / total,
		})
	}
	return weights
}

// ComputeTargets scales each weight into a target USD/share allocation.
// rawTarget = weight*budget*copyPct, capped per-position at
// maxTradePct*budget. Both copyPct and maxTradePct are fractions in [0,1].
// Preserves input ordering.
func ComputeTargets(weights []Weight, budget, copyPct, maxTradePct float64) []types.TargetAllocation {
	maxPerPosition := maxTradePct * budget

	targets := make([]types.TargetAllocation, 0, len(weights))
	for _, w := range weights {
		rawTarget := w.Weight * budget * copyPct
		targetValueUsd := rawTarget
		if targetValueUsd > maxPerPosition {
			targetValueUsd = maxPerPosition
		}

		targetShares := 0.0
		if w.CurPrice > 0 {
			targetShares = targetValueUsd / w.CurPrice
		}

		targets = append(targets, types.TargetAllocation{
			Market:         w.Market,
			TraderWeight:   w.Weight,
			TargetValueUsd: targetValueUsd,
			TargetShares:   targetShares,
			CurPrice:       w.CurPrice,
		})
	}
	return targets
}

// ComputeOrders diffs targets against the trading state's effective
// holdings and produces the ordered list of orders to execute this cycle.
//
// tag identifies the target trader in log lines (its short address), per
// the original implementation's practice of tagging every allocation log
// with the trader being copied.
func ComputeOrders(
	targets []types.TargetAllocation,
	tradingState *state.TradingState,
	budgetRemaining float64,
	priceMap map[string]float64,
	tag string,
	logger *slog.Logger,
) []types.SimulatedOrder {
	logger = logger.With("component", "alloc", "trader", tag)

	inTargets := make(map[string]bool, len(targets))
	var sells []types.SimulatedOrder
	var buys []types.SimulatedOrder

	for _, t := range targets {
		inTargets[t.Market.Asset] = true

		held := tradingState.EffectiveHeldShares(t.Market.Asset)
		diff := t.TargetShares - held

		switch {
		case diff > 0:
			cost := diff * t.CurPrice
			if cost < MinNotional {
				logger.Debug("dropping buy below minimum notional",
					"asset", t.Market.Asset, "cost", cost)
				continue
			}
			buys = append(buys, types.SimulatedOrder{
				Market:  t.Market,
				Side:    types.Buy,
				Shares:  diff,
				Price:   t.CurPrice,
				CostUsd: cost,
			})
		case diff < 0:
			shares := -diff
			sells = append(sells, types.SimulatedOrder{
				Market:  t.Market,
				Side:    types.Sell,
				Shares:  shares,
				Price:   t.CurPrice,
				CostUsd: shares * t.CurPrice,
			})
		}
	}

	// Assets the agent still holds (net of resting orders) that the target
	// no longer has: either the market resolved, or the target exited.
	for asset, held := range tradingState.Holdings {
		if inTargets[asset] {
			continue
		}
		effective := tradingState.EffectiveHeldShares(asset)
		if effective <= 0 {
			continue
		}

		price, ok := priceMap[asset]
		if !ok {
			logger.Warn("no exit price available, skipping this cycle", "asset", asset)
			continue
		}

		reason := "trader exited"
		if price <= 0 || price >= 1 {
			reason = "market resolved"
		}
		logger.Info("closing untargeted position", "asset", asset, "reason", reason)

		sells = append(sells, types.SimulatedOrder{
			Market:  types.MarketPosition{Asset: asset, Title: held.Title, Outcome: held.Outcome},
			Side:    types.Sell,
			Shares:  effective,
			Price:   price,
			CostUsd: effective * price,
		})
	}

	orders := make([]types.SimulatedOrder, 0, len(sells)+len(buys))
	orders = append(orders, sells...)

	available := budgetRemaining
	for _, s := range sells {
		available += s.CostUsd
	}

	for _, b := range buys {
		if available < MinNotional {
			break
		}
		if b.CostUsd <= available {
			orders = append(orders, b)
			available -= b.CostUsd
			continue
		}

		affordableShares := available / b.Price
		downsizedCost := affordableShares * b.Price
		if downsizedCost < MinNotional {
			break
		}
		orders = append(orders, types.SimulatedOrder{
			Market:  b.Market,
			Side:    types.Buy,
			Shares:  affordableShares,
			Price:   b.Price,
			CostUsd: downsizedCost,
		})
		available -= downsizedCost
	}

	return orders
}
