// Package state tracks the agent's trading state: holdings, cash budget,
// resting orders, and realized P&L.
//
// TradingState is an explicit aggregate owned exclusively by the control
// loop — nothing else reads or writes it concurrently, so no locking is
// needed (see the control loop's concurrency model). The allocation engine
// reads it through the accessor methods below; the executor's reconciliation
// step is the only mutator besides the control loop's dry-run path.
package state

import (
	"log/slog"
	"math"

	"polycopy/pkg/types"
)

const epsilon = 1e-9

// TradingState is the aggregate root: holdings, resting orders, and the
// scalar budget/P&L counters derived from them.
type TradingState struct {
	logger *slog.Logger

	Holdings map[string]*types.HeldPosition // keyed by asset
	Resting  []*types.RestingOrder

	InitialBudget     float64
	BudgetRemaining   float64
	TotalSpent        float64
	TotalSellProceeds float64
	RealizedPnl       float64

	TotalEvents     uint64
	TotalOrders     uint64
	TotalBuyOrders  uint64
	TotalSellOrders uint64
}

// New creates a trading state seeded with the given USD budget and no
// holdings or resting orders.
func New(budget float64, logger *slog.Logger) *TradingState {
	return &TradingState{
		logger:          logger.With("component", "state"),
		Holdings:        make(map[string]*types.HeldPosition),
		InitialBudget:   budget,
		BudgetRemaining: budget,
	}
}

// EffectiveHeldShares returns holdings adjusted by unfilled resting orders:
// holdings[asset].shares + Σ resting Buy shares − Σ resting Sell shares for
// that asset. This is what the allocation engine compares against so that
// successive cycles cannot double-order against orders still on the book.
func (s *TradingState) EffectiveHeldShares(asset string) float64 {
	shares := 0.0
	if h, ok := s.Holdings[asset]; ok {
		shares = h.Shares
	}
	for _, r := range s.Resting {
		if r.Asset != asset {
			continue
		}
		switch r.Side {
		case types.Buy:
			shares += r.Shares
		case types.Sell:
			shares -= r.Shares
		}
	}
	return shares
}

// EffectiveCapital returns budgetRemaining plus the mark-to-market value of
// holdings and resting buy orders. prices maps asset -> current price; when
// an asset is absent, holdings fall back to avgCost and resting buys fall
// back to their order price.
func (s *TradingState) EffectiveCapital(prices map[string]float64) float64 {
	capital := s.BudgetRemaining

	for asset, h := range s.Holdings {
		price, ok := prices[asset]
		if !ok {
			price = h.AvgCost
		}
		capital += h.Shares * price
	}

	for _, r := range s.Resting {
		if r.Side != types.Buy {
			continue
		}
		price, ok := prices[r.Asset]
		if !ok {
			price = r.Price
		}
		capital += r.Shares * price
	}

	return capital
}

// SeedHoldings records positions the agent's own account already held
// before this run started — discovered at startup, not bought this session.
// Each position's cost (shares*avgCost) is deducted from budgetRemaining,
// since that capital is already committed on the exchange; totalSpent and
// the order counters are left untouched, since seeding is an opening
// balance rather than a trade. Call this once, before any other mutation.
func (s *TradingState) SeedHoldings(positions []types.Position) {
	for _, p := range positions {
		if p.Shares <= 0 {
			continue
		}
		cost := p.Shares * p.AvgCost
		s.Holdings[p.Market.Asset] = &types.HeldPosition{
			Asset:     p.Market.Asset,
			Title:     p.Market.Title,
			Outcome:   p.Market.Outcome,
			Shares:    p.Shares,
			TotalCost: cost,
			AvgCost:   p.AvgCost,
		}
		s.BudgetRemaining -= cost
		s.logger.Info("seeded pre-existing holding", "asset", p.Market.Asset, "shares", p.Shares, "avg_cost", p.AvgCost)
	}
}

// AddRestingOrder appends a resting order to the ledger. For a Buy, this
// reserves its cost against budgetRemaining immediately — reconciliation
// later corrects for any over/under reservation against the actual fill.
func (s *TradingState) AddRestingOrder(r *types.RestingOrder) {
	s.Resting = append(s.Resting, r)
	if r.Side == types.Buy {
		s.BudgetRemaining -= r.CostUsd
	}
}

// ResolveRestingFill removes the named resting order and folds its fill
// into holdings/budget/P&L. No-op if the order is not found (it may have
// already been resolved by a prior cycle's reconciliation).
func (s *TradingState) ResolveRestingFill(orderID string, filledShares, fillPrice float64) {
	idx, r := s.findResting(orderID)
	if r == nil {
		return
	}
	s.Resting = append(s.Resting[:idx], s.Resting[idx+1:]...)

	filledCost := filledShares * fillPrice

	switch r.Side {
	case types.Buy:
		// r.CostUsd was already reserved by AddRestingOrder; reconcile the
		// difference between what was reserved and what actually filled.
		s.BudgetRemaining += r.CostUsd - filledCost
		s.TotalSpent += filledCost
		s.TotalBuyOrders++
		s.upsertBuy(r.Asset, r.Title, r.Outcome, filledShares, filledCost)
	case types.Sell:
		s.BudgetRemaining += filledCost
		s.TotalSellProceeds += filledCost
		s.TotalSellOrders++
		s.applySell(r.Asset, filledShares, fillPrice)
	}
	s.TotalOrders++
}

// ResolveRestingCancel removes the named resting order. For a Buy, its
// reserved cost is refunded to budgetRemaining; a Sell has no reservation
// to undo.
func (s *TradingState) ResolveRestingCancel(orderID string) {
	idx, r := s.findResting(orderID)
	if r == nil {
		return
	}
	s.Resting = append(s.Resting[:idx], s.Resting[idx+1:]...)
	if r.Side == types.Buy {
		s.BudgetRemaining += r.CostUsd
	}
}

// ApplyOrders treats each order as if immediately filled at its stated
// price. Used directly in dry-run mode, and as the inner routine
// ApplyExecutionResults uses for the filled portion of a live result.
func (s *TradingState) ApplyOrders(orders []types.SimulatedOrder) {
	for _, o := range orders {
		switch o.Side {
		case types.Buy:
			s.BudgetRemaining -= o.CostUsd
			s.TotalSpent += o.CostUsd
			s.TotalBuyOrders++
			s.upsertBuy(o.Market.Asset, o.Market.Title, o.Market.Outcome, o.Shares, o.CostUsd)
		case types.Sell:
			s.BudgetRemaining += o.CostUsd
			s.TotalSellProceeds += o.CostUsd
			s.TotalSellOrders++
			s.applySell(o.Market.Asset, o.Shares, o.Price)
		}
		s.TotalOrders++
	}
}

// ApplyExecutionResults reconciles executor output into trading state. It
// is the live-mode counterpart to ApplyOrders: Filled/PartialFill results
// are folded in immediately via the filled portion, PartialFill remainders
// and full Resting results are registered as resting orders, and
// Failed/Skipped results are no-ops.
func (s *TradingState) ApplyExecutionResults(orders []types.SimulatedOrder, results []types.ExecutionResult) {
	for _, res := range results {
		if res.OrderIndex < 0 || res.OrderIndex >= len(orders) {
			s.logger.Warn("execution result references unknown order index", "index", res.OrderIndex)
			continue
		}
		order := orders[res.OrderIndex]

		switch res.Status {
		case types.StatusFilled, types.StatusPartialFill:
			if res.FilledShares > 0 {
				fillPrice := order.Price
				if res.FilledCostUsd > 0 {
					fillPrice = res.FilledCostUsd / res.FilledShares
				}
				s.ApplyOrders([]types.SimulatedOrder{{
					Market:  order.Market,
					Side:    order.Side,
					Shares:  res.FilledShares,
					Price:   fillPrice,
					CostUsd: res.FilledCostUsd,
				}})
			}
			if res.Status == types.StatusPartialFill {
				remainder := order.Shares - res.FilledShares
				if remainder > epsilon {
					s.AddRestingOrder(&types.RestingOrder{
						OrderID: res.OrderID,
						Asset:   order.Market.Asset,
						Title:   order.Market.Title,
						Outcome: order.Market.Outcome,
						Side:    order.Side,
						Shares:  remainder,
						Price:   order.Price,
						CostUsd: remainder * order.Price,
					})
				}
			}
		case types.StatusResting:
			s.AddRestingOrder(&types.RestingOrder{
				OrderID: res.OrderID,
				Asset:   order.Market.Asset,
				Title:   order.Market.Title,
				Outcome: order.Market.Outcome,
				Side:    order.Side,
				Shares:  order.Shares,
				Price:   order.Price,
				CostUsd: order.CostUsd,
			})
		case types.StatusFailed, types.StatusSkipped:
			// no-op: nothing was accepted by the venue.
		}
	}
}

// ExitSummary computes the final report: per-holding current value and
// unrealized P&L, plus aggregate totals. Holdings with no entry in
// latestPrices are valued at 0 (treated as worthless at exit).
func (s *TradingState) ExitSummary(latestPrices map[string]float64) types.ExitSummary {
	holdings := make([]types.HoldingSummary, 0, len(s.Holdings))
	unrealizedPnl := 0.0

	for asset, h := range s.Holdings {
		curPrice := latestPrices[asset]
		currentValue := h.Shares * curPrice
		positionUnrealized := (curPrice - h.AvgCost) * h.Shares
		unrealizedPnl += positionUnrealized

		holdings = append(holdings, types.HoldingSummary{
			Asset:         h.Asset,
			Title:         h.Title,
			Outcome:       h.Outcome,
			Shares:        h.Shares,
			AvgCost:       h.AvgCost,
			CurPrice:      curPrice,
			CurrentValue:  currentValue,
			UnrealizedPnl: positionUnrealized,
		})
	}

	totalPnl := s.RealizedPnl + unrealizedPnl
	pnlPercent := 0.0
	if s.InitialBudget != 0 {
		pnlPercent = 100 * totalPnl / s.InitialBudget
	}

	return types.ExitSummary{
		InitialBudget:     s.InitialBudget,
		BudgetRemaining:   s.BudgetRemaining,
		TotalSpent:        s.TotalSpent,
		TotalSellProceeds: s.TotalSellProceeds,
		RealizedPnl:       s.RealizedPnl,
		UnrealizedPnl:     unrealizedPnl,
		TotalPnl:          totalPnl,
		PnlPercent:        pnlPercent,
		TotalEvents:       s.TotalEvents,
		TotalOrders:       s.TotalOrders,
		TotalBuyOrders:    s.TotalBuyOrders,
		TotalSellOrders:   s.TotalSellOrders,
		Holdings:          holdings,
	}
}

func (s *TradingState) findResting(orderID string) (int, *types.RestingOrder) {
	for i, r := range s.Resting {
		if r.OrderID == orderID {
			return i, r
		}
	}
	return -1, nil
}

func (s *TradingState) upsertBuy(asset, title, outcome string, shares, cost float64) {
	h, ok := s.Holdings[asset]
	if !ok {
		h = &types.HeldPosition{Asset: asset, Title: title, Outcome: outcome}
		s.Holdings[asset] = h
	}
	h.Shares += shares
	h.TotalCost += cost
	if h.Shares > 0 {
		h.AvgCost = h.TotalCost / h.Shares
	} else {
		h.AvgCost = 0
	}
}

func (s *TradingState) applySell(asset string, shares, price float64) {
	h, ok := s.Holdings[asset]
	if !ok {
		return
	}
	pnl := (price - h.AvgCost) * shares
	s.RealizedPnl += pnl

	h.Shares -= shares
	h.TotalCost -= h.AvgCost * shares
	if h.Shares <= epsilon || math.IsNaN(h.Shares) {
		delete(s.Holdings, asset)
	}
}
