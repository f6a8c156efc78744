// Package control drives the copytrade agent's lifecycle: an initial
// replication of the target's current portfolio, a polling loop that
// reacts to the target's new trades, and a final exit summary on
// shutdown. It is the only caller of internal/state — no other package
// reads or writes TradingState concurrently.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polycopy/internal/alloc"
	"polycopy/internal/executor"
	"polycopy/internal/reporter"
	"polycopy/internal/risk"
	"polycopy/internal/state"
	"polycopy/pkg/types"
)

const recentTradesLimit = 50

// MarketData is the portfolio/trade-history collaborator.
type MarketData interface {
	ActivePositions(ctx context.Context, addr string) ([]types.Position, error)
	RecentTrades(ctx context.Context, addr string, limit int) ([]types.Trade, error)
}

// PriceSource resolves prices for assets not present in the active
// position set (assets the agent still holds but the target has exited).
type PriceSource interface {
	Prices(ctx context.Context, tokenIDs []string) map[string]float64
}

// EventSink receives a live feed of cycle events, for an observability
// dashboard. Optional; Loop works with a nil sink.
type EventSink interface {
	Broadcast(event types.CopytradeEvent)
}

// Broker is the exchange surface the loop drives directly — order
// submission/status (delegated straight through to the executor) plus the
// resting-order cancellation the loop itself issues at startup and
// shutdown. *exchange.Client satisfies this with no changes: executor.
// OrderBroker stays narrow, scoped to what Executor alone needs.
type Broker interface {
	executor.OrderBroker
	CancelOrders(ctx context.Context, orderIDs []string) (types.CancelResult, error)
	CancelAllOwnOrders(ctx context.Context) (types.CancelResult, error)
}

// Config parameterizes one Loop run.
type Config struct {
	TraderAddress  string
	OwnAddress     string
	Budget         float64
	CopyPercentage float64
	MaxTradePct    float64
	PollInterval   time.Duration
	DryRun         bool
}

// Loop owns the agent's trading state and coordinates every other
// component across the startup, polling, and shutdown phases.
type Loop struct {
	cfg      Config
	data     MarketData
	prices   PriceSource
	broker   Broker
	exec     *executor.Executor
	guard    *risk.Guard
	reporter *reporter.Reporter
	sink     EventSink
	dedup    *dedup
	state    *state.TradingState
	logger   *slog.Logger
}

// New creates a Loop. sink may be nil.
func New(
	cfg Config,
	data MarketData,
	prices PriceSource,
	broker Broker,
	guard *risk.Guard,
	rep *reporter.Reporter,
	sink EventSink,
	logger *slog.Logger,
) *Loop {
	return &Loop{
		cfg:      cfg,
		data:     data,
		prices:   prices,
		broker:   broker,
		exec:     executor.New(broker, logger),
		guard:    guard,
		reporter: rep,
		sink:     sink,
		dedup:    newDedup(),
		state:    state.New(cfg.Budget, logger),
		logger:   logger.With("component", "control"),
	}
}

// Run executes the full agent lifecycle: in live mode, purging stale
// orders and seeding own-account holdings before a funding check; then an
// initial replication, then polling until ctx is cancelled, then an exit
// summary. A per-cycle error never aborts the loop — it is logged and the
// loop waits for the next tick.
func (l *Loop) Run(ctx context.Context) error {
	if !l.cfg.DryRun {
		if err := l.runLiveStartupChecks(ctx); err != nil {
			return err
		}
	}

	if err := l.seedDedup(ctx); err != nil {
		l.logger.Warn("failed to seed trade dedup, starting with empty baseline", "error", err)
	}

	if err := l.runInitialReplication(ctx); err != nil {
		l.logger.Error("initial replication failed", "error", err)
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.runShutdown(context.Background())
			return nil
		case <-ticker.C:
			if err := l.pollCycle(ctx); err != nil {
				l.logger.Error("poll cycle failed, continuing", "error", err)
			}
		}
	}
}

// runLiveStartupChecks purges stale orders from a prior run, seeds trading
// state with whatever the agent's own account already holds, and refuses to
// proceed unless cash plus that held value covers the configured budget.
func (l *Loop) runLiveStartupChecks(ctx context.Context) error {
	if _, err := l.broker.CancelAllOwnOrders(ctx); err != nil {
		l.logger.Warn("failed to cancel stale orders from a prior run", "error", err)
	}

	ownPositions, err := l.data.ActivePositions(ctx, l.cfg.OwnAddress)
	if err != nil {
		l.logger.Warn("failed to fetch own holdings, assuming no prior position", "error", err)
		ownPositions = nil
	}
	l.state.SeedHoldings(ownPositions)

	heldValue := 0.0
	for _, p := range ownPositions {
		heldValue += p.Shares * p.CurPrice
	}
	if err := l.guard.CheckFunding(ctx, l.broker, heldValue, l.cfg.Budget); err != nil {
		return fmt.Errorf("funding check: %w", err)
	}
	return nil
}

func (l *Loop) seedDedup(ctx context.Context) error {
	trades, err := l.data.RecentTrades(ctx, l.cfg.TraderAddress, recentTradesLimit)
	if err != nil {
		return err
	}
	hashes := make([]string, len(trades))
	for i, t := range trades {
		hashes[i] = t.TransactionHash
	}
	l.dedup.Seed(hashes)
	return nil
}

func (l *Loop) runInitialReplication(ctx context.Context) error {
	positions, err := l.data.ActivePositions(ctx, l.cfg.TraderAddress)
	if err != nil {
		return fmt.Errorf("fetch active positions: %w", err)
	}

	weights := alloc.ComputeWeights(positions)
	priceMap := buildPriceMap(positions)
	runningBudget := l.state.EffectiveCapital(priceMap)
	targets := alloc.ComputeTargets(weights, runningBudget, l.cfg.CopyPercentage, l.cfg.MaxTradePct)

	orders := alloc.ComputeOrders(targets, l.state, l.state.BudgetRemaining, nil, traderTag(l.cfg.TraderAddress), l.logger)
	if len(orders) == 0 {
		l.logger.Info("initial replication produced no orders")
		return nil
	}

	l.applyOrders(ctx, orders, types.InitialReplication, nil, priceMap)
	return nil
}

func (l *Loop) pollCycle(ctx context.Context) error {
	l.exec.CheckRestingOrders(ctx, l.state)

	trades, err := l.data.RecentTrades(ctx, l.cfg.TraderAddress, recentTradesLimit)
	if err != nil {
		return fmt.Errorf("fetch recent trades: %w", err)
	}
	hashes := make([]string, len(trades))
	for i, t := range trades {
		hashes[i] = t.TransactionHash
	}
	newHashes := l.dedup.NewHashes(hashes)
	if len(newHashes) == 0 {
		return nil
	}
	l.logger.Info("new trades detected", "count", len(newHashes))

	positions, err := l.data.ActivePositions(ctx, l.cfg.TraderAddress)
	if err != nil {
		return fmt.Errorf("fetch active positions: %w", err)
	}

	weights := alloc.ComputeWeights(positions)
	activePrices := buildPriceMap(positions)
	runningBudget := l.state.EffectiveCapital(activePrices)
	targets := alloc.ComputeTargets(weights, runningBudget, l.cfg.CopyPercentage, l.cfg.MaxTradePct)

	exitPriceMap := l.buildExitPriceMap(ctx, activePrices, targets)

	orders := alloc.ComputeOrders(targets, l.state, l.state.BudgetRemaining, exitPriceMap, traderTag(l.cfg.TraderAddress), l.logger)
	if len(orders) == 0 {
		return nil
	}

	l.applyOrders(ctx, orders, types.TradeDetected, newHashes, exitPriceMap)
	return nil
}

// applyOrders executes (or in dry-run mode, directly applies) orders and
// emits a CopytradeEvent recording the outcome. priceMap is used only to
// compute an equity snapshot for the drawdown guard.
func (l *Loop) applyOrders(ctx context.Context, orders []types.SimulatedOrder, trigger types.EventTrigger, detectedHashes []string, priceMap map[string]float64) {
	event := types.CopytradeEvent{
		Timestamp:           time.Now(),
		Trigger:             trigger,
		DetectedTradeHashes: detectedHashes,
		Orders:              orders,
	}

	if l.cfg.DryRun {
		l.state.ApplyOrders(orders)
	} else {
		results := l.exec.ExecuteOrders(ctx, orders)
		l.state.ApplyExecutionResults(orders, results)
		event.ExecutionResults = results
	}

	event.BudgetRemaining = l.state.BudgetRemaining
	event.TotalSpent = l.state.TotalSpent

	if l.reporter != nil {
		l.reporter.ReportEvent(event)
	}
	if l.sink != nil {
		l.sink.Broadcast(event)
	}

	l.guard.Observe(l.state.EffectiveCapital(priceMap))
}

// runShutdown cancels resting orders (live mode only), fetches final
// prices, computes the exit summary, and reports it.
func (l *Loop) runShutdown(ctx context.Context) {
	if !l.cfg.DryRun {
		l.cancelRestingOrders(ctx)
	}

	positions, err := l.data.ActivePositions(ctx, l.cfg.TraderAddress)
	activePrices := map[string]float64{}
	if err != nil {
		l.logger.Warn("failed to fetch final positions for exit summary", "error", err)
	} else {
		activePrices = buildPriceMap(positions)
	}

	var heldAssets []string
	for asset := range l.state.Holdings {
		if _, ok := activePrices[asset]; !ok {
			heldAssets = append(heldAssets, asset)
		}
	}
	if len(heldAssets) > 0 && l.prices != nil {
		for asset, price := range l.prices.Prices(ctx, heldAssets) {
			activePrices[asset] = price
		}
	}

	summary := l.state.ExitSummary(activePrices)
	if l.reporter != nil {
		l.reporter.ReportExitSummary(summary)
	}
}

// cancelRestingOrders batch-cancels every order still resting on the book
// and resolves each one the venue confirms cancelled back into trading
// state, refunding its reserved budget.
func (l *Loop) cancelRestingOrders(ctx context.Context) {
	if len(l.state.Resting) == 0 {
		return
	}

	orderIDs := make([]string, len(l.state.Resting))
	for i, r := range l.state.Resting {
		orderIDs[i] = r.OrderID
	}

	result, err := l.broker.CancelOrders(ctx, orderIDs)
	if err != nil {
		l.logger.Warn("failed to cancel resting orders on shutdown", "error", err)
		return
	}
	for _, id := range result.Canceled {
		l.state.ResolveRestingCancel(id)
	}
	for id, msg := range result.NotCanceled {
		l.logger.Warn("resting order could not be cancelled on shutdown", "order_id", id, "error", msg)
	}
}

// buildPriceMap extracts asset -> curPrice from a position set.
func buildPriceMap(positions []types.Position) map[string]float64 {
	m := make(map[string]float64, len(positions))
	for _, p := range positions {
		m[p.Market.Asset] = p.CurPrice
	}
	return m
}

// traderTag returns the last six characters of addr, used to tag
// allocation log lines with the trader being copied.
func traderTag(addr string) string {
	if len(addr) <= 6 {
		return addr
	}
	return addr[len(addr)-6:]
}

// buildExitPriceMap starts from the active-position price map and fills in
// prices for any held-but-untargeted asset via the price oracle.
func (l *Loop) buildExitPriceMap(ctx context.Context, activePrices map[string]float64, targets []types.TargetAllocation) map[string]float64 {
	targeted := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		targeted[t.Market.Asset] = struct{}{}
	}

	var missing []string
	for asset := range l.state.Holdings {
		if _, isTargeted := targeted[asset]; isTargeted {
			continue
		}
		if _, hasPrice := activePrices[asset]; hasPrice {
			continue
		}
		missing = append(missing, asset)
	}

	result := make(map[string]float64, len(activePrices)+len(missing))
	for k, v := range activePrices {
		result[k] = v
	}
	if len(missing) == 0 || l.prices == nil {
		return result
	}

	for asset, price := range l.prices.Prices(ctx, missing) {
		result[asset] = price
	}
	return result
}
