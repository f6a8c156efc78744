package control

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/reporter"
	"polycopy/internal/risk"
	"polycopy/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMarketData is a scripted MarketData double.
type fakeMarketData struct {
	mu sync.Mutex

	positions    []types.Position
	positionsErr error

	trades    []types.Trade
	tradesErr error

	positionCalls int
	tradeCalls    int
}

func (f *fakeMarketData) ActivePositions(ctx context.Context, addr string) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionCalls++
	return f.positions, f.positionsErr
}

func (f *fakeMarketData) RecentTrades(ctx context.Context, addr string, limit int) ([]types.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tradeCalls++
	return f.trades, f.tradesErr
}

// fakePriceSource is a scripted PriceSource double.
type fakePriceSource struct {
	prices map[string]float64
}

func (f *fakePriceSource) Prices(ctx context.Context, tokenIDs []string) map[string]float64 {
	out := make(map[string]float64, len(tokenIDs))
	for _, id := range tokenIDs {
		if p, ok := f.prices[id]; ok {
			out[id] = p
		}
	}
	return out
}

// fakeSink records broadcast events.
type fakeSink struct {
	mu     sync.Mutex
	events []types.CopytradeEvent
}

func (f *fakeSink) Broadcast(event types.CopytradeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// fakeBroker is a minimal OrderBroker double satisfying control.Broker.
type fakeBroker struct {
	balance    float64
	balanceErr error
	placeResp  types.PlaceOrderResponse
	statusResp types.OrderStatusResponse

	cancelResult       types.CancelResult
	cancelAllCalls     int
	cancelOrdersCalled []string
}

func (f *fakeBroker) GetCashBalance(ctx context.Context) (float64, error) {
	return f.balance, f.balanceErr
}

func (f *fakeBroker) PlaceLimitOrder(ctx context.Context, req types.PlaceOrderRequest) (types.PlaceOrderResponse, error) {
	return f.placeResp, nil
}

func (f *fakeBroker) OrderStatus(ctx context.Context, orderID string) (types.OrderStatusResponse, error) {
	return f.statusResp, nil
}

func (f *fakeBroker) CancelOrders(ctx context.Context, orderIDs []string) (types.CancelResult, error) {
	f.cancelOrdersCalled = append(f.cancelOrdersCalled, orderIDs...)
	if f.cancelResult.Canceled == nil && f.cancelResult.NotCanceled == nil {
		return types.CancelResult{Canceled: orderIDs}, nil
	}
	return f.cancelResult, nil
}

func (f *fakeBroker) CancelAllOwnOrders(ctx context.Context) (types.CancelResult, error) {
	f.cancelAllCalls++
	return types.CancelResult{}, nil
}

func mkPosition(asset string, shares, curPrice float64) types.Position {
	return types.Position{
		Market:       types.MarketPosition{Asset: asset, Title: asset},
		Shares:       shares,
		AvgCost:      curPrice,
		CurPrice:     curPrice,
		CurrentValue: shares * curPrice,
	}
}

func newTestLoop(data MarketData, prices PriceSource, broker *fakeBroker, sink EventSink, rep *reporter.Reporter, budget float64, dryRun bool) *Loop {
	cfg := Config{
		TraderAddress:  "0xtrader",
		Budget:         budget,
		CopyPercentage: 1.0,
		MaxTradePct:    1.0,
		PollInterval:   10 * time.Millisecond,
		DryRun:         dryRun,
	}
	guard := risk.New(config.RiskConfig{}, testLogger())
	return New(cfg, data, prices, broker, guard, rep, sink, testLogger())
}

func TestRunInitialReplicationAppliesStartupOrdersDryRun(t *testing.T) {
	t.Parallel()
	data := &fakeMarketData{
		positions: []types.Position{mkPosition("A", 100, 0.5)},
	}
	sink := &fakeSink{}
	broker := &fakeBroker{balance: 1000}
	loop := newTestLoop(data, nil, broker, sink, nil, 100, true)

	if err := loop.runInitialReplication(context.Background()); err != nil {
		t.Fatalf("runInitialReplication: %v", err)
	}

	if _, ok := loop.state.Holdings["A"]; !ok {
		t.Fatalf("expected holding A after replication, got %+v", loop.state.Holdings)
	}
	if sink.count() != 1 {
		t.Errorf("sink events = %d, want 1", sink.count())
	}
}

func TestRunInitialReplicationNoOrdersWhenPortfolioEmpty(t *testing.T) {
	t.Parallel()
	data := &fakeMarketData{positions: nil}
	sink := &fakeSink{}
	broker := &fakeBroker{balance: 1000}
	loop := newTestLoop(data, nil, broker, sink, nil, 100, true)

	if err := loop.runInitialReplication(context.Background()); err != nil {
		t.Fatalf("runInitialReplication: %v", err)
	}
	if sink.count() != 0 {
		t.Errorf("sink events = %d, want 0", sink.count())
	}
}

func TestRunInitialReplicationPropagatesFetchError(t *testing.T) {
	t.Parallel()
	data := &fakeMarketData{positionsErr: errFetch}
	broker := &fakeBroker{balance: 1000}
	loop := newTestLoop(data, nil, broker, nil, nil, 100, true)

	if err := loop.runInitialReplication(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestPollCycleSkipsWhenNoNewTrades(t *testing.T) {
	t.Parallel()
	data := &fakeMarketData{trades: []types.Trade{{TransactionHash: "0x1"}}}
	sink := &fakeSink{}
	broker := &fakeBroker{balance: 1000}
	loop := newTestLoop(data, nil, broker, sink, nil, 100, true)

	if err := loop.seedDedup(context.Background()); err != nil {
		t.Fatalf("seedDedup: %v", err)
	}

	if err := loop.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}
	if data.positionCalls != 0 {
		t.Errorf("positionCalls = %d, want 0 (no new trades means no reallocation)", data.positionCalls)
	}
	if sink.count() != 0 {
		t.Errorf("sink events = %d, want 0", sink.count())
	}
}

func TestPollCycleAppliesOrdersOnNewTrade(t *testing.T) {
	t.Parallel()
	data := &fakeMarketData{
		trades:    []types.Trade{{TransactionHash: "0x1"}},
		positions: []types.Position{mkPosition("A", 100, 0.5)},
	}
	sink := &fakeSink{}
	broker := &fakeBroker{balance: 1000}
	loop := newTestLoop(data, nil, broker, sink, nil, 100, true)

	if err := loop.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("sink events = %d, want 1", sink.count())
	}
	if data.positionCalls != 1 {
		t.Errorf("positionCalls = %d, want 1", data.positionCalls)
	}
}

func TestPollCycleDedupsAcrossCalls(t *testing.T) {
	t.Parallel()
	data := &fakeMarketData{
		trades:    []types.Trade{{TransactionHash: "0x1"}},
		positions: []types.Position{mkPosition("A", 100, 0.5)},
	}
	sink := &fakeSink{}
	broker := &fakeBroker{balance: 1000}
	loop := newTestLoop(data, nil, broker, sink, nil, 100, true)

	if err := loop.pollCycle(context.Background()); err != nil {
		t.Fatalf("first pollCycle: %v", err)
	}
	if err := loop.pollCycle(context.Background()); err != nil {
		t.Fatalf("second pollCycle: %v", err)
	}
	if sink.count() != 1 {
		t.Errorf("sink events = %d, want 1 (second cycle saw no new trade)", sink.count())
	}
}

func TestRunShutdownEmitsExitSummaryUsingOracleForMissingPrices(t *testing.T) {
	t.Parallel()
	data := &fakeMarketData{
		positions: []types.Position{mkPosition("A", 100, 0.5)},
	}
	sink := &fakeSink{}
	broker := &fakeBroker{balance: 1000}
	loop := newTestLoop(data, nil, broker, sink, nil, 100, true)

	if err := loop.runInitialReplication(context.Background()); err != nil {
		t.Fatalf("runInitialReplication: %v", err)
	}

	// Next call to ActivePositions reports the target has exited "A"
	// entirely; the loop must fall back to the price oracle for it.
	data.positions = nil
	prices := &fakePriceSource{prices: map[string]float64{"A": 0.7}}
	loop.prices = prices

	var buf bytes.Buffer
	loop.reporter = reporter.NewWithWriter(&buf, testLogger())

	loop.runShutdown(context.Background())

	if buf.Len() == 0 {
		t.Fatal("expected exit summary output")
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	t.Parallel()
	data := &fakeMarketData{}
	broker := &fakeBroker{balance: 1000}
	loop := newTestLoop(data, nil, broker, nil, nil, 100, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestCheckFundingRefusesStartWhenBalanceTooLow(t *testing.T) {
	t.Parallel()
	data := &fakeMarketData{}
	broker := &fakeBroker{balance: 1}
	cfg := Config{TraderAddress: "0xtrader", Budget: 100, PollInterval: 10 * time.Millisecond}
	guard := risk.New(config.RiskConfig{}, testLogger())
	loop := New(cfg, data, nil, broker, guard, nil, nil, testLogger())

	if err := loop.Run(context.Background()); err == nil {
		t.Fatal("expected Run to fail the funding check")
	}
}

func TestRunLiveStartupChecksSeedsOwnHoldingsAndCoversBudgetFromHeldValue(t *testing.T) {
	t.Parallel()
	data := &fakeMarketData{positions: []types.Position{mkPosition("A", 50, 0.5)}}
	broker := &fakeBroker{balance: 80}
	cfg := Config{TraderAddress: "0xtrader", OwnAddress: "0xagent", Budget: 100, PollInterval: 10 * time.Millisecond}
	guard := risk.New(config.RiskConfig{}, testLogger())
	loop := New(cfg, data, nil, broker, guard, nil, nil, testLogger())

	if err := loop.runLiveStartupChecks(context.Background()); err != nil {
		t.Fatalf("runLiveStartupChecks: %v", err)
	}

	h, ok := loop.state.Holdings["A"]
	if !ok {
		t.Fatalf("expected holding A seeded from own account, got %+v", loop.state.Holdings)
	}
	if h.Shares != 50 {
		t.Errorf("seeded shares = %v, want 50", h.Shares)
	}
	wantRemaining := 100.0 - 50*0.5 // budget minus seeded cost
	if loop.state.BudgetRemaining != wantRemaining {
		t.Errorf("BudgetRemaining = %v, want %v", loop.state.BudgetRemaining, wantRemaining)
	}
}

func TestRunLiveStartupChecksCancelsStaleOrders(t *testing.T) {
	t.Parallel()
	data := &fakeMarketData{}
	broker := &fakeBroker{balance: 1000}
	cfg := Config{TraderAddress: "0xtrader", OwnAddress: "0xagent", Budget: 100, PollInterval: 10 * time.Millisecond}
	guard := risk.New(config.RiskConfig{}, testLogger())
	loop := New(cfg, data, nil, broker, guard, nil, nil, testLogger())

	if err := loop.runLiveStartupChecks(context.Background()); err != nil {
		t.Fatalf("runLiveStartupChecks: %v", err)
	}
	if broker.cancelAllCalls != 1 {
		t.Errorf("CancelAllOwnOrders calls = %d, want 1", broker.cancelAllCalls)
	}
}

func TestRunShutdownCancelsRestingOrdersWhenLive(t *testing.T) {
	t.Parallel()
	data := &fakeMarketData{}
	broker := &fakeBroker{balance: 1000}
	loop := newTestLoop(data, nil, broker, nil, nil, 100, false)
	loop.state.AddRestingOrder(&types.RestingOrder{OrderID: "order-1", Asset: "A", Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5})

	loop.runShutdown(context.Background())

	if len(broker.cancelOrdersCalled) != 1 || broker.cancelOrdersCalled[0] != "order-1" {
		t.Errorf("CancelOrders called with %v, want [order-1]", broker.cancelOrdersCalled)
	}
	if len(loop.state.Resting) != 0 {
		t.Errorf("expected resting order resolved after shutdown cancel, got %+v", loop.state.Resting)
	}
}

func TestRunShutdownSkipsCancelInDryRun(t *testing.T) {
	t.Parallel()
	data := &fakeMarketData{}
	broker := &fakeBroker{balance: 1000}
	loop := newTestLoop(data, nil, broker, nil, nil, 100, true)
	loop.state.AddRestingOrder(&types.RestingOrder{OrderID: "order-1", Asset: "A", Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5})

	loop.runShutdown(context.Background())

	if len(broker.cancelOrdersCalled) != 0 {
		t.Errorf("expected no CancelOrders call in dry-run, got %v", broker.cancelOrdersCalled)
	}
}

func TestApplyOrdersStampsEventTimestamp(t *testing.T) {
	t.Parallel()
	data := &fakeMarketData{}
	sink := &fakeSink{}
	broker := &fakeBroker{balance: 1000}
	loop := newTestLoop(data, nil, broker, sink, nil, 100, true)

	before := time.Now()
	loop.applyOrders(context.Background(), []types.SimulatedOrder{
		{Market: types.MarketPosition{Asset: "A"}, Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5},
	}, types.TradeDetected, []string{"0x1"}, nil)

	if sink.count() != 1 {
		t.Fatalf("sink events = %d, want 1", sink.count())
	}
	ts := sink.events[0].Timestamp
	if ts.Before(before) || ts.After(time.Now()) {
		t.Errorf("event timestamp %v not within test window", ts)
	}
}

var errFetch = &fetchError{}

type fetchError struct{}

func (*fetchError) Error() string { return "fetch failed" }
