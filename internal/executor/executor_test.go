package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"polycopy/internal/state"
	"polycopy/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBroker is a stub OrderBroker driven by scripted per-call responses.
type fakeBroker struct {
	balance    float64
	balanceErr error

	placeResp map[string]types.PlaceOrderResponse // keyed by asset
	placeErrs map[string][]error                  // queued errors per asset, consumed in order

	statusResp map[string]types.OrderStatusResponse
	statusErr  map[string]error

	placedOrders int
}

func (f *fakeBroker) GetCashBalance(ctx context.Context) (float64, error) {
	return f.balance, f.balanceErr
}

func (f *fakeBroker) PlaceLimitOrder(ctx context.Context, req types.PlaceOrderRequest) (types.PlaceOrderResponse, error) {
	f.placedOrders++
	if errs, ok := f.placeErrs[req.Asset]; ok && len(errs) > 0 {
		err := errs[0]
		f.placeErrs[req.Asset] = errs[1:]
		if err != nil {
			return types.PlaceOrderResponse{}, err
		}
	}
	return f.placeResp[req.Asset], nil
}

func (f *fakeBroker) OrderStatus(ctx context.Context, orderID string) (types.OrderStatusResponse, error) {
	if err, ok := f.statusErr[orderID]; ok {
		return types.OrderStatusResponse{}, err
	}
	return f.statusResp[orderID], nil
}

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestExecuteOrdersImmediateMatch(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{
		balance: 100,
		placeResp: map[string]types.PlaceOrderResponse{
			"A": {Success: true, OrderID: "o1", Status: types.OrderMatched},
		},
	}
	ex := New(broker, testLogger())

	orders := []types.SimulatedOrder{
		{Market: types.MarketPosition{Asset: "A"}, Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5},
	}
	results := ex.ExecuteOrders(context.Background(), orders)

	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].Status != types.StatusFilled {
		t.Errorf("Status = %v, want Filled", results[0].Status)
	}
	if results[0].FilledShares != 10 {
		t.Errorf("FilledShares = %v, want 10", results[0].FilledShares)
	}
}

func TestExecuteOrdersBalanceGuardSkipsBuys(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{balance: 0.50}
	ex := New(broker, testLogger())

	orders := []types.SimulatedOrder{
		{Market: types.MarketPosition{Asset: "A"}, Side: types.Sell, Shares: 10, Price: 0.5, CostUsd: 5},
		{Market: types.MarketPosition{Asset: "B"}, Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5},
	}
	// sell still needs a broker response
	broker.placeResp = map[string]types.PlaceOrderResponse{
		"A": {Success: true, OrderID: "o1", Status: types.OrderMatched},
	}

	results := ex.ExecuteOrders(context.Background(), orders)
	if results[0].Status != types.StatusFilled {
		t.Errorf("sell should still execute, got %v", results[0].Status)
	}
	if results[1].Status != types.StatusSkipped {
		t.Errorf("buy should be skipped on low balance, got %v", results[1].Status)
	}
	if results[1].ErrorMsg != "insufficient balance" {
		t.Errorf("ErrorMsg = %q, want 'insufficient balance'", results[1].ErrorMsg)
	}
}

func TestExecuteOrdersBalanceCheckErrorSkipsBuys(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{balanceErr: errors.New("network down")}
	ex := New(broker, testLogger())

	orders := []types.SimulatedOrder{
		{Market: types.MarketPosition{Asset: "A"}, Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5},
	}
	results := ex.ExecuteOrders(context.Background(), orders)
	if results[0].Status != types.StatusSkipped {
		t.Errorf("Status = %v, want Skipped", results[0].Status)
	}
}

func TestExecuteOrdersSharesTruncateToZeroFails(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{balance: 100}
	ex := New(broker, testLogger())

	orders := []types.SimulatedOrder{
		{Market: types.MarketPosition{Asset: "A"}, Side: types.Buy, Shares: 0.004, Price: 0.5, CostUsd: 0.002},
	}
	results := ex.ExecuteOrders(context.Background(), orders)
	if results[0].Status != types.StatusFailed {
		t.Errorf("Status = %v, want Failed (truncates to zero shares)", results[0].Status)
	}
}

func TestExecuteOrdersPlaceFailureYieldsFailed(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{
		balance: 100,
		placeResp: map[string]types.PlaceOrderResponse{
			"A": {Success: false, ErrorMsg: "rejected: bad price"},
		},
	}
	ex := New(broker, testLogger())

	orders := []types.SimulatedOrder{
		{Market: types.MarketPosition{Asset: "A"}, Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5},
	}
	results := ex.ExecuteOrders(context.Background(), orders)
	if results[0].Status != types.StatusFailed {
		t.Errorf("Status = %v, want Failed", results[0].Status)
	}
	if results[0].ErrorMsg != "rejected: bad price" {
		t.Errorf("ErrorMsg = %q, want server message", results[0].ErrorMsg)
	}
}

func TestExecuteOrdersRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{
		balance: 100,
		placeErrs: map[string][]error{
			"A": {errors.New("503 service unavailable"), errors.New("connection reset"), nil},
		},
		placeResp: map[string]types.PlaceOrderResponse{
			"A": {Success: true, OrderID: "o1", Status: types.OrderMatched},
		},
	}
	ex := New(broker, testLogger())

	orders := []types.SimulatedOrder{
		{Market: types.MarketPosition{Asset: "A"}, Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5},
	}
	results := ex.ExecuteOrders(context.Background(), orders)
	if results[0].Status != types.StatusFilled {
		t.Errorf("Status = %v, want Filled after retries", results[0].Status)
	}
	if broker.placedOrders != 3 {
		t.Errorf("placedOrders = %d, want 3 attempts", broker.placedOrders)
	}
}

func TestExecuteOrdersNonTransientErrorFailsImmediately(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{
		balance: 100,
		placeErrs: map[string][]error{
			"A": {errors.New("invalid signature")},
		},
	}
	ex := New(broker, testLogger())

	orders := []types.SimulatedOrder{
		{Market: types.MarketPosition{Asset: "A"}, Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5},
	}
	results := ex.ExecuteOrders(context.Background(), orders)
	if results[0].Status != types.StatusFailed {
		t.Errorf("Status = %v, want Failed", results[0].Status)
	}
	if broker.placedOrders != 1 {
		t.Errorf("placedOrders = %d, want 1 (no retry on non-transient error)", broker.placedOrders)
	}
}

func TestExecuteOrdersLiveNoFillYieldsResting(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{
		balance: 100,
		placeResp: map[string]types.PlaceOrderResponse{
			"A": {Success: true, OrderID: "o1", Status: types.OrderLive},
		},
		statusResp: map[string]types.OrderStatusResponse{
			"o1": {Status: types.OrderLive, SizeMatched: dec(0), OriginalSize: dec(10), Price: dec(0.5)},
		},
	}
	ex := New(broker, testLogger())

	orders := []types.SimulatedOrder{
		{Market: types.MarketPosition{Asset: "A"}, Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5},
	}
	results := ex.ExecuteOrders(context.Background(), orders)
	if results[0].Status != types.StatusResting {
		t.Errorf("Status = %v, want Resting", results[0].Status)
	}
}

func TestExecuteOrdersLivePartialFillYieldsPartialFill(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{
		balance: 100,
		placeResp: map[string]types.PlaceOrderResponse{
			"A": {Success: true, OrderID: "o1", Status: types.OrderLive},
		},
		statusResp: map[string]types.OrderStatusResponse{
			"o1": {Status: types.OrderLive, SizeMatched: dec(5), OriginalSize: dec(10), Price: dec(0.5)},
		},
	}
	ex := New(broker, testLogger())

	orders := []types.SimulatedOrder{
		{Market: types.MarketPosition{Asset: "A"}, Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5},
	}
	results := ex.ExecuteOrders(context.Background(), orders)
	if results[0].Status != types.StatusPartialFill {
		t.Errorf("Status = %v, want PartialFill", results[0].Status)
	}
	if results[0].FilledShares != 5 {
		t.Errorf("FilledShares = %v, want 5", results[0].FilledShares)
	}
}

func TestExecuteOrdersCanceledNoFillYieldsFailed(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{
		balance: 100,
		placeResp: map[string]types.PlaceOrderResponse{
			"A": {Success: true, OrderID: "o1", Status: types.OrderLive},
		},
		statusResp: map[string]types.OrderStatusResponse{
			"o1": {Status: types.OrderCanceled, SizeMatched: dec(0), OriginalSize: dec(10), Price: dec(0.5)},
		},
	}
	ex := New(broker, testLogger())

	orders := []types.SimulatedOrder{
		{Market: types.MarketPosition{Asset: "A"}, Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5},
	}
	results := ex.ExecuteOrders(context.Background(), orders)
	if results[0].Status != types.StatusFailed {
		t.Errorf("Status = %v, want Failed", results[0].Status)
	}
}

func TestExecuteOrdersStatusQueryErrorIsOptimisticFilled(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{
		balance: 100,
		placeResp: map[string]types.PlaceOrderResponse{
			"A": {Success: true, OrderID: "o1", Status: types.OrderLive},
		},
		statusErr: map[string]error{"o1": errors.New("timeout")},
	}
	ex := New(broker, testLogger())

	orders := []types.SimulatedOrder{
		{Market: types.MarketPosition{Asset: "A"}, Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5},
	}
	results := ex.ExecuteOrders(context.Background(), orders)
	if results[0].Status != types.StatusFilled {
		t.Errorf("Status = %v, want optimistic Filled", results[0].Status)
	}
	if results[0].ErrorMsg == "" {
		t.Errorf("expected ErrorMsg to note the status check failure")
	}
}

func TestCheckRestingOrdersResolvesFillAndCancel(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{
		statusResp: map[string]types.OrderStatusResponse{
			"r1": {Status: types.OrderMatched, SizeMatched: dec(10), Price: dec(0.5)},
			"r2": {Status: types.OrderUnmatched, SizeMatched: dec(0)},
		},
	}
	ex := New(broker, testLogger())
	s := state.New(1000, testLogger())
	s.AddRestingOrder(&types.RestingOrder{OrderID: "r1", Asset: "A", Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5})
	s.AddRestingOrder(&types.RestingOrder{OrderID: "r2", Asset: "B", Side: types.Buy, Shares: 4, Price: 0.5, CostUsd: 2})

	ex.CheckRestingOrders(context.Background(), s)

	if len(s.Resting) != 0 {
		t.Errorf("expected all resting orders resolved, got %+v", s.Resting)
	}
	if s.Holdings["A"] == nil || s.Holdings["A"].Shares != 10 {
		t.Errorf("expected A filled into holdings, got %+v", s.Holdings["A"])
	}
}

func TestCheckRestingOrdersLeavesLiveOrdersInPlace(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{
		statusResp: map[string]types.OrderStatusResponse{
			"r1": {Status: types.OrderLive, SizeMatched: dec(0)},
		},
	}
	ex := New(broker, testLogger())
	s := state.New(1000, testLogger())
	s.AddRestingOrder(&types.RestingOrder{OrderID: "r1", Asset: "A", Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5})

	ex.CheckRestingOrders(context.Background(), s)

	if len(s.Resting) != 1 {
		t.Errorf("expected resting order to remain live, got %+v", s.Resting)
	}
}

func TestCheckRestingOrdersQueryErrorLeavesEntryInPlace(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{
		statusErr: map[string]error{"r1": errors.New("network error")},
	}
	ex := New(broker, testLogger())
	s := state.New(1000, testLogger())
	s.AddRestingOrder(&types.RestingOrder{OrderID: "r1", Asset: "A", Side: types.Buy, Shares: 10, Price: 0.5, CostUsd: 5})

	ex.CheckRestingOrders(context.Background(), s)

	if len(s.Resting) != 1 {
		t.Errorf("expected resting order to remain on query error, got %+v", s.Resting)
	}
}
