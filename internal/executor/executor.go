// Package executor submits simulated orders to the venue and classifies
// their outcomes, then reconciles resting orders back into trading state.
//
// State is held only for the lifetime of one ExecuteOrders call — the
// executor is stateless between calls; all persistent bookkeeping lives in
// internal/state. Orders are processed strictly sequentially (never in
// parallel) to preserve the sell-before-buy budget invariant the allocation
// engine already established, and to respect venue rate limits.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/internal/state"
	"polycopy/pkg/types"
)

const (
	// interOrderDelay smooths request rate between consecutive order
	// submissions.
	interOrderDelay = 200 * time.Millisecond
	// fillCheckDelay is the fixed wait before querying order status when
	// a post did not report an immediate match.
	fillCheckDelay = 2 * time.Second
	// maxRetries bounds the number of submission attempts for a single
	// order in the face of transient errors.
	maxRetries = 3
	// baseBackoff is the base exponential-backoff delay between retries:
	// baseBackoff * 2^attempt.
	baseBackoff = 500 * time.Millisecond
	// minBalanceUSD is the minimum cash balance required before any buy
	// in a batch is attempted.
	minBalanceUSD = 1.00
)

// OrderBroker is the live-mode trading venue collaborator. Implementations
// may be a real CLOB client or a test double.
type OrderBroker interface {
	GetCashBalance(ctx context.Context) (float64, error)
	PlaceLimitOrder(ctx context.Context, req types.PlaceOrderRequest) (types.PlaceOrderResponse, error)
	OrderStatus(ctx context.Context, orderID string) (types.OrderStatusResponse, error)
}

// Executor submits SimulatedOrders to an OrderBroker and classifies their
// outcomes.
type Executor struct {
	broker OrderBroker
	logger *slog.Logger
}

// New creates an Executor backed by the given broker.
func New(broker OrderBroker, logger *slog.Logger) *Executor {
	return &Executor{broker: broker, logger: logger.With("component", "executor")}
}

// ExecuteOrders submits orders sequentially, honoring a balance guard
// before any buy and an inter-order delay between submissions. The engine
// has already sequenced sells before buys; the executor trusts that order.
func (e *Executor) ExecuteOrders(ctx context.Context, orders []types.SimulatedOrder) []types.ExecutionResult {
	results := make([]types.ExecutionResult, 0, len(orders))

	firstBuyIdx := len(orders)
	for i, o := range orders {
		if o.Side == types.Buy {
			firstBuyIdx = i
			break
		}
	}

	skipBuys := false
	if firstBuyIdx < len(orders) {
		balance, err := e.broker.GetCashBalance(ctx)
		switch {
		case err != nil:
			e.logger.Warn("failed to check balance, skipping all buy orders", "error", err)
			skipBuys = true
		case balance < minBalanceUSD:
			e.logger.Warn("balance below minimum, skipping all buy orders", "balance", balance)
			skipBuys = true
		default:
			e.logger.Info("balance checked", "balance", balance)
		}
	}

	for i, order := range orders {
		if order.Side == types.Buy && skipBuys {
			results = append(results, types.ExecutionResult{
				OrderIndex: i,
				Status:     types.StatusSkipped,
				ErrorMsg:   "insufficient balance",
			})
			continue
		}

		results = append(results, e.executeSingleOrder(ctx, i, order))

		if i+1 < len(orders) {
			sleepCtx(ctx, interOrderDelay)
		}
	}

	return results
}

func (e *Executor) executeSingleOrder(ctx context.Context, index int, order types.SimulatedOrder) types.ExecutionResult {
	price := decimal.NewFromFloat(order.Price).Truncate(2)
	shares := decimal.NewFromFloat(order.Shares).Truncate(2)
	if shares.IsZero() {
		return types.ExecutionResult{
			OrderIndex: index,
			Status:     types.StatusFailed,
			ErrorMsg:   fmt.Sprintf("shares truncated to zero from %v", order.Shares),
		}
	}

	e.logger.Info("placing order",
		"side", order.Side, "asset", order.Market.Asset, "shares", shares, "price", price,
		"title", order.Market.Title, "outcome", order.Market.Outcome)

	resp, err := e.postWithRetry(ctx, types.PlaceOrderRequest{
		Asset:  order.Market.Asset,
		Price:  price,
		Shares: shares,
		Side:   order.Side,
	})
	if err != nil {
		return types.ExecutionResult{OrderIndex: index, Status: types.StatusFailed, ErrorMsg: err.Error()}
	}

	if !resp.Success {
		msg := resp.ErrorMsg
		if msg == "" {
			msg = fmt.Sprintf("status: %s", resp.Status)
		}
		e.logger.Warn("order post failed", "order_id", resp.OrderID, "error", msg)
		return types.ExecutionResult{OrderIndex: index, Status: types.StatusFailed, OrderID: resp.OrderID, ErrorMsg: msg}
	}

	if resp.Status == types.OrderMatched {
		filledShares, _ := shares.Float64()
		filledCost := filledShares * order.Price
		e.logger.Info("order filled immediately", "order_id", resp.OrderID, "shares", filledShares)
		return types.ExecutionResult{
			OrderIndex:    index,
			Status:        types.StatusFilled,
			OrderID:       resp.OrderID,
			FilledShares:  filledShares,
			FilledCostUsd: filledCost,
		}
	}

	sleepCtx(ctx, fillCheckDelay)

	status, err := e.broker.OrderStatus(ctx, resp.OrderID)
	if err != nil {
		// Post succeeded but the status query failed: optimistic Filled so
		// we never double-post on the next cycle.
		filledShares, _ := shares.Float64()
		filledCost := filledShares * order.Price
		e.logger.Warn("order status check failed, assuming filled", "order_id", resp.OrderID, "error", err)
		return types.ExecutionResult{
			OrderIndex:    index,
			Status:        types.StatusFilled,
			OrderID:       resp.OrderID,
			FilledShares:  filledShares,
			FilledCostUsd: filledCost,
			ErrorMsg:      fmt.Sprintf("status check failed: %v", err),
		}
	}

	sizeMatched, _ := status.SizeMatched.Float64()
	fillPrice, _ := status.Price.Float64()
	if fillPrice == 0 {
		fillPrice = order.Price
	}

	switch status.Status {
	case types.OrderMatched:
		filledCost := sizeMatched * fillPrice
		e.logger.Info("order fully filled", "order_id", resp.OrderID, "shares", sizeMatched)
		return types.ExecutionResult{
			OrderIndex: index, Status: types.StatusFilled, OrderID: resp.OrderID,
			FilledShares: sizeMatched, FilledCostUsd: filledCost,
		}
	case types.OrderLive:
		if sizeMatched > 0 {
			filledCost := sizeMatched * fillPrice
			e.logger.Info("order partially filled", "order_id", resp.OrderID, "shares", sizeMatched)
			return types.ExecutionResult{
				OrderIndex: index, Status: types.StatusPartialFill, OrderID: resp.OrderID,
				FilledShares: sizeMatched, FilledCostUsd: filledCost,
			}
		}
		e.logger.Info("order resting on book", "order_id", resp.OrderID)
		return types.ExecutionResult{OrderIndex: index, Status: types.StatusResting, OrderID: resp.OrderID}
	case types.OrderCanceled, types.OrderUnmatched:
		if sizeMatched > 0 {
			filledCost := sizeMatched * fillPrice
			e.logger.Info("order cancelled with partial fill", "order_id", resp.OrderID, "shares", sizeMatched)
			return types.ExecutionResult{
				OrderIndex: index, Status: types.StatusPartialFill, OrderID: resp.OrderID,
				FilledShares: sizeMatched, FilledCostUsd: filledCost,
			}
		}
		e.logger.Warn("order cancelled/unmatched with no fills", "order_id", resp.OrderID)
		return types.ExecutionResult{
			OrderIndex: index, Status: types.StatusFailed, OrderID: resp.OrderID,
			ErrorMsg: fmt.Sprintf("order %s", status.Status),
		}
	default:
		// Delayed or unknown: optimistic Filled, per the open question in
		// the allocation design — a lost status reply should not cause a
		// double-post on the next cycle.
		filledShares, _ := shares.Float64()
		filledCost := filledShares * order.Price
		e.logger.Warn("order in unexpected status, assuming filled", "order_id", resp.OrderID, "status", status.Status)
		return types.ExecutionResult{
			OrderIndex: index, Status: types.StatusFilled, OrderID: resp.OrderID,
			FilledShares: filledShares, FilledCostUsd: filledCost,
		}
	}
}

func (e *Executor) postWithRetry(ctx context.Context, req types.PlaceOrderRequest) (types.PlaceOrderResponse, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := e.broker.PlaceLimitOrder(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt+1 >= maxRetries || !isTransientError(err.Error()) {
			return types.PlaceOrderResponse{}, fmt.Errorf("place order: %w", err)
		}
		delay := baseBackoff * time.Duration(1<<uint(attempt))
		e.logger.Warn("transient error placing order, retrying",
			"attempt", attempt+1, "max_attempts", maxRetries, "delay", delay, "error", err)
		sleepCtx(ctx, delay)
	}
	return types.PlaceOrderResponse{}, fmt.Errorf("place order: retry exhausted: %w", lastErr)
}

// CheckRestingOrders queries the broker for every resting order's current
// status and reconciles fills/cancellations back into trading state.
// Status-query errors leave the entry in place for the next cycle.
func (e *Executor) CheckRestingOrders(ctx context.Context, s *state.TradingState) {
	if len(s.Resting) == 0 {
		return
	}

	orderIDs := make([]string, len(s.Resting))
	for i, r := range s.Resting {
		orderIDs[i] = r.OrderID
	}
	e.logger.Info("checking resting orders", "count", len(orderIDs))

	for _, orderID := range orderIDs {
		status, err := e.broker.OrderStatus(ctx, orderID)
		if err != nil {
			e.logger.Warn("failed to check resting order, leaving for next cycle", "order_id", orderID, "error", err)
			continue
		}

		sizeMatched, _ := status.SizeMatched.Float64()
		fillPrice, _ := status.Price.Float64()

		switch status.Status {
		case types.OrderMatched:
			e.logger.Info("resting order filled", "order_id", orderID, "shares", sizeMatched)
			s.ResolveRestingFill(orderID, sizeMatched, fillPrice)
		case types.OrderCanceled, types.OrderUnmatched:
			if sizeMatched > 0 {
				e.logger.Info("resting order cancelled with partial fill", "order_id", orderID, "shares", sizeMatched)
				s.ResolveRestingFill(orderID, sizeMatched, fillPrice)
			} else {
				e.logger.Info("resting order cancelled with no fills", "order_id", orderID)
				s.ResolveRestingCancel(orderID)
			}
		case types.OrderLive:
			// Still open, including partial fills still on the book —
			// remains resting until it fully fills or cancels.
		default:
			e.logger.Warn("resting order in unexpected status", "order_id", orderID, "status", status.Status)
		}
	}
}

// isTransientError matches the substrings the venue is known to surface
// for retryable failures: rate limiting, server errors, and network-level
// timeouts/connection failures.
func isTransientError(errStr string) bool {
	lower := strings.ToLower(errStr)
	for _, s := range []string{
		"429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "connection", "timed out",
	} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
