// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — positions, orders,
// trading-state value types, execution results, and reporter payloads. It
// has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ExecutionStatus classifies the outcome of submitting one SimulatedOrder.
type ExecutionStatus string

const (
	StatusFilled      ExecutionStatus = "FILLED"
	StatusPartialFill ExecutionStatus = "PARTIAL_FILL"
	StatusResting     ExecutionStatus = "RESTING"
	StatusFailed      ExecutionStatus = "FAILED"
	StatusSkipped     ExecutionStatus = "SKIPPED"
)

// OrderStatus is the broker-reported lifecycle state of a submitted order,
// returned by OrderBroker.OrderStatus.
type OrderStatus string

const (
	OrderMatched   OrderStatus = "Matched"
	OrderLive      OrderStatus = "Live"
	OrderCanceled  OrderStatus = "Canceled"
	OrderUnmatched OrderStatus = "Unmatched"
	OrderDelayed   OrderStatus = "Delayed"
)

// EventTrigger identifies why a rebalancing cycle ran.
type EventTrigger string

const (
	InitialReplication EventTrigger = "InitialReplication"
	TradeDetected      EventTrigger = "TradeDetected"
)

// ————————————————————————————————————————————————————————————————————————
// Market / position data (produced by the MarketDataSource collaborator)
// ————————————————————————————————————————————————————————————————————————

// MarketPosition identifies a tradable outcome. Immutable; produced by the
// market-data source.
type MarketPosition struct {
	Asset        string // opaque CLOB token ID
	ConditionID  string
	Title        string
	Outcome      string
	OutcomeIndex int
	EventSlug    string
}

// Position is one entry of the target's portfolio, as returned by
// MarketDataSource.ActivePositions. Already filtered to currentValue>0 and
// 0<curPrice<1 by the data source.
type Position struct {
	Market       MarketPosition
	Shares       float64
	AvgCost      float64
	CurPrice     float64
	CurrentValue float64
}

// Trade is one entry from MarketDataSource.RecentTrades, most-recent-first.
// TransactionHash is the dedup key for new-trade detection.
type Trade struct {
	TransactionHash string
	Asset           string
	Side            Side
	Shares          float64
	Price           float64
	Timestamp       time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Trading state value types
// ————————————————————————————————————————————————————————————————————————

// HeldPosition is an owned position. shares > 0 and
// totalCost = avgCost*shares hold for every entry; a position with
// shares <= 0 is removed from the holdings map rather than kept at zero.
type HeldPosition struct {
	Asset     string
	Title     string
	Outcome   string
	Shares    float64
	TotalCost float64
	AvgCost   float64
}

// RestingOrder is an order accepted by the venue but not yet fully matched
// or cancelled. Created when an executor result reports Resting or
// PartialFill, and destroyed on fill or cancel reconciliation.
type RestingOrder struct {
	OrderID string
	Asset   string
	Title   string
	Outcome string
	Side    Side
	Shares  float64
	Price   float64
	CostUsd float64
}

// ————————————————————————————————————————————————————————————————————————
// Allocation engine value types
// ————————————————————————————————————————————————————————————————————————

// TargetAllocation is a desired position computed from the target's
// weighted portfolio and the agent's budget.
type TargetAllocation struct {
	Market         MarketPosition
	TraderWeight   float64
	TargetValueUsd float64
	TargetShares   float64
	CurPrice       float64
}

// SimulatedOrder is a proposed diff order produced by computeOrders. In
// dry-run mode it is applied directly to trading state as if immediately
// filled; in live mode it is handed to the executor.
type SimulatedOrder struct {
	Market  MarketPosition
	Side    Side
	Shares  float64
	Price   float64
	CostUsd float64
}

// ExecutionResult is the outcome of submitting one SimulatedOrder.
type ExecutionResult struct {
	OrderIndex    int
	Status        ExecutionStatus
	OrderID       string
	FilledShares  float64
	FilledCostUsd float64
	ErrorMsg      string
}

// ————————————————————————————————————————————————————————————————————————
// Reporter payloads
// ————————————————————————————————————————————————————————————————————————

// CopytradeEvent is emitted once per poll cycle that produces at least one
// order, as a single JSON line to stdout.
type CopytradeEvent struct {
	Timestamp           time.Time         `json:"timestamp"`
	Trigger             EventTrigger      `json:"trigger"`
	DetectedTradeHashes []string          `json:"detectedTradeHashes"`
	Orders              []SimulatedOrder  `json:"orders"`
	BudgetRemaining     float64           `json:"budgetRemaining"`
	TotalSpent          float64           `json:"totalSpent"`
	ExecutionResults    []ExecutionResult `json:"executionResults,omitempty"`
}

// HoldingSummary is the per-holding detail reported in an ExitSummary.
type HoldingSummary struct {
	Asset         string  `json:"asset"`
	Title         string  `json:"title"`
	Outcome       string  `json:"outcome"`
	Shares        float64 `json:"shares"`
	AvgCost       float64 `json:"avgCost"`
	CurPrice      float64 `json:"curPrice"`
	CurrentValue  float64 `json:"currentValue"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
}

// ExitSummary is the final, pretty-printed report emitted on shutdown.
type ExitSummary struct {
	InitialBudget     float64          `json:"initialBudget"`
	BudgetRemaining   float64          `json:"budgetRemaining"`
	TotalSpent        float64          `json:"totalSpent"`
	TotalSellProceeds float64          `json:"totalSellProceeds"`
	RealizedPnl       float64          `json:"realizedPnl"`
	UnrealizedPnl     float64          `json:"unrealizedPnl"`
	TotalPnl          float64          `json:"totalPnl"`
	PnlPercent        float64          `json:"pnlPercent"`
	TotalEvents       uint64           `json:"totalEvents"`
	TotalOrders       uint64           `json:"totalOrders"`
	TotalBuyOrders    uint64           `json:"totalBuyOrders"`
	TotalSellOrders   uint64           `json:"totalSellOrders"`
	Holdings          []HoldingSummary `json:"holdings"`
}

// ————————————————————————————————————————————————————————————————————————
// OrderBroker wire types
// ————————————————————————————————————————————————————————————————————————
// price and shares are quantized to 2 fractional digits at this boundary;
// decimal.Decimal avoids the float-truncation drift a plain float64 round
// would introduce on repeated rebalancing cycles.

// PlaceOrderRequest is the OrderBroker.PlaceLimitOrder request.
type PlaceOrderRequest struct {
	Asset  string
	Price  decimal.Decimal
	Shares decimal.Decimal
	Side   Side
}

// PlaceOrderResponse is the OrderBroker.PlaceLimitOrder response.
type PlaceOrderResponse struct {
	Success  bool
	OrderID  string
	Status   OrderStatus
	ErrorMsg string
}

// OrderStatusResponse is the OrderBroker.OrderStatus response.
type OrderStatusResponse struct {
	Status       OrderStatus
	SizeMatched  decimal.Decimal
	OriginalSize decimal.Decimal
	Price        decimal.Decimal
}

// CancelResult is the OrderBroker.CancelOrders / CancelAllOwnOrders response.
type CancelResult struct {
	Canceled    []string
	NotCanceled map[string]string // orderID -> error message
}
