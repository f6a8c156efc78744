// Package exchange implements the Polymarket CLOB REST client used as the
// OrderBroker collaborator for internal/executor.
//
// The REST client (Client) talks to the Polymarket CLOB API for order
// management and account state:
//   - Authenticate:       GET    /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//   - GetCashBalance:      GET    /balance-allowance    — available USDC collateral
//   - PlaceLimitOrder:     POST   /order                — submit one GTC limit order
//   - OrderStatus:         GET    /data/order/{id}      — lifecycle state of one order
//   - CancelOrders:        DELETE /order                — cancel specific orders by ID
//   - CancelAllOwnOrders:  DELETE /cancel-all           — emergency cancel everything
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and authenticated with L2 HMAC headers (except
// derive-api-key, which uses L1).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// Client is the Polymarket CLOB REST API client. It satisfies
// internal/executor.OrderBroker.
type Client struct {
	http   *resty.Client // HTTP client with retry + base URL
	auth   *Auth         // L1/L2 auth provider for request signing
	rl     *RateLimiter  // per-endpoint-category rate limiting
	dryRun bool          // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange"),
	}
}

// Authenticate derives L2 API credentials via L1 authentication if the
// client doesn't already hold them.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.auth.HasL2Credentials() {
		return nil
	}

	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return fmt.Errorf("l1 headers: %w", err)
	}

	var creds Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&creds).
		Get("/auth/derive-api-key")
	if err != nil {
		return fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(creds)
	c.logger.Info("API key derived", "api_key", creds.ApiKey)
	return nil
}

// balanceResponse is the /balance-allowance payload shape.
type balanceResponse struct {
	Balance string `json:"balance"`
}

// GetCashBalance fetches the agent's available USDC collateral balance.
func (c *Client) GetCashBalance(ctx context.Context) (float64, error) {
	if c.dryRun {
		return 1_000_000, nil
	}
	if err := c.rl.Status.Wait(ctx); err != nil {
		return 0, err
	}

	headers, err := c.auth.L2Headers("GET", "/balance-allowance", "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result balanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", "COLLATERAL").
		SetResult(&result).
		Get("/balance-allowance")
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	// The CLOB returns balance in USDC base units (6 decimals).
	usd, _ := balance.Shift(-6).Float64()
	return usd, nil
}

// orderPayload is the order shape the CLOB's /order endpoint expects.
// On-chain signature construction is out of scope here: this agent trades
// through an API-key-authenticated session where the L2 HMAC headers
// (produced by Auth.L2Headers) are the request's authentication, not a
// per-order EIP-712 signature.
type orderPayload struct {
	TokenID   string `json:"tokenID"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	OrderType string `json:"orderType"`
}

type orderPostResponse struct {
	Success  bool   `json:"success"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
	ErrorMsg string `json:"errorMsg"`
}

// PlaceLimitOrder submits one GTC limit order.
func (c *Client) PlaceLimitOrder(ctx context.Context, req types.PlaceOrderRequest) (types.PlaceOrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "asset", req.Asset, "side", req.Side, "price", req.Price, "shares", req.Shares)
		return types.PlaceOrderResponse{
			Success: true,
			OrderID: fmt.Sprintf("dry-run-%s-%s", req.Asset, req.Side),
			Status:  types.OrderMatched,
		}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.PlaceOrderResponse{}, err
	}

	payload := orderPayload{
		TokenID:   req.Asset,
		Price:     req.Price.StringFixed(2),
		Size:      req.Shares.StringFixed(2),
		Side:      string(req.Side),
		OrderType: "GTC",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return types.PlaceOrderResponse{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return types.PlaceOrderResponse{}, fmt.Errorf("l2 headers: %w", err)
	}

	var result orderPostResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return types.PlaceOrderResponse{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.PlaceOrderResponse{}, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return types.PlaceOrderResponse{
		Success:  result.Success,
		OrderID:  result.OrderID,
		Status:   types.OrderStatus(result.Status),
		ErrorMsg: result.ErrorMsg,
	}, nil
}

type orderStatusPayload struct {
	Status       string `json:"status"`
	SizeMatched  string `json:"size_matched"`
	OriginalSize string `json:"original_size"`
	Price        string `json:"price"`
}

// OrderStatus fetches the current lifecycle state of one submitted order.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (types.OrderStatusResponse, error) {
	if c.dryRun {
		return types.OrderStatusResponse{Status: types.OrderMatched}, nil
	}
	if err := c.rl.Status.Wait(ctx); err != nil {
		return types.OrderStatusResponse{}, err
	}

	headers, err := c.auth.L2Headers("GET", "/data/order/"+orderID, "")
	if err != nil {
		return types.OrderStatusResponse{}, fmt.Errorf("l2 headers: %w", err)
	}

	var result orderStatusPayload
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/data/order/" + orderID)
	if err != nil {
		return types.OrderStatusResponse{}, fmt.Errorf("get order status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderStatusResponse{}, fmt.Errorf("get order status: status %d: %s", resp.StatusCode(), resp.String())
	}

	sizeMatched, _ := decimal.NewFromString(result.SizeMatched)
	originalSize, _ := decimal.NewFromString(result.OriginalSize)
	price, _ := decimal.NewFromString(result.Price)

	return types.OrderStatusResponse{
		Status:       types.OrderStatus(result.Status),
		SizeMatched:  sizeMatched,
		OriginalSize: originalSize,
		Price:        price,
	}, nil
}

// CancelOrders cancels multiple orders by ID.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (types.CancelResult, error) {
	if len(orderIDs) == 0 {
		return types.CancelResult{}, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		return types.CancelResult{Canceled: orderIDs}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return types.CancelResult{}, err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.CancelResult{}, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/order", string(body))
	if err != nil {
		return types.CancelResult{}, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return types.CancelResult{}, fmt.Errorf("cancel orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.CancelResult{}, fmt.Errorf("cancel orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("orders cancelled", "count", len(result.Canceled))
	return result, nil
}

// CancelAllOwnOrders cancels every open order the agent owns.
func (c *Client) CancelAllOwnOrders(ctx context.Context) (types.CancelResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return types.CancelResult{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return types.CancelResult{}, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return types.CancelResult{}, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return types.CancelResult{}, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.CancelResult{}, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return result, nil
}
