// Package priceoracle resolves current prices for CLOB token IDs that
// don't appear in the target trader's active positions — assets the agent
// still holds after the trader has exited them.
package priceoracle

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Oracle looks up prices via the Gamma markets API, one token at a time —
// the Gamma API returns 422 on repeated clob_token_ids query params.
type Oracle struct {
	http   *resty.Client
	logger *slog.Logger
}

// New creates an Oracle pointed at baseURL (the Gamma API root).
func New(baseURL string, logger *slog.Logger) *Oracle {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Oracle{http: client, logger: logger.With("component", "priceoracle")}
}

// gammaMarket is the subset of the Gamma market payload needed to resolve
// a token's price. OutcomePrices and ClobTokenIds are parallel lists,
// encoded either as JSON arrays or comma-separated strings.
type gammaMarket struct {
	OutcomePrices string `json:"outcomePrices"`
	ClobTokenIds  string `json:"clobTokenIds"`
}

// PriceFor resolves the current price of one token ID. Returns ok=false if
// the token could not be found or priced (a gamma lookup failure is logged
// and treated as not-found, never returned as an error — a missing exit
// price should cause the caller to skip that asset, not abort the cycle).
func (o *Oracle) PriceFor(ctx context.Context, tokenID string) (price float64, ok bool) {
	var markets []gammaMarket
	resp, err := o.http.R().
		SetContext(ctx).
		SetQueryParam("clob_token_ids", tokenID).
		SetResult(&markets).
		Get("/markets")
	if err != nil {
		o.logger.Warn("gamma lookup failed", "token", tokenID, "error", err)
		return 0, false
	}
	if resp.IsError() {
		o.logger.Warn("gamma lookup failed", "token", tokenID, "status", resp.StatusCode())
		return 0, false
	}

	for _, m := range markets {
		if p, found := extractTokenPrice(m, tokenID); found {
			return p, true
		}
	}
	return 0, false
}

// Prices resolves prices for multiple token IDs, querying one at a time.
// Tokens that can't be resolved are simply omitted from the result map.
func (o *Oracle) Prices(ctx context.Context, tokenIDs []string) map[string]float64 {
	prices := make(map[string]float64, len(tokenIDs))
	for _, id := range tokenIDs {
		if p, ok := o.PriceFor(ctx, id); ok {
			prices[id] = p
		}
	}
	o.logger.Debug("gamma resolved prices", "resolved", len(prices), "requested", len(tokenIDs))
	return prices
}

// extractTokenPrice finds tokenID's index in the market's ClobTokenIds list
// and returns the price at the same index in OutcomePrices.
func extractTokenPrice(m gammaMarket, tokenID string) (float64, bool) {
	if m.OutcomePrices == "" || m.ClobTokenIds == "" {
		return 0, false
	}

	tokenIDs := parseStringList(m.ClobTokenIds)
	prices := parseStringList(m.OutcomePrices)

	idx := -1
	for i, t := range tokenIDs {
		if t == tokenID {
			idx = i
			break
		}
	}
	if idx < 0 || idx >= len(prices) {
		return 0, false
	}

	price, err := strconv.ParseFloat(prices[idx], 64)
	if err != nil {
		return 0, false
	}
	return price, true
}

// parseStringList parses a value that may be a JSON array (["a","b"]) or a
// comma-separated string (a,b).
func parseStringList(s string) []string {
	var arr []string
	if err := json.Unmarshal([]byte(s), &arr); err == nil {
		return arr
	}

	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
