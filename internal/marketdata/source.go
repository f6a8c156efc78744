// Package marketdata fetches the target trader's portfolio and trade
// history from Polymarket's data API.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"polycopy/pkg/types"
)

const pageSize = 100

// Source fetches positions and trades for one trader address from the
// Polymarket data API.
type Source struct {
	http   *resty.Client
	logger *slog.Logger
}

// New creates a Source pointed at baseURL (the data API root).
func New(baseURL string, logger *slog.Logger) *Source {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Source{http: client, logger: logger.With("component", "marketdata")}
}

// positionPayload is the wire shape of one data-API position entry.
type positionPayload struct {
	Asset        string  `json:"asset"`
	ConditionID  string  `json:"conditionId"`
	Title        string  `json:"title"`
	Outcome      string  `json:"outcome"`
	OutcomeIndex int     `json:"outcomeIndex"`
	EventSlug    string  `json:"eventSlug"`
	Size         float64 `json:"size"`
	AvgPrice     float64 `json:"avgPrice"`
	CurPrice     float64 `json:"curPrice"`
	CurrentValue float64 `json:"currentValue"`
}

// ActivePositions fetches every open, unresolved position held by addr.
// Paginates in pages of 100 and filters to currentValue > 0 and
// 0 < curPrice < 1, excluding resolved markets and dust.
func (s *Source) ActivePositions(ctx context.Context, addr string) ([]types.Position, error) {
	var all []types.Position
	offset := 0

	for {
		var page []positionPayload
		resp, err := s.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"user":   addr,
				"limit":  fmt.Sprintf("%d", pageSize),
				"offset": fmt.Sprintf("%d", offset),
			}).
			SetResult(&page).
			Get("/positions")
		if err != nil {
			return nil, fmt.Errorf("fetch positions: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("fetch positions: status %d: %s", resp.StatusCode(), resp.String())
		}

		for _, p := range page {
			if p.CurrentValue > 0 && p.CurPrice > 0 && p.CurPrice < 1 {
				all = append(all, types.Position{
					Market: types.MarketPosition{
						Asset:        p.Asset,
						ConditionID:  p.ConditionID,
						Title:        p.Title,
						Outcome:      p.Outcome,
						OutcomeIndex: p.OutcomeIndex,
						EventSlug:    p.EventSlug,
					},
					Shares:       p.Size,
					AvgCost:      p.AvgPrice,
					CurPrice:     p.CurPrice,
					CurrentValue: p.CurrentValue,
				})
			}
		}

		if len(page) < pageSize {
			break
		}
		offset += pageSize
	}

	s.logger.Debug("fetched active positions", "count", len(all))
	return all, nil
}

// tradePayload is the wire shape of one data-API trade entry.
type tradePayload struct {
	TransactionHash string  `json:"transactionHash"`
	Asset           string  `json:"asset"`
	Side            string  `json:"side"`
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	Timestamp       int64   `json:"timestamp"`
}

// RecentTrades fetches the most recent limit trades for addr, most-recent-first.
func (s *Source) RecentTrades(ctx context.Context, addr string, limit int) ([]types.Trade, error) {
	var page []tradePayload
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":  addr,
			"limit": fmt.Sprintf("%d", limit),
		}).
		SetResult(&page).
		Get("/trades")
	if err != nil {
		return nil, fmt.Errorf("fetch trades: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch trades: status %d: %s", resp.StatusCode(), resp.String())
	}

	trades := make([]types.Trade, len(page))
	for i, t := range page {
		trades[i] = types.Trade{
			TransactionHash: t.TransactionHash,
			Asset:           t.Asset,
			Side:            types.Side(t.Side),
			Shares:          t.Size,
			Price:           t.Price,
			Timestamp:       time.Unix(t.Timestamp, 0).UTC(),
		}
	}

	s.logger.Debug("fetched recent trades", "count", len(trades))
	return trades, nil
}
