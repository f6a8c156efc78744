package dashboard

import (
	"time"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// Snapshot is the point-in-time view served by /api/snapshot and pushed to
// every WebSocket client on connect. It is built entirely from events the
// control loop has already broadcast — the dashboard never reads
// TradingState directly, since that aggregate has exactly one owner.
type Snapshot struct {
	Timestamp       time.Time              `json:"timestamp"`
	EventsSeen      uint64                 `json:"eventsSeen"`
	LastEvent       *types.CopytradeEvent  `json:"lastEvent,omitempty"`
	BudgetRemaining float64                `json:"budgetRemaining"`
	TotalSpent      float64                `json:"totalSpent"`
	Config          ConfigSummary          `json:"config"`
}

// ConfigSummary is the subset of configuration safe to expose over the
// dashboard: no private key, API secret, or passphrase.
type ConfigSummary struct {
	TraderAddress  string  `json:"traderAddress"`
	Budget         float64 `json:"budget"`
	CopyPercentage float64 `json:"copyPercentage"`
	MaxTradePct    float64 `json:"maxTradePct"`
	PollIntervalS  int     `json:"pollIntervalSeconds"`
	DryRun         bool    `json:"dryRun"`
}

// NewConfigSummary builds a ConfigSummary from the full configuration.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		TraderAddress:  cfg.Trading.TraderAddress,
		Budget:         cfg.Trading.Budget,
		CopyPercentage: cfg.Trading.CopyPercentage,
		MaxTradePct:    cfg.Trading.MaxTradePct,
		PollIntervalS:  cfg.Settings.PollIntervalSecs,
		DryRun:         cfg.DryRun,
	}
}
