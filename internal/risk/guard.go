// Package risk implements the agent's startup funding check and ongoing
// drawdown monitor.
//
// Unlike a market maker's kill switch, nothing here cancels orders or
// aborts the control loop: the loop is never aborted by an in-cycle
// condition. CheckFunding runs once at startup and can refuse to start the
// agent; Observe runs every cycle thereafter and only logs.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"polycopy/internal/config"
)

// ErrInsufficientFunding is returned by CheckFunding when cash plus the
// value of already-held positions cannot cover the configured budget.
var ErrInsufficientFunding = errors.New("insufficient starting balance")

// BalanceChecker is the minimal broker surface CheckFunding needs.
type BalanceChecker interface {
	GetCashBalance(ctx context.Context) (float64, error)
}

// Guard tracks portfolio equity across cycles and warns on drawdown past a
// configured threshold. It never mutates trading state or cancels orders.
type Guard struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu         sync.Mutex
	peakEquity float64
	warned     bool
}

// New creates a Guard.
func New(cfg config.RiskConfig, logger *slog.Logger) *Guard {
	return &Guard{cfg: cfg, logger: logger.With("component", "risk")}
}

// CheckFunding queries the broker's cash balance and refuses to proceed
// unless balance plus heldValue (the current mark-to-market value of
// positions the agent's own account already held at startup) covers budget.
func (g *Guard) CheckFunding(ctx context.Context, broker BalanceChecker, heldValue, budget float64) error {
	balance, err := broker.GetCashBalance(ctx)
	if err != nil {
		return fmt.Errorf("check funding: %w", err)
	}

	available := balance + heldValue
	g.logger.Info("startup funding check", "balance", balance, "held_value", heldValue, "budget", budget)
	if available < budget {
		return fmt.Errorf("%w: balance+held %.2f below budget %.2f", ErrInsufficientFunding, available, budget)
	}
	return nil
}

// Observe records the current portfolio equity (budget remaining + held
// value) and logs a warning if it has drawn down past MaxDrawdownPct from
// its running peak. A zero MaxDrawdownPct disables the check. This never
// returns an error and never halts the loop — it is purely observational.
func (g *Guard) Observe(equity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if equity > g.peakEquity {
		g.peakEquity = equity
		g.warned = false
		return
	}

	if g.cfg.MaxDrawdownPct <= 0 || g.peakEquity <= 0 {
		return
	}

	drawdown := (g.peakEquity - equity) / g.peakEquity
	if drawdown > g.cfg.MaxDrawdownPct {
		if !g.warned {
			g.logger.Warn("drawdown threshold exceeded",
				"equity", equity, "peak", g.peakEquity, "drawdown_pct", drawdown*100)
			g.warned = true
		}
	}
}

// PeakEquity returns the highest equity observed so far.
func (g *Guard) PeakEquity() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peakEquity
}
