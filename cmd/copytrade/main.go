// Command copytrade mirrors one Polymarket trader's portfolio into a budget
// of the operator's own capital.
//
// Architecture:
//
//	main.go                  — entry point: flags, config, wiring, SIGINT/SIGTERM
//	internal/control/loop.go — orchestrator: startup replication, polling, shutdown
//	internal/alloc           — pure allocation math: weights, targets, diff orders
//	internal/state           — trading-state aggregate, owned solely by the loop
//	internal/executor        — submits orders to the exchange, classifies fills
//	internal/exchange        — Polymarket CLOB REST client + L1/L2 auth
//	internal/marketdata      — target trader's positions/trade history
//	internal/priceoracle     — Gamma API price lookups for untargeted holdings
//	internal/risk            — startup funding check + drawdown logging
//	internal/reporter        — JSON event/exit-summary output
//	internal/dashboard       — optional HTTP/WebSocket observability surface
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"polycopy/internal/config"
	"polycopy/internal/control"
	"polycopy/internal/dashboard"
	"polycopy/internal/exchange"
	"polycopy/internal/marketdata"
	"polycopy/internal/priceoracle"
	"polycopy/internal/reporter"
	"polycopy/internal/risk"
)

func main() {
	var (
		configPath     = flag.String("config", "configs/config.yaml", "path to YAML config file")
		dryRun         = flag.Bool("dry-run", false, "simulate trades without placing real orders")
		live           = flag.Bool("live", false, "place real orders against the exchange")
		traderAddress  = flag.String("trader-address", "", "override trading.trader_address")
		budget         = flag.Float64("budget", 0, "override trading.budget")
		copyPercentage = flag.Float64("copy-percentage", 0, "override trading.copy_percentage")
		maxTradeSize   = flag.Float64("max-trade-size", 0, "override trading.max_trade_pct")
	)
	flag.Parse()

	if *dryRun == *live {
		fmt.Fprintln(os.Stderr, "exactly one of --dry-run or --live is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *configPath)
		os.Exit(1)
	}

	cfg.DryRun = *dryRun
	if *traderAddress != "" {
		cfg.Trading.TraderAddress = *traderAddress
	}
	if *budget != 0 {
		cfg.Trading.Budget = *budget
	}
	if *copyPercentage != 0 {
		cfg.Trading.CopyPercentage = *copyPercentage
	}
	if *maxTradeSize != 0 {
		cfg.Trading.MaxTradePct = *maxTradeSize
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	auth, err := exchange.NewAuth(cfg.Wallet.PrivateKey, cfg.Wallet.FunderAddress, cfg.Wallet.ChainID)
	if err != nil {
		logger.Error("failed to derive wallet auth", "error", err)
		os.Exit(1)
	}
	auth.SetCredentials(exchange.Credentials{ApiKey: cfg.API.ApiKey, Secret: cfg.API.Secret, Passphrase: cfg.API.Passphrase})

	client := exchange.NewClient(*cfg, auth, logger)
	if !cfg.DryRun {
		if err := client.Authenticate(context.Background()); err != nil {
			logger.Error("failed to authenticate with exchange", "error", err)
			os.Exit(1)
		}
	}

	data := marketdata.New(cfg.API.DataBaseURL, logger)
	prices := priceoracle.New(cfg.API.GammaBaseURL, logger)
	guard := risk.New(cfg.Risk, logger)
	rep := reporter.New(logger)

	var sink control.EventSink
	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(*cfg, logger)
		sink = dash
		go func() {
			if err := dash.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "port", cfg.Dashboard.Port)
	}

	loopCfg := control.Config{
		TraderAddress:  cfg.Trading.TraderAddress,
		OwnAddress:     auth.FunderAddress().Hex(),
		Budget:         cfg.Trading.Budget,
		CopyPercentage: cfg.Trading.CopyPercentage,
		MaxTradePct:    cfg.Trading.MaxTradePct,
		PollInterval:   cfg.PollInterval(),
		DryRun:         cfg.DryRun,
	}
	loop := control.New(loopCfg, data, prices, client, guard, rep, sink, logger)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("copytrade agent starting",
		"trader_address", cfg.Trading.TraderAddress,
		"budget", cfg.Trading.Budget,
		"copy_percentage", cfg.Trading.CopyPercentage,
		"dry_run", cfg.DryRun,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := loop.Run(ctx); err != nil {
		logger.Error("agent exited with error", "error", err)
		if dash != nil {
			dash.Stop()
		}
		os.Exit(1)
	}

	if dash != nil {
		if err := dash.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
