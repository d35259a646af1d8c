// Polymarket Quoter — an automated quoting agent for Polymarket binary
// prediction markets.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires dependencies, waits for signals
//	engine/              — orchestrator: feeds → stores → per-market reconcilers → exchange
//	strategy/            — pure quoting and risk decisions (no I/O)
//	book/                — local order book mirror fed by WebSocket snapshots + deltas
//	state/               — positions, tracked orders, pending fill intents
//	registry/            — market table + live exchange params + volatility
//	riskoff/             — persistent per-market sleep records (stop-loss / volatility)
//	exchange/            — CLOB REST client, EIP-712 order signing, WebSocket feeds
//	onchain/             — CTF mergePositions for complementary holdings
//	sink/                — SQLite history: trades, reward snapshots, position snapshots
//
// How it makes money:
//
//	The agent rests a post-only bid at the best bid of each configured token
//	and, once filled, rests the position back out at a take-profit price above
//	its average entry. Risk checks put a market to sleep when a position is
//	stopped out or the market turns volatile.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-quoter/internal/config"
	"polymarket-quoter/internal/engine"
	"polymarket-quoter/internal/exchange"
	"polymarket-quoter/internal/onchain"
	"polymarket-quoter/internal/registry"
	"polymarket-quoter/internal/riskoff"
	"polymarket-quoter/internal/sink"
	"polymarket-quoter/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		logger.Error("failed to build auth", "error", err)
		os.Exit(1)
	}
	client := exchange.NewClient(*cfg, auth, logger)

	// Without pre-derived L2 credentials, derive them via L1 auth.
	if !auth.HasL2Credentials() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Trading.RequestTimeout)
		creds, err := client.DeriveAPIKey(ctx)
		cancel()
		if err != nil {
			logger.Error("failed to derive API credentials", "error", err)
			os.Exit(1)
		}
		auth.SetCredentials(*creds)
		logger.Info("derived L2 API credentials", "api_key", creds.ApiKey)
	}

	riskOff, err := riskoff.NewRegistry(cfg.Store.RiskOffDir, logger)
	if err != nil {
		logger.Error("failed to open risk-off registry", "error", err)
		os.Exit(1)
	}

	history, err := sink.Open(cfg.Store.SQLitePath, logger)
	if err != nil {
		logger.Error("failed to open history store", "error", err)
		os.Exit(1)
	}

	profiles := make(map[string]types.StrategyParams, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		profiles[name] = types.StrategyParams{
			StopLossPct:         p.StopLossThreshold,
			TakeProfitPct:       p.TakeProfitThreshold,
			SpreadThreshold:     p.SpreadThreshold,
			VolatilityThreshold: p.VolatilityThreshold,
			VolWindowMinutes:    p.VolWindow,
			SleepHours:          p.SleepPeriod,
		}
	}

	loader := registry.NewLoader(cfg.API.GammaBaseURL, cfg.Trading.RequestTimeout, logger)
	markets := registry.New(cfg.Markets.File, cfg.Trading.DefaultProfile, profiles, loader, logger)
	vol := registry.NewVolCollector(cfg.API.CLOBBaseURL, cfg.Trading.RequestTimeout, logger)

	var merger *onchain.Merger
	if cfg.API.PolygonRPC != "" {
		merger, err = onchain.NewMerger(cfg.API.PolygonRPC, cfg.Wallet.PrivateKey,
			int64(cfg.Wallet.ChainID), cfg.DryRun, logger)
		if err != nil {
			logger.Error("failed to connect Polygon RPC", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no polygon_rpc configured, position merging disabled")
	}

	deps := engine.Deps{
		Client:   client,
		Sink:     history,
		MktFeed:  exchange.NewMarketFeed(cfg.API.WSMarketURL, logger),
		UsrFeed:  exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger),
		RiskOff:  riskOff,
		Registry: markets,
		Vol:      vol,
		Wallet:   auth.FunderAddress().Hex(),
	}
	if merger != nil {
		deps.Merger = merger
	}

	eng := engine.New(*cfg, deps, logger)
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("polymarket quoter started",
		"markets", cfg.Markets.File,
		"funder", auth.FunderAddress().Hex(),
		"dry_run", cfg.DryRun,
	)

	// SIGHUP reloads the market table; SIGINT/SIGTERM shuts down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading market table")
			eng.ForceReload()
			continue
		}
		logger.Info("received shutdown signal", "signal", sig.String())
		break
	}

	eng.Stop()
	if merger != nil {
		merger.Close()
	}
	if err := history.Close(); err != nil {
		logger.Error("failed to close history store", "error", err)
	}
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
