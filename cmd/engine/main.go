// Basis Engine — an event-driven engine for delta-neutral crypto carry
// strategies, runnable as a deterministic backtest over historical data or
// against live venues.
//
// Architecture:
//
//	main.go                — entry point: loads config, picks a data provider, runs the engine
//	internal/engine        — orchestrator: tick loop over snapshots, capital seeding, failure grading
//	internal/data          — market snapshots: SQLite history, live feed + poller, static fixtures
//	internal/position      — simulated vs real position views per instrument key
//	internal/exposure      — converts positions into USD exposure by configured method
//	internal/risk          — health factor, LTV, margin ratio, delta, and funding evaluators
//	internal/pnl           — attribution (price, funding, fees, yields) and equity tracking
//	internal/strategy      — the trading modes, from pure stablecoin lending to ML directional
//	internal/execution     — routing, retries, atomic groups, and the post-trade tight loop
//	internal/venue         — backtest simulators and live CEX/on-chain adapters
//	internal/runlog        — correlation-scoped run directories and JSONL event streams
//
// How it makes money:
//
//	Every mode earns a carry stream while holding market risk near zero.
//	Pure lending sits in a money-market pool; basis modes collect perp
//	funding against a spot hedge; staking modes collect LST yield, with
//	optional leverage through a borrow loop. The engine's job is to keep
//	the book matching the mode's target and to account for every unit of
//	yield, fee, and slippage along the way.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"basis-engine/internal/config"
	"basis-engine/internal/data"
	"basis-engine/internal/engine"
	"basis-engine/internal/runlog"
	"basis-engine/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BASIS_CONFIG"); p != "" {
		cfgPath = p
	}
	flag.StringVar(&cfgPath, "config", cfgPath, "path to the YAML config file")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	log := runlog.Console("main", "info")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Err(err).Str("path", cfgPath).Msg("failed to load config")
		return err
	}
	log = runlog.Console("main", cfg.Logging.Level)

	provider, closeProvider, err := buildProvider(cfg)
	if err != nil {
		log.Err(err).Msg("failed to build data provider")
		return err
	}
	defer closeProvider()

	eng, err := engine.New(cfg, provider)
	if err != nil {
		log.Err(err).Msg("failed to construct engine")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("mode", cfg.Mode).
		Str("execution_mode", cfg.ExecutionMode).
		Str("run_dir", eng.RunDir()).
		Msg("engine starting")

	res, runErr := eng.Run(ctx)
	log.Info().
		Str("correlation_id", res.CorrelationID).
		Int("ticks", res.Ticks).
		Int("orders_submitted", res.OrdersSubmitted).
		Int("orders_confirmed", res.OrdersConfirmed).
		Int("orders_failed", res.OrdersFailed).
		Msg("run finished")
	if res.FinalPnL != nil {
		log.Info().
			Str("total_pnl", res.FinalPnL.Total.String()).
			Str("portfolio_value_usd", res.FinalPnL.PortfolioValueUSD.String()).
			Msg("final P&L")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Err(runErr).Msg("run failed")
		return runErr
	}
	return nil
}

// buildProvider maps data.source onto a provider. The returned closer releases
// whatever the provider holds open.
func buildProvider(cfg *config.Config) (data.Provider, func(), error) {
	log := runlog.Console("data", cfg.Logging.Level)
	switch cfg.Data.Source {
	case "sqlite":
		p, err := data.OpenSQLite(cfg.Data.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { p.Close() }, nil

	case "live":
		var feed *data.Feed
		if cfg.Data.FeedURL != "" {
			feed = data.NewFeed(cfg.Data.FeedURL, feedSymbols(cfg), log)
		}
		var poller *data.Poller
		if cfg.Data.PollURL != "" {
			poller = data.NewPoller(cfg.Data.PollURL, cfg.Data.PollInterval, log)
		}
		return data.NewLiveProvider(feed, poller, log), func() {}, nil
	}
	return nil, nil, fmt.Errorf("data.source must be sqlite or live, got %q", cfg.Data.Source)
}

// feedSymbols derives the market-feed subscription list from the position
// subscriptions, resolving derivative tokens to the underlying the feed
// actually prices.
func feedSymbols(cfg *config.Config) []string {
	seen := make(map[string]struct{})
	for key := range cfg.SubscribedSet() {
		inst, err := types.ParseInstrument(key)
		if err != nil {
			continue
		}
		symbol := inst.Symbol
		for _, vc := range cfg.Venues {
			if base, ok := vc.CanonicalInstruments[symbol]; ok {
				symbol = base
				break
			}
		}
		seen[symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
