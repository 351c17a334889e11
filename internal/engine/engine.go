// Package engine orchestrates one run of the trading pipeline.
//
// A run is a sequence of ticks over a data provider's snapshots. Each tick
// observes one immutable snapshot and drives the same chain in both backtest
// and live mode: accrue carry, compute exposure and risk, let the strategy
// decide, execute the emitted orders (each followed by the tight loop), and
// recompute the monitor chain. Errors are graded by their coded severity:
// HIGH aborts the tick, CRITICAL terminates the run. Everything the run
// produces lands under logs/<correlation_id>/<pid>/.
package engine

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"basis-engine/internal/config"
	"basis-engine/internal/data"
	"basis-engine/internal/execution"
	"basis-engine/internal/exposure"
	"basis-engine/internal/pnl"
	"basis-engine/internal/position"
	"basis-engine/internal/risk"
	"basis-engine/internal/runlog"
	"basis-engine/internal/store"
	"basis-engine/internal/strategy"
	"basis-engine/internal/venue"
	"basis-engine/pkg/types"
)

// RunResult summarizes a finished run.
type RunResult struct {
	CorrelationID   string
	RunDir          string
	Ticks           int
	OrdersSubmitted int
	OrdersConfirmed int
	OrdersFailed    int
	FinalPnL        *types.PnLCalculation
}

// Engine owns every component of one run.
type Engine struct {
	cfg      *config.Config
	provider data.Provider
	backtest bool

	cid   string
	pid   int
	clock types.Clock
	sim   *types.SimClock // non-nil in backtest

	dm      *runlog.DirManager
	factory *runlog.Factory
	events  *runlog.EventLogger
	log     *runlog.Logger

	positions *position.Monitor
	exposure  *exposure.Monitor
	risk      *risk.Monitor
	pnl       *pnl.Monitor
	strat     strategy.Strategy
	exec      *execution.Manager

	checkpoints *store.Store // live only, nil when state_dir is unset
	seeded      bool
}

// New validates the config and wires the full pipeline against the provider.
// In backtest mode provider must also be a data.SeriesProvider; Run iterates
// its timestamp series. The run directory and its component logs exist once
// New returns.
func New(cfg *config.Config, provider data.Provider) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		provider: provider,
		backtest: cfg.IsBacktest(),
		cid:      types.NewID(),
		pid:      os.Getpid(),
	}
	if e.backtest {
		e.sim = types.NewSimClock(time.Now().UTC())
		e.clock = e.sim
	} else {
		e.clock = types.RealClock{}
	}

	dm, err := runlog.NewDirManager(cfg.LogDir(), runlog.RunMetadata{
		CorrelationID:  e.cid,
		PID:            e.pid,
		Mode:           cfg.Mode,
		ExecutionMode:  cfg.ExecutionMode,
		Environment:    cfg.Environment,
		InitialCapital: cfg.InitialCapital,
		StartedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	e.dm = dm
	e.factory = runlog.NewFactory(dm, e.clock, e.cid, e.pid, cfg.Logging.Level)

	logs, err := e.componentLogs("engine", "position_monitor", "exposure_monitor",
		"risk_monitor", "pnl_monitor", "strategy_manager", "execution_manager", "venue", "events")
	if err != nil {
		e.factory.Close()
		return nil, err
	}
	e.log = logs["engine"]
	e.events = runlog.NewEventLogger(dm.EventsDir(), e.cid, e.pid, logs["events"])

	util := data.NewUtilityManager(canonicalInstruments(cfg))
	subscribed := cfg.SubscribedSet()
	recTol := cfg.Components.PnLMonitor.ReconciliationTolerance

	var router *venue.Router
	var groups venue.GroupExecutor
	if e.backtest {
		e.positions = position.New(subscribed, util, true, nil, recTol,
			logs["position_monitor"], e.events)
		router = buildSimVenues(cfg, provider, e.positions.Simulated, logs["venue"])
		groups = venue.NewSimGroup(router, logs["venue"])
	} else {
		var readers []venue.PositionReader
		router, readers, err = buildLiveVenues(cfg, subscribed, logs["venue"])
		if err != nil {
			e.Close()
			return nil, err
		}
		e.positions = position.New(subscribed, util, false, readers, recTol,
			logs["position_monitor"], e.events)
		if cfg.StateDir != "" {
			e.checkpoints, err = store.Open(cfg.StateDir)
			if err != nil {
				e.Close()
				return nil, err
			}
		}
	}

	e.exposure = exposure.New(cfg.Components.ExposureMonitor, logs["exposure_monitor"], e.events)
	e.risk = risk.New(cfg.Components.RiskMonitor, util, cexLeverage(cfg),
		logs["risk_monitor"], e.events)
	e.pnl = pnl.New(cfg.Components.PnLMonitor, util, cfg.InitialCapital,
		logs["pnl_monitor"], e.events)

	e.strat, err = strategy.New(cfg.Mode, strategy.Params{
		Config:         cfg.Components.StrategyManager,
		InitialCapital: cfg.InitialCapital,
		Subscribed:     subscribed,
		FeeRates:       venueFeeRates(cfg),
		Util:           util,
		Log:            logs["strategy_manager"],
	})
	if err != nil {
		e.Close()
		return nil, err
	}

	execCfg := cfg.Components.ExecutionManager
	loop := execution.NewTightLoop(e.positions, e.exposure, e.risk, e.pnl,
		recTol, execCfg.MaxRetries, execCfg.RetryDelay, logs["execution_manager"], e.events)
	e.exec = execution.New(execCfg, router, groups, loop, logs["execution_manager"], e.events)

	e.log.Info().
		Str("mode", cfg.Mode).
		Str("execution_mode", cfg.ExecutionMode).
		Str("run_dir", dm.RunDir()).
		Msg("engine constructed")
	return e, nil
}

// Seed credits starting balances into the simulated view before the run
// begins, for portfolios that do not start as plain reporting currency.
// Calling Seed disables the automatic initial-capital deposit.
func (e *Engine) Seed(ctx context.Context, t time.Time, balances types.DeltaMap) error {
	s, err := e.provider.Snapshot(ctx, t)
	if err != nil {
		return err
	}
	if e.sim != nil {
		e.sim.Set(t)
	}
	e.seeded = true
	return e.positions.ApplyDeltas(s, balances, "seed")
}

// seedInitialCapital deposits initial_capital onto the subscription holding
// plain reporting currency, preferring a wallet venue over an exchange
// account. Portfolios without such a subscription must be seeded explicitly.
func (e *Engine) seedInitialCapital(ctx context.Context, t time.Time) error {
	if e.seeded {
		return nil
	}
	key, ok := e.capitalKey()
	if !ok {
		e.seeded = true
		e.log.Warn().Msg("no reporting-currency subscription to seed; starting flat")
		return nil
	}
	s, err := e.provider.Snapshot(ctx, t)
	if err != nil {
		return err
	}
	if err := e.positions.ApplyDeltas(s, types.DeltaMap{key: e.cfg.InitialCapital}, "seed"); err != nil {
		return err
	}
	e.seeded = true
	e.log.Info().
		Str("instrument_key", string(key)).
		Str("amount", e.cfg.InitialCapital.String()).
		Msg("seeded initial capital")
	return nil
}

func (e *Engine) capitalKey() (types.InstrumentKey, bool) {
	var fallback types.InstrumentKey
	found := false
	for _, sub := range e.cfg.Components.PositionMonitor.PositionSubscriptions {
		key := types.InstrumentKey(sub)
		inst, err := types.ParseInstrument(key)
		if err != nil || inst.Type != types.PosBaseToken {
			continue
		}
		if inst.Symbol != e.cfg.ShareClass && inst.Symbol != e.cfg.ReportingCurrency {
			continue
		}
		if e.cfg.Venues[inst.Venue].Kind == "wallet" {
			return key, true
		}
		if !found {
			fallback, found = key, true
		}
	}
	return fallback, found
}

// Run executes the full tick sequence and finalizes the run directory. The
// returned error is nil for a completed run, the CRITICAL cause for a
// terminated one, and ctx's error for a cancelled one; RunResult is valid in
// every case.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	res := &RunResult{CorrelationID: e.cid, RunDir: e.dm.RunDir()}

	var runErr error
	if e.backtest {
		runErr = e.runBacktest(ctx, res)
	} else {
		runErr = e.runLive(ctx, res)
	}

	if calc, ok := e.pnl.GetLatest(); ok {
		res.FinalPnL = &calc
	}
	e.finalize(res, runErr)
	return res, runErr
}

func (e *Engine) runBacktest(ctx context.Context, res *RunResult) error {
	series, ok := e.provider.(data.SeriesProvider)
	if !ok {
		return types.Codedf(types.CodeConfMissingField,
			"backtest mode requires a data provider with a timestamp series")
	}
	timestamps, err := series.Timestamps(ctx)
	if err != nil {
		return err
	}
	if len(timestamps) == 0 {
		return types.Codedf(types.CodeDataSeriesExhausted, "timestamp series is empty")
	}

	e.sim.Set(timestamps[0])
	if err := e.seedInitialCapital(ctx, timestamps[0]); err != nil {
		return err
	}

	for _, t := range timestamps {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.sim.Set(t)
		res.Ticks++
		if err := e.tick(ctx, t, res); err != nil {
			if stop := e.gradeTickError(t, err); stop != nil {
				return stop
			}
		}
	}
	return nil
}

func (e *Engine) runLive(ctx context.Context, res *RunResult) error {
	if lp, ok := e.provider.(*data.LiveProvider); ok {
		go lp.Run(ctx)
	}
	ticker := time.NewTicker(e.cfg.Data.TickInterval)
	defer ticker.Stop()

	// Out-of-band refresh keeps the real view current on venues the tight
	// loop has not touched recently. A nil channel never fires.
	var refresh <-chan time.Time
	if e.cfg.Data.RealRefreshInterval > 0 {
		rt := time.NewTicker(e.cfg.Data.RealRefreshInterval)
		defer rt.Stop()
		refresh = rt.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh:
			e.refreshReal(ctx)
		case <-ticker.C:
			t := e.clock.Now()
			if err := e.restoreOrSeed(ctx, t); err != nil {
				if stop := e.gradeTickError(t, err); stop != nil {
					return stop
				}
				continue
			}
			res.Ticks++
			if err := e.tick(ctx, t, res); err != nil {
				if stop := e.gradeTickError(t, err); stop != nil {
					return stop
				}
			}
			e.saveCheckpoint(t)
		}
	}
}

// restoreOrSeed establishes the starting book on the first successful live
// tick: a persisted checkpoint wins over the automatic capital deposit.
func (e *Engine) restoreOrSeed(ctx context.Context, t time.Time) error {
	if e.seeded {
		return nil
	}
	if e.checkpoints != nil {
		cp, err := e.checkpoints.Load(e.cfg.Mode)
		if err != nil {
			return err
		}
		if cp != nil {
			s, err := e.provider.Snapshot(ctx, t)
			if err != nil {
				return err
			}
			if err := e.positions.ApplyDeltas(s, cp.Positions, "checkpoint"); err != nil {
				return err
			}
			e.seeded = true
			e.log.Info().
				Str("checkpoint_correlation_id", cp.CorrelationID).
				Time("checkpoint_time", cp.Timestamp).
				Msg("restored positions from checkpoint")
			return nil
		}
	}
	return e.seedInitialCapital(ctx, t)
}

func (e *Engine) saveCheckpoint(t time.Time) {
	if e.checkpoints == nil {
		return
	}
	err := e.checkpoints.Save(store.Checkpoint{
		Mode:          e.cfg.Mode,
		CorrelationID: e.cid,
		Timestamp:     t,
		Positions:     e.positions.Get().Simulated,
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("checkpoint save failed")
	}
}

// refreshReal performs the periodic out-of-band refresh of the real view.
// Failures are logged and absorbed; the next tick's reconcile still guards
// correctness.
func (e *Engine) refreshReal(ctx context.Context) {
	s, err := e.provider.Snapshot(ctx, e.clock.Now())
	if err != nil {
		e.log.Warn().Err(err).Msg("out-of-band refresh skipped, no snapshot")
		return
	}
	if err := e.positions.RefreshReal(ctx, s, "periodic"); err != nil {
		e.log.Err(err).Msg("out-of-band refresh failed")
	}
}

// tick runs the full pipeline against one snapshot.
func (e *Engine) tick(ctx context.Context, t time.Time, res *RunResult) error {
	s, err := e.provider.Snapshot(ctx, t)
	if err != nil {
		return err
	}

	// every tick opens with a position record, even when nothing trades
	e.positions.Publish(s, "tick")

	views := e.positions.Get()
	e.pnl.Accrue(s, views.Simulated)

	exp, err := e.exposure.Compute(s, views.Simulated)
	if err != nil {
		return err
	}
	assessment, err := e.risk.Evaluate(s, views.Simulated, exp)
	if err != nil {
		return err
	}

	decision, err := e.strat.Decide(s, strategy.Inputs{
		Positions: views.Simulated,
		Exposure:  exp,
		Risk:      assessment,
	})
	if err != nil {
		return err
	}
	e.emitDecision(s, decision)

	if len(decision.Orders) > 0 {
		res.OrdersSubmitted += len(decision.Orders)
		handshakes, execErr := e.exec.Process(ctx, s, decision.Orders)
		for _, hs := range handshakes {
			if hs.Status == types.StatusConfirmed {
				res.OrdersConfirmed++
			} else {
				res.OrdersFailed++
			}
		}
		if execErr != nil {
			return execErr
		}
		views = e.positions.Get()
		if exp, err = e.exposure.Compute(s, views.Simulated); err != nil {
			return err
		}
		if _, err = e.risk.Evaluate(s, views.Simulated, exp); err != nil {
			return err
		}
	}

	if _, err := e.pnl.Compute(s, views.Simulated); err != nil {
		return err
	}
	return e.events.Flush()
}

// gradeTickError maps a tick failure onto the run outcome: CRITICAL (or a
// cancelled context) stops the run, everything else aborts only the tick.
func (e *Engine) gradeTickError(t time.Time, err error) error {
	if ctxErr := contextCause(err); ctxErr != nil {
		return ctxErr
	}
	sev := types.SeverityOf(err)
	if sev.AtLeast(types.SeverityCritical) {
		e.log.Err(types.Coded(types.CodeEngineCriticalShutdown, err)).
			Time("tick", t).
			Msg("critical failure, terminating run")
		return types.Coded(types.CodeEngineCriticalShutdown, err)
	}
	e.log.Err(types.Coded(types.CodeEngineTickAborted, err)).
		Time("tick", t).
		Msg("tick aborted")
	return nil
}

func (e *Engine) emitDecision(s *data.Snapshot, d strategy.Decision) {
	ids := make([]string, len(d.Orders))
	for i, o := range d.Orders {
		ids[i] = o.OperationID
	}
	e.events.Emit(types.EventStrategyDecisions, types.StrategyDecision{
		EventMeta:     e.events.Stamp(s.Timestamp),
		Mode:          e.strat.Mode(),
		Trigger:       "tick",
		Action:        d.Action,
		OrdersEmitted: ids,
		Reason:        d.Reason,
	})
}

// finalize records the run outcome and closes the logging substrate.
func (e *Engine) finalize(res *RunResult, runErr error) {
	status := "completed"
	switch {
	case runErr == nil:
	case contextCause(runErr) != nil:
		status = "cancelled"
	default:
		status = "failed"
	}

	summary := map[string]any{
		"ticks":            res.Ticks,
		"orders_submitted": res.OrdersSubmitted,
		"orders_confirmed": res.OrdersConfirmed,
		"orders_failed":    res.OrdersFailed,
	}
	if res.FinalPnL != nil {
		summary["total_pnl"] = res.FinalPnL.Total.String()
		summary["portfolio_value_usd"] = res.FinalPnL.PortfolioValueUSD.String()
	}

	e.events.Close()
	if err := e.dm.Finalize(status, time.Now().UTC(), summary); err != nil && e.log != nil {
		e.log.Err(err).Msg("finalize run metadata")
	}
	if e.log != nil {
		e.log.Info().Str("status", status).Int("ticks", res.Ticks).Msg("run finished")
	}
	e.factory.Close()
}

// Close releases resources for an engine that never ran.
func (e *Engine) Close() {
	if e.events != nil {
		e.events.Close()
	}
	e.factory.Close()
}

// RunDir returns logs/<correlation_id>/<pid> for this run.
func (e *Engine) RunDir() string { return e.dm.RunDir() }

// CorrelationID returns the run's correlation id.
func (e *Engine) CorrelationID() string { return e.cid }

func (e *Engine) componentLogs(names ...string) (map[string]*runlog.Logger, error) {
	out := make(map[string]*runlog.Logger, len(names))
	for _, name := range names {
		log, err := e.factory.Component(name)
		if err != nil {
			return nil, err
		}
		out[name] = log
	}
	return out, nil
}

// contextCause returns err's context cancellation, if it is one.
func contextCause(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Wiring helpers
// ————————————————————————————————————————————————————————————————————————

// canonicalInstruments merges every venue's derivative-token mapping.
func canonicalInstruments(cfg *config.Config) map[string]string {
	out := make(map[string]string)
	for _, vc := range cfg.Venues {
		for token, base := range vc.CanonicalInstruments {
			out[token] = base
		}
	}
	return out
}

// venueFeeRates collects the per-venue taker fee fractions.
func venueFeeRates(cfg *config.Config) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(cfg.Venues))
	for name, vc := range cfg.Venues {
		if vc.Enabled && !vc.FeeRate.IsZero() {
			out[name] = vc.FeeRate
		}
	}
	return out
}

// cexLeverage collects max leverage per CEX venue for the margin evaluator.
func cexLeverage(cfg *config.Config) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for name, vc := range cfg.Venues {
		if vc.Enabled && vc.Kind == "cex" && vc.MaxLeverage.IsPositive() {
			out[name] = vc.MaxLeverage
		}
	}
	return out
}

// buildSimVenues registers one simulator per enabled venue. Wallet venues
// hold balances but execute nothing; the transfer venue becomes the router's
// dedicated transfer executor.
func buildSimVenues(cfg *config.Config, provider data.Provider,
	balances func() types.DeltaMap, log *runlog.Logger) *venue.Router {

	router := venue.NewRouter()
	for name, vc := range cfg.Venues {
		if !vc.Enabled || vc.Kind == "wallet" {
			continue
		}
		sim := venue.NewSimulator(name, vc.Kind, vc.FeeRate, vc.MinAmount, provider, balances, log)
		if vc.Kind == "transfer" {
			router.RegisterTransfer(sim)
			continue
		}
		router.Register(sim)
	}
	return router
}

// buildLiveVenues constructs the live executors and position readers. CEX
// venues get HMAC credentials; on-chain venues share one signing key.
func buildLiveVenues(cfg *config.Config, subscribed map[types.InstrumentKey]struct{},
	log *runlog.Logger) (*venue.Router, []venue.PositionReader, error) {

	var cexNames []string
	needChain := false
	rps := make(map[string]float64)
	for name, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		switch vc.Kind {
		case "cex":
			cexNames = append(cexNames, name)
		case "lending", "staking", "dex", "flash_loan":
			needChain = true
		}
		if vc.RateLimitRPS > 0 {
			rps[name] = vc.RateLimitRPS
		}
	}

	creds, err := venue.LoadCredentials(types.Environment(cfg.Environment), cexNames, needChain)
	if err != nil {
		return nil, nil, err
	}
	limiters := venue.NewRateLimiters(rps)
	breakers := venue.NewBreakers(log)

	router := venue.NewRouter()
	var readers []venue.PositionReader
	for name, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		switch vc.Kind {
		case "cex":
			cc, err := creds.CEX(name)
			if err != nil {
				return nil, nil, err
			}
			cex := venue.NewLiveCEX(name, vc.RESTBaseURL, cc, limiters, breakers, log)
			router.Register(cex)
			readers = append(readers, cex)

		case "lending", "staking", "dex", "flash_loan":
			chainCreds, err := creds.Chain()
			if err != nil {
				return nil, nil, err
			}
			tokens := make(map[string]venue.TokenInfo, len(vc.Tokens))
			for symbol, tc := range vc.Tokens {
				tokens[symbol] = venue.TokenInfo{
					Address:  common.HexToAddress(tc.Address),
					Decimals: tc.Decimals,
				}
			}
			instruments := make(map[types.InstrumentKey]string)
			for key := range subscribed {
				if inst, err := types.ParseInstrument(key); err == nil && inst.Venue == name {
					instruments[key] = inst.Symbol
				}
			}
			dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			chain, err := venue.NewLiveChain(dialCtx, name, vc.Kind, vc.RPCURL,
				common.HexToAddress(vc.ContractAddress), tokens, instruments,
				chainCreds, limiters, breakers, log)
			cancel()
			if err != nil {
				return nil, nil, err
			}
			router.Register(chain)
			readers = append(readers, chain)
		}
	}
	return router, readers, nil
}
