// Package risk evaluates portfolio safety after every position change.
//
// Evaluators are enabled per strategy mode: health_factor and ltv guard
// lending legs, margin_ratio guards perp margin accounts, delta guards
// market neutrality, funding guards carry-trade economics. Each enabled
// evaluator compares its metric against the configured limit and files a
// warning or a breach; the overall level is the worst across evaluators.
package risk

import (
	"sync"

	"github.com/shopspring/decimal"

	"basis-engine/internal/config"
	"basis-engine/internal/data"
	"basis-engine/internal/runlog"
	"basis-engine/pkg/types"
)

// Monitor runs the enabled evaluators against a position view.
type Monitor struct {
	cfg      config.RiskMonitorConfig
	util     *data.UtilityManager
	leverage map[string]decimal.Decimal // cex venue -> max leverage

	log    *runlog.Logger
	events *runlog.EventLogger

	mu     sync.RWMutex
	latest *types.RiskAssessment
}

// New builds the monitor. leverage carries each CEX venue's configured
// maximum, consumed by the margin_ratio evaluator.
func New(cfg config.RiskMonitorConfig, util *data.UtilityManager, leverage map[string]decimal.Decimal,
	log *runlog.Logger, events *runlog.EventLogger) *Monitor {
	return &Monitor{cfg: cfg, util: util, leverage: leverage, log: log, events: events}
}

// book is the position view split the way the evaluators consume it.
type book struct {
	collateralUSD decimal.Decimal // aToken + LST value
	debtUSD       decimal.Decimal // positive magnitude
	perpNotional  decimal.Decimal // sum of |amount * mark|
	cexBalanceUSD map[string]decimal.Decimal
	perpByVenue   map[string]decimal.Decimal
	perpKeys      []types.Instrument
}

// Evaluate runs every enabled evaluator, caches the assessment, and emits it.
// exp is the exposure snapshot computed earlier in the same pass.
func (m *Monitor) Evaluate(s *data.Snapshot, positions types.DeltaMap, exp types.ExposureSnapshot) (types.RiskAssessment, error) {
	b, err := m.split(s, positions)
	if err != nil {
		return types.RiskAssessment{}, err
	}

	assessment := types.RiskAssessment{
		Level:    types.RiskHealthy,
		Warnings: []types.RiskFlag{},
		Breaches: []types.RiskFlag{},
	}

	for _, rt := range m.cfg.EnabledRiskTypes {
		var err error
		switch rt {
		case "health_factor":
			err = m.evalHealthFactor(b, &assessment)
		case "ltv":
			err = m.evalLTV(b, &assessment)
		case "margin_ratio":
			err = m.evalMarginRatio(b, &assessment)
		case "delta":
			err = m.evalDelta(exp, &assessment)
		case "funding":
			err = m.evalFunding(s, b, &assessment)
		}
		if err != nil {
			return types.RiskAssessment{}, err
		}
	}

	if len(assessment.Breaches) > 0 {
		assessment.Level = types.RiskCritical
	} else if len(assessment.Warnings) > 0 {
		assessment.Level = types.RiskWarning
	}

	if m.events != nil {
		assessment.EventMeta = m.events.Stamp(s.Timestamp)
		m.events.Emit(types.EventRiskAssessments, assessment)
	}
	m.mu.Lock()
	m.latest = &assessment
	m.mu.Unlock()
	return assessment, nil
}

// Latest returns the most recent assessment, false before the first Evaluate.
func (m *Monitor) Latest() (types.RiskAssessment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return types.RiskAssessment{}, false
	}
	return *m.latest, true
}

func (m *Monitor) split(s *data.Snapshot, positions types.DeltaMap) (*book, error) {
	b := &book{
		cexBalanceUSD: make(map[string]decimal.Decimal),
		perpByVenue:   make(map[string]decimal.Decimal),
	}
	for key, amount := range positions {
		if amount.IsZero() {
			continue
		}
		inst, err := types.ParseInstrument(key)
		if err != nil {
			return nil, types.Coded(types.CodeRiskMissingInput, err)
		}
		value, err := m.util.InstrumentValueUSD(s, key, amount)
		if err != nil {
			return nil, types.Coded(types.CodeRiskMissingInput, err)
		}
		switch inst.Type {
		case types.PosAToken, types.PosLST:
			b.collateralUSD = b.collateralUSD.Add(value)
		case types.PosDebtToken:
			// debt values negatively; track the magnitude
			b.debtUSD = b.debtUSD.Add(value.Neg())
		case types.PosPerp:
			b.perpNotional = b.perpNotional.Add(value.Abs())
			b.perpByVenue[inst.Venue] = b.perpByVenue[inst.Venue].Add(value.Abs())
			b.perpKeys = append(b.perpKeys, inst)
		case types.PosBaseToken:
			if _, ok := m.leverage[inst.Venue]; ok {
				b.cexBalanceUSD[inst.Venue] = b.cexBalanceUSD[inst.Venue].Add(value)
			}
		}
	}
	return b, nil
}

// grade compares a utilization ratio (1.0 = at the limit) against the warning
// and critical thresholds and files the flag.
func (m *Monitor) grade(a *types.RiskAssessment, flag types.RiskFlag, utilization decimal.Decimal) {
	switch {
	case utilization.GreaterThanOrEqual(m.cfg.CriticalThreshold):
		flag.Severity = types.SeverityCritical
		a.Breaches = append(a.Breaches, flag)
	case utilization.GreaterThanOrEqual(m.cfg.WarningThreshold):
		flag.Severity = types.SeverityMedium
		a.Warnings = append(a.Warnings, flag)
	}
}

// evalHealthFactor computes (collateral * liquidation_threshold) / debt.
// Lower is worse; the limit is a floor. With no debt the metric is undefined
// and the evaluator passes.
func (m *Monitor) evalHealthFactor(b *book, a *types.RiskAssessment) error {
	liqThreshold, ok := m.cfg.RiskLimits["liquidation_threshold"]
	if !ok {
		return types.Codedf(types.CodeRiskMissingInput,
			"health_factor enabled but risk_limits.liquidation_threshold is missing")
	}
	floor, ok := m.cfg.RiskLimits["health_factor"]
	if !ok {
		return types.Codedf(types.CodeRiskMissingInput,
			"health_factor enabled but risk_limits.health_factor is missing")
	}
	a.LiquidationThreshold = &liqThreshold
	if !b.debtUSD.IsPositive() {
		return nil
	}
	hf := b.collateralUSD.Mul(liqThreshold).Div(b.debtUSD)
	a.HealthFactor = &hf

	// utilization inverts the floor: hf at the floor is 1.0, below is worse
	if hf.IsPositive() {
		m.grade(a, types.RiskFlag{
			Type:    "health_factor",
			Message: "health factor approaching liquidation floor",
			Value:   hf,
			Limit:   floor,
		}, floor.Div(hf))
	}
	return nil
}

// evalLTV computes debt / collateral against a ceiling.
func (m *Monitor) evalLTV(b *book, a *types.RiskAssessment) error {
	ceiling, ok := m.cfg.RiskLimits["ltv"]
	if !ok {
		return types.Codedf(types.CodeRiskMissingInput,
			"ltv enabled but risk_limits.ltv is missing")
	}
	if !b.collateralUSD.IsPositive() {
		if b.debtUSD.IsPositive() {
			return types.Codedf(types.CodeRiskMissingInput,
				"ltv: debt %s with no collateral", b.debtUSD)
		}
		return nil
	}
	ltv := b.debtUSD.Div(b.collateralUSD)
	a.LTV = &ltv
	m.grade(a, types.RiskFlag{
		Type:    "ltv",
		Message: "loan-to-value approaching ceiling",
		Value:   ltv,
		Limit:   ceiling,
	}, ltv.Div(ceiling))
	return nil
}

// evalMarginRatio computes perp notional over available margin capacity
// (CEX balance * max leverage), per venue, keeping the worst.
func (m *Monitor) evalMarginRatio(b *book, a *types.RiskAssessment) error {
	ceiling, ok := m.cfg.RiskLimits["margin_ratio"]
	if !ok {
		return types.Codedf(types.CodeRiskMissingInput,
			"margin_ratio enabled but risk_limits.margin_ratio is missing")
	}
	worst := decimal.Zero
	for venueName, notional := range b.perpByVenue {
		if !notional.IsPositive() {
			continue
		}
		lev, ok := m.leverage[venueName]
		if !ok || !lev.IsPositive() {
			return types.Codedf(types.CodeRiskMissingInput,
				"margin_ratio: no max_leverage configured for venue %q", venueName)
		}
		capacity := b.cexBalanceUSD[venueName].Mul(lev)
		if !capacity.IsPositive() {
			return types.Codedf(types.CodeRiskMissingInput,
				"margin_ratio: venue %q holds perp notional %s with no margin balance", venueName, notional)
		}
		usage := notional.Div(capacity)
		if usage.GreaterThan(worst) {
			worst = usage
		}
	}
	if len(b.perpByVenue) == 0 {
		return nil
	}
	a.MarginUsage = &worst
	m.grade(a, types.RiskFlag{
		Type:    "margin_ratio",
		Message: "perp margin usage approaching ceiling",
		Value:   worst,
		Limit:   ceiling,
	}, worst.Div(ceiling))
	return nil
}

// evalDelta compares |net delta| to the tolerance, both as a fraction of
// portfolio value.
func (m *Monitor) evalDelta(exp types.ExposureSnapshot, a *types.RiskAssessment) error {
	net := exp.NetDeltaUSD
	a.NetDeltaUSD = &net
	if !exp.TotalValueUSD.IsPositive() {
		return nil
	}
	fraction := net.Abs().Div(exp.TotalValueUSD)
	m.grade(a, types.RiskFlag{
		Type:    "delta",
		Message: "net delta outside neutrality tolerance",
		Value:   fraction,
		Limit:   m.cfg.DeltaTolerance,
	}, fraction.Div(m.cfg.DeltaTolerance))
	return nil
}

// evalFunding checks each perp's current funding rate against the ceiling.
// A short-perp carry earns positive funding; the limit guards the magnitude
// of adverse rates.
func (m *Monitor) evalFunding(s *data.Snapshot, b *book, a *types.RiskAssessment) error {
	ceiling, ok := m.cfg.RiskLimits["funding"]
	if !ok {
		return types.Codedf(types.CodeRiskMissingInput,
			"funding enabled but risk_limits.funding is missing")
	}
	for _, inst := range b.perpKeys {
		rate, err := s.FundingRate(inst.Venue, inst.Symbol)
		if err != nil {
			return types.Coded(types.CodeRiskMissingInput, err)
		}
		m.grade(a, types.RiskFlag{
			Type:    "funding",
			Message: "funding rate magnitude approaching ceiling",
			Value:   rate,
			Limit:   ceiling,
		}, rate.Abs().Div(ceiling))
	}
	return nil
}
