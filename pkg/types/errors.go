package types

import (
	"errors"
	"fmt"
)

// ————————————————————————————————————————————————————————————————————————
// Severities
// ————————————————————————————————————————————————————————————————————————

// Severity grades an error's blast radius. LOW is log-only, MEDIUM is a
// recorded warning/breach, HIGH aborts the current tick when it reaches the
// engine, CRITICAL terminates the run.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// ————————————————————————————————————————————————————————————————————————
// Error codes
// ————————————————————————————————————————————————————————————————————————

// Stable error codes. The prefix names the component family, the three-digit
// code the condition. Codes are wire-stable: they appear in handshakes, log
// records, and domain events, and downstream tooling matches on them.
const (
	CodeConfMissingField     = "CONF-001"
	CodeConfInvalidKey       = "CONF-002"
	CodeConfUnknownMode      = "CONF-003"
	CodeConfInvalidThreshold = "CONF-004"

	CodeDataMissingField    = "DATA-001"
	CodeDataSeriesExhausted = "DATA-002"
	CodeDataStoreQuery      = "DATA-003"

	CodeStratUnknownInstrument = "STRAT-001"
	CodeStratMissingInstrument = "STRAT-002"
	CodeStratDeltaComputation  = "STRAT-003"
	CodeStratInvalidOrder      = "STRAT-004"

	CodeExecRoutingFailed         = "EXEC-001"
	CodeExecVenueTimeout          = "EXEC-002"
	CodeExecRetriesExhausted      = "EXEC-003"
	CodeExecAtomicGroupRollback   = "EXEC-004"
	CodeExecReconciliationTimeout = "EXEC-005"
	CodeExecUnexpectedDeltaKey    = "EXEC-006"

	CodeVenNetwork       = "VEN-001"
	CodeVenRateLimited   = "VEN-002"
	CodeVenInvalidOrder  = "VEN-003"
	CodeVenInsufficient  = "VEN-004"
	CodeVenTimeout       = "VEN-005"
	CodeVenBreakerOpen   = "VEN-006"
	CodeVenUnsupportedOp = "VEN-007"

	CodePosUnknownInstrument = "POS-001"
	CodePosViewDivergence    = "POS-002"

	CodeExpMissingConversion = "EXP-001"

	CodeRiskMissingInput = "RISK-001"

	CodePnlMissingBaseline = "PNL-001"

	CodeEngineTickAborted      = "ENGINE-001"
	CodeEngineCriticalShutdown = "ENGINE-002"

	CodeLogWriteFailed     = "LOG-001"
	CodeLogDirectoryCreate = "LOG-002"
)

type codeInfo struct {
	name     string
	severity Severity
}

var codeTable = map[string]codeInfo{
	CodeConfMissingField:     {"MissingField", SeverityCritical},
	CodeConfInvalidKey:       {"InvalidInstrument", SeverityCritical},
	CodeConfUnknownMode:      {"UnknownMode", SeverityCritical},
	CodeConfInvalidThreshold: {"InvalidThreshold", SeverityCritical},

	CodeDataMissingField:    {"MissingField", SeverityHigh},
	CodeDataSeriesExhausted: {"SeriesExhausted", SeverityLow},
	CodeDataStoreQuery:      {"StoreQuery", SeverityHigh},

	CodeStratUnknownInstrument: {"UnknownInstrument", SeverityHigh},
	CodeStratMissingInstrument: {"MissingInstrument", SeverityCritical},
	CodeStratDeltaComputation:  {"DeltaComputation", SeverityHigh},
	CodeStratInvalidOrder:      {"InvalidOrder", SeverityHigh},

	CodeExecRoutingFailed:         {"RoutingFailed", SeverityHigh},
	CodeExecVenueTimeout:          {"VenueTimeout", SeverityMedium},
	CodeExecRetriesExhausted:      {"RetriesExhausted", SeverityMedium},
	CodeExecAtomicGroupRollback:   {"AtomicGroupRollback", SeverityMedium},
	CodeExecReconciliationTimeout: {"ReconciliationTimeout", SeverityCritical},
	CodeExecUnexpectedDeltaKey:    {"UnexpectedDeltaKey", SeverityMedium},

	CodeVenNetwork:       {"NetworkError", SeverityMedium},
	CodeVenRateLimited:   {"RateLimited", SeverityLow},
	CodeVenInvalidOrder:  {"InvalidOrder", SeverityHigh},
	CodeVenInsufficient:  {"InsufficientBalance", SeverityHigh},
	CodeVenTimeout:       {"Timeout", SeverityMedium},
	CodeVenBreakerOpen:   {"BreakerOpen", SeverityMedium},
	CodeVenUnsupportedOp: {"UnsupportedOperation", SeverityHigh},

	CodePosUnknownInstrument: {"UnknownInstrument", SeverityHigh},
	CodePosViewDivergence:    {"ViewDivergence", SeverityMedium},

	CodeExpMissingConversion: {"MissingConversion", SeverityHigh},

	CodeRiskMissingInput: {"MissingInput", SeverityHigh},

	CodePnlMissingBaseline: {"MissingBaseline", SeverityMedium},

	CodeEngineTickAborted:      {"TickAborted", SeverityHigh},
	CodeEngineCriticalShutdown: {"CriticalShutdown", SeverityCritical},

	CodeLogWriteFailed:     {"WriteFailed", SeverityLow},
	CodeLogDirectoryCreate: {"DirectoryCreate", SeverityMedium},
}

// CodedError is an error carrying a stable code and severity. Components
// wrap causes into CodedErrors at the boundary where the condition is
// classified; the engine dispatches on severity.
type CodedError struct {
	Code     string
	Name     string
	Severity Severity
	Err      error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s:%s: %v", e.Code, e.Name, e.Err)
	}
	return fmt.Sprintf("%s:%s", e.Code, e.Name)
}

func (e *CodedError) Unwrap() error { return e.Err }

// Coded wraps cause with the named code. Unknown codes get MEDIUM severity
// and an empty name rather than panicking; the code string still surfaces.
func Coded(code string, cause error) *CodedError {
	info, ok := codeTable[code]
	if !ok {
		info = codeInfo{severity: SeverityMedium}
	}
	return &CodedError{Code: code, Name: info.name, Severity: info.severity, Err: cause}
}

// Codedf is Coded with a formatted cause.
func Codedf(code, format string, args ...any) *CodedError {
	return Coded(code, fmt.Errorf(format, args...))
}

// AsCoded extracts the outermost CodedError in err's chain.
func AsCoded(err error) (*CodedError, bool) {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// SeverityOf returns the severity of the outermost coded error in the chain,
// or MEDIUM for uncoded errors (recorded, never fatal on its own).
func SeverityOf(err error) Severity {
	if ce, ok := AsCoded(err); ok {
		return ce.Severity
	}
	return SeverityMedium
}
