package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodedErrorTaxonomy(t *testing.T) {
	t.Parallel()

	err := Codedf(CodeExecReconciliationTimeout, "mismatch on %d keys after %d attempts", 1, 4)
	ce, ok := AsCoded(err)
	require.True(t, ok)
	assert.Equal(t, "EXEC-005", ce.Code)
	assert.Equal(t, "ReconciliationTimeout", ce.Name)
	assert.Equal(t, SeverityCritical, ce.Severity)
	assert.Contains(t, err.Error(), "EXEC-005:ReconciliationTimeout")
}

func TestCodedErrorWrapping(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := fmt.Errorf("execute order: %w", Coded(CodeVenNetwork, cause))

	ce, ok := AsCoded(err)
	require.True(t, ok, "coded error must survive fmt.Errorf wrapping")
	assert.Equal(t, CodeVenNetwork, ce.Code)
	assert.True(t, errors.Is(err, cause), "cause must remain in the chain")
}

func TestSeverityOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want Severity
	}{
		{Coded(CodeVenRateLimited, nil), SeverityLow},
		{Coded(CodeExecVenueTimeout, nil), SeverityMedium},
		{Coded(CodeStratUnknownInstrument, nil), SeverityHigh},
		{Coded(CodeEngineCriticalShutdown, nil), SeverityCritical},
		{errors.New("plain"), SeverityMedium},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityOf(tt.err), "%v", tt.err)
	}
}

func TestSeverityAtLeast(t *testing.T) {
	t.Parallel()

	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
	assert.True(t, SeverityMedium.AtLeast(SeverityLow))
}

func TestUnknownCodeDoesNotPanic(t *testing.T) {
	t.Parallel()

	err := Coded("XXX-999", errors.New("novel condition"))
	assert.Equal(t, SeverityMedium, err.Severity)
	assert.Contains(t, err.Error(), "XXX-999")
}
