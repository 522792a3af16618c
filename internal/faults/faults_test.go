package faults

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomyWrapping(t *testing.T) {
	assert.True(t, errors.Is(ErrOracleUnavailable, ErrTransientDependency))

	err := Transient("embedding", errors.New("connection refused"))
	assert.True(t, errors.Is(err, ErrTransientDependency))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Nil(t, Transient("embedding", nil))

	assert.Same(t, ErrOracleUnavailable, Transient("oracle", ErrOracleUnavailable))
	assert.True(t, errors.Is(Inconclusive("only %d trials", 2), ErrInconclusive))
	assert.True(t, errors.Is(SafetyRejected("breaks bound"), ErrSafetyRejected))
}

func TestClamp01(t *testing.T) {
	tests := []struct {
		in      float64
		want    float64
		anomaly bool
	}{
		{0.5, 0.5, false},
		{0, 0, false},
		{1, 1, false},
		{-0.2, 0, true},
		{1.7, 1, true},
		{math.NaN(), 0, true},
		{math.Inf(1), 1, true},
	}
	for _, tt := range tests {
		got, anomaly := Clamp01(tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.anomaly, anomaly)
	}
}

func TestCheckUnit(t *testing.T) {
	assert.NoError(t, CheckUnit("x", 0.3))
	assert.ErrorIs(t, CheckUnit("x", 1.2), ErrNumericAnomaly)
	assert.ErrorIs(t, CheckUnit("x", math.NaN()), ErrNumericAnomaly)
}
