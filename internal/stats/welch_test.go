package stats

import (
	"testing"

	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWelch(t *testing.T) {
	tests := []struct {
		name  string
		a, b  []float64
		wantT float64
		wantP float64
		delta float64
	}{
		{"shifted by one", []float64{1, 2, 3, 4, 5}, []float64{2, 3, 4, 5, 6}, -1, 0.3466, 0.001},
		{"identical constants", []float64{1, 1, 1}, []float64{1, 1, 1}, 0, 1, 0},
		{"different constants", []float64{1, 1, 1}, []float64{2, 2, 2}, -1.7976931348623157e308, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tstat, p, err := Welch(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantP, p, tt.delta)
			if tt.delta > 0 {
				assert.InDelta(t, tt.wantT, tstat, 1e-9)
			} else {
				assert.Equal(t, tt.wantT, tstat)
			}
		})
	}
}

func TestWelchNeedsTwoValues(t *testing.T) {
	_, p, err := Welch([]float64{1}, []float64{1, 2})
	assert.ErrorIs(t, err, faults.ErrInconclusive)
	assert.Equal(t, 1.0, p)
}

func TestMean(t *testing.T) {
	assert.Zero(t, Mean(nil))
	assert.Equal(t, 2.0, Mean([]float64{1, 2, 3}))
}
