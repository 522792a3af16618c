package seed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSetIsValid(t *testing.T) {
	s, err := Default()
	require.NoError(t, err)
	assert.NotEmpty(t, s.Patterns)
	assert.NotEmpty(t, s.Beliefs)
	assert.Len(t, s.Goals, 5)
	assert.Empty(t, s.Validate())
}

func TestParseRejectsInvalidSets(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"wrong version", "version: 2\n"},
		{"pattern without solution", "version: 1\npatterns:\n  - context: c\n"},
		{"duplicate belief key", "version: 1\nbeliefs:\n  - {key: a, content: x, confidence: 0.5}\n  - {key: a, content: y, confidence: 0.5}\n"},
		{"confidence out of range", "version: 1\nbeliefs:\n  - {key: a, content: x, confidence: 1.5}\n"},
		{"unknown contradiction", "version: 1\nbeliefs:\n  - {key: a, content: x, confidence: 0.5, contradicts: [b]}\n"},
		{"incomplete goal", "version: 1\ngoals:\n  - {action: reduce, target: api, metric: latency_ms}\n"},
		{"not yaml", "version: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`version: 1
goals:
  - action: reduce
    target: search api
    metric: p99_latency_ms
    amount: 10%
`), 0o644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, s.Goals, 1)
	assert.Equal(t, "p99_latency_ms", s.Goals[0].Metric)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
