package goals

import (
	"testing"

	"github.com/harun/autolab/pkg/actions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpec_Build(t *testing.T) {
	tests := []struct {
		name     string
		spec     Spec
		expected Goal
		wantErr  bool
	}{
		{
			name:     "defaults from metric",
			spec:     Spec{Metric: "entity_count", Target: 50},
			expected: Goal{Name: "entity_count", Metric: EntityCount, Target: 50, Weight: 1, Kind: actions.KindDiscovery},
		},
		{
			name:     "explicit kind and name",
			spec:     Spec{Name: "sharpe", Metric: "best_metric", Target: 2, Weight: 3, Kind: "test"},
			expected: Goal{Name: "sharpe", Metric: BestMetric, Target: 2, Weight: 3, Kind: actions.KindTest},
		},
		{
			name:     "custom metric with kind",
			spec:     Spec{Metric: "coverage", Target: 1, Kind: "optimize"},
			expected: Goal{Name: "coverage", Metric: "coverage", Target: 1, Weight: 1, Kind: actions.KindOptimize},
		},
		{name: "custom metric without kind", spec: Spec{Metric: "coverage", Target: 1}, wantErr: true},
		{name: "missing metric", spec: Spec{Target: 1}, wantErr: true},
		{name: "negative weight", spec: Spec{Metric: "entity_count", Target: 1, Weight: -1}, wantErr: true},
		{name: "bad kind", spec: Spec{Metric: "entity_count", Target: 1, Kind: "scrape"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := tt.spec.Build()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, g)
		})
	}
}

func TestBuildAll_RejectsDuplicates(t *testing.T) {
	_, err := BuildAll([]Spec{
		{Metric: "entity_count", Target: 10},
		{Metric: "entity_count", Target: 20},
	})
	assert.Error(t, err)
}

func TestDefaultSpecs(t *testing.T) {
	goals, err := BuildAll(DefaultSpecs())
	require.NoError(t, err)
	require.Len(t, goals, 3)

	kinds := map[actions.Kind]bool{}
	for _, g := range goals {
		kinds[g.Kind] = true
	}
	assert.True(t, kinds[actions.KindDiscovery])
	assert.True(t, kinds[actions.KindOptimize])
	assert.True(t, kinds[actions.KindTest])
}
