package goals

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goalsYAML = `
goals:
  - metric: entity_count
    target: 20
  - metric: best_metric
    target: 1.5
    weight: 2
`

func writeGoals(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goals.yaml")
	writeGoals(t, path, goalsYAML)

	goals, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, goals, 2)
	assert.Equal(t, EntityCount, goals[0].Metric)
	assert.Equal(t, 2.0, goals[1].Weight)
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	writeGoals(t, empty, "goals: []\n")
	_, err = LoadFile(empty)
	assert.Error(t, err)

	broken := filepath.Join(dir, "broken.yaml")
	writeGoals(t, broken, "goals: [\n")
	_, err = LoadFile(broken)
	assert.Error(t, err)
}

func TestStaticSource_ReturnsCopy(t *testing.T) {
	src := StaticSource{{Name: "a", Metric: EntityCount, Target: 1, Weight: 1}}

	got := src.Goals()
	got[0].Target = 99

	assert.Equal(t, 1.0, src.Goals()[0].Target)
}

func TestFileSource_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goals.yaml")
	writeGoals(t, path, goalsYAML)

	reloaded := make(chan []Goal, 4)
	src, err := NewFileSource(path, zerolog.New(os.Stdout).Level(zerolog.Disabled), func(g []Goal) {
		reloaded <- g
	})
	require.NoError(t, err)
	defer src.Close()

	require.Len(t, src.Goals(), 2)

	// An invalid edit keeps the previous goals.
	writeGoals(t, path, "goals: [\n")
	time.Sleep(500 * time.Millisecond)
	assert.Len(t, src.Goals(), 2)

	writeGoals(t, path, "goals:\n  - metric: total_samples\n    target: 100\n")

	select {
	case g := <-reloaded:
		require.Len(t, g, 1)
		assert.Equal(t, TotalSamples, g[0].Metric)
	case <-time.After(5 * time.Second):
		t.Fatal("goals were not reloaded")
	}
	assert.Equal(t, TotalSamples, src.Goals()[0].Metric)
}
