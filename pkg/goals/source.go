package goals

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Source supplies the goal set read at the start of each cycle.
type Source interface {
	Goals() []Goal
}

// StaticSource is a fixed goal set.
type StaticSource []Goal

func (s StaticSource) Goals() []Goal {
	out := make([]Goal, len(s))
	copy(out, s)
	return out
}

// File is the on-disk layout of a goals file.
type File struct {
	Goals []Spec `yaml:"goals"`
}

// LoadFile reads and validates a YAML goals file.
func LoadFile(path string) ([]Goal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read goals file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse goals file: %w", err)
	}
	if len(f.Goals) == 0 {
		return nil, fmt.Errorf("goals file %s defines no goals", path)
	}
	return BuildAll(f.Goals)
}

// FileSource serves goals from a YAML file and reloads them when the file
// changes. A file that fails to load keeps the previous goal set.
type FileSource struct {
	path     string
	logger   zerolog.Logger
	current  atomic.Pointer[[]Goal]
	watcher  *fileWatcher
	onReload func([]Goal)
	mu       sync.Mutex
}

// NewFileSource loads path and starts watching it. onReload, if not nil, is
// called after each successful reload.
func NewFileSource(path string, logger zerolog.Logger, onReload func([]Goal)) (*FileSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	goals, err := LoadFile(abs)
	if err != nil {
		return nil, err
	}

	fs := &FileSource{
		path:     abs,
		logger:   logger.With().Str("component", "goals").Str("file", abs).Logger(),
		onReload: onReload,
	}
	fs.current.Store(&goals)

	w, err := newFileWatcher(fs.logger, filepath.Base(abs), fs.reload)
	if err != nil {
		return nil, fmt.Errorf("failed to create goals watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := w.Watch(filepath.Dir(abs)); err != nil {
		w.Stop()
		return nil, fmt.Errorf("failed to watch goals file: %w", err)
	}
	fs.watcher = w

	fs.logger.Info().Int("goals", len(goals)).Msg("Goals loaded")
	return fs, nil
}

// Goals returns the current goal set.
func (f *FileSource) Goals() []Goal {
	p := f.current.Load()
	out := make([]Goal, len(*p))
	copy(out, *p)
	return out
}

func (f *FileSource) reload() {
	f.mu.Lock()
	defer f.mu.Unlock()

	goals, err := LoadFile(f.path)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Goals reload failed, keeping previous goals")
		return
	}
	f.current.Store(&goals)
	f.logger.Info().Int("goals", len(goals)).Msg("Goals reloaded")

	if f.onReload != nil {
		f.onReload(goals)
	}
}

// Close stops watching the file.
func (f *FileSource) Close() error {
	if f.watcher == nil {
		return nil
	}
	return f.watcher.Stop()
}
