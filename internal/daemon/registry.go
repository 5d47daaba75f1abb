package daemon

import (
	"fmt"
	"sort"

	"github.com/harun/autolab/internal/config"
	"github.com/harun/autolab/pkg/actions"
	"github.com/rs/zerolog"
)

// buildRegistry binds every configured kind to a command runner and its
// fallbacks.
func buildRegistry(kinds map[string]config.KindConfig, logger zerolog.Logger) (*actions.Registry, error) {
	registry := actions.NewRegistry()

	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		kc := kinds[name]
		kind, err := actions.ParseKind(name)
		if err != nil {
			return nil, err
		}

		primary, err := newCommandImplementation(kind.String(), kc.CommandConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("kind %s: %w", name, err)
		}

		spec := actions.Spec{
			Kind:       kind,
			Targeted:   kind.DefaultTargeted(),
			Timeout:    kc.Timeout,
			Parameters: kc.Parameters,
			Primary:    primary,
		}
		if kc.Targeted != nil {
			spec.Targeted = *kc.Targeted
		}

		for i, fb := range kc.Fallbacks {
			impl, err := newCommandImplementation(fmt.Sprintf("%s-fallback-%d", kind, i+1), fb, logger)
			if err != nil {
				return nil, fmt.Errorf("kind %s fallback %d: %w", name, i+1, err)
			}
			spec.Fallbacks = append(spec.Fallbacks, impl)
		}

		if err := registry.Register(spec); err != nil {
			return nil, err
		}

		logger.Info().
			Str("kind", kind.String()).
			Str("command", kc.Command).
			Bool("targeted", spec.Targeted).
			Int("fallbacks", len(spec.Fallbacks)).
			Msg("Action kind registered")
	}

	return registry, nil
}

func newCommandImplementation(defaultName string, cc config.CommandConfig, logger zerolog.Logger) (actions.Implementation, error) {
	name := cc.Name
	if name == "" {
		name = defaultName
	}
	runner, err := actions.NewCommandRunner(actions.CommandConfig{
		Name:    name,
		Command: cc.Command,
		Args:    cc.Args,
		Dir:     cc.Dir,
		Env:     cc.EnvMap(),
	}, logger)
	if err != nil {
		return actions.Implementation{}, err
	}
	return actions.Implementation{Name: name, Runner: runner}, nil
}
