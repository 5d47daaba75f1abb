// Package actions defines the units of work the improvement loop plans and
// executes: action kinds, actions, collaborator payloads and results, and the
// static registry mapping each kind to a primary implementation plus an
// ordered fallback chain.
//
// Invariants:
// - Kinds form a closed set; unknown kind names are rejected at parse time.
// - A registered kind always has a primary implementation.
// - Fallbacks are tried in declared order, never on timeout.
//
// Usage:
//
//	reg := actions.NewRegistry()
//	_ = reg.Register(actions.Spec{
//		Kind:    actions.KindDiscovery,
//		Primary: actions.Implementation{Name: "search", Runner: searchRunner},
//	})
package actions
