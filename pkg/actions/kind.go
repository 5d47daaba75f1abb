package actions

import (
	"fmt"
	"strings"
)

// Kind identifies the family of work an action performs.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindDiscovery finds new entities. It has no target entity.
	KindDiscovery
	// KindOptimize tunes an existing entity.
	KindOptimize
	// KindTest gathers another sample for an existing entity.
	KindTest
)

var kindNames = [...]string{
	KindUnknown:   "unknown",
	KindDiscovery: "discovery",
	KindOptimize:  "optimize",
	KindTest:      "test",
}

// AllKinds returns every plannable kind in declaration order.
func AllKinds() []Kind {
	return []Kind{KindDiscovery, KindOptimize, KindTest}
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the plannable kinds.
func (k Kind) Valid() bool {
	return k > KindUnknown && int(k) < len(kindNames)
}

// DefaultTargeted reports whether actions of this kind address an existing
// entity unless configuration says otherwise.
func (k Kind) DefaultTargeted() bool {
	return k == KindOptimize || k == KindTest
}

// ParseKind converts a kind name into a Kind. Matching is case-insensitive and
// accepts a few aliases used by older configurations.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "discovery", "discover", "search":
		return KindDiscovery, nil
	case "optimize", "optimization", "improvement":
		return KindOptimize, nil
	case "test", "testing", "backtest":
		return KindTest, nil
	}
	return KindUnknown, fmt.Errorf("unknown action kind: %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid action kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
