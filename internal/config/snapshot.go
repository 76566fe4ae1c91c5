package config

import (
	"sync/atomic"

	"github.com/Laisky/errors/v2"
)

// Snapshot is an immutable view of providers, aliases, keys, and pricing.
// Consumers take a reference and carry it for the life of a request;
// nothing in Plexus holds a Snapshot across request boundaries.
type Snapshot struct {
	Providers map[string]ProviderConfig
	Aliases   map[string]ModelAlias
	APIKeys   map[string]APIKeyConfig

	// DirectRoutingSkipsCooldown controls whether direct-routed requests
	// bypass cooldown filtering. Some deployments want unconditional
	// bypass; others want direct routes to still respect cooldowns.
	DirectRoutingSkipsCooldown bool
}

// aliasIndex is built once per Snapshot to resolve additional_aliases in
// O(1) without rescanning every alias on each lookup.
type aliasIndex struct {
	canonical map[string]ModelAlias
}

func buildAliasIndex(aliases map[string]ModelAlias) *aliasIndex {
	idx := &aliasIndex{canonical: make(map[string]ModelAlias, len(aliases)*2)}
	for name, alias := range aliases {
		idx.canonical[name] = alias
		for _, extra := range alias.AdditionalAliases {
			if _, exists := idx.canonical[extra]; !exists {
				idx.canonical[extra] = alias
			}
		}
	}
	return idx
}

// Resolve looks up an alias by exact name or additional_aliases entry,
// returning the owning (canonical) alias.
func (s *Snapshot) Resolve(name string) (alias ModelAlias, canonicalName string, ok bool) {
	if direct, ok := s.Aliases[name]; ok {
		return direct, name, true
	}
	idx := buildAliasIndex(s.Aliases)
	owner, found := idx.canonical[name]
	if !found {
		return ModelAlias{}, "", false
	}
	return owner, owner.Name, true
}

// Store holds the currently-published Snapshot, swapped atomically on
// hot-reload. The reload mechanism itself (watching a file, signal
// handling) is an external collaborator.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates a Store publishing the given initial snapshot.
func NewStore(initial *Snapshot) (*Store, error) {
	if initial == nil {
		return nil, errors.New("initial snapshot must not be nil")
	}
	if err := Validate(initial); err != nil {
		return nil, errors.Wrap(err, "invalid initial snapshot")
	}
	st := &Store{}
	st.current.Store(initial)
	return st, nil
}

// Current returns the presently-published Snapshot. Callers must not
// retain it across request boundaries.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Swap atomically publishes a new, validated Snapshot.
func (s *Store) Swap(next *Snapshot) error {
	if next == nil {
		return errors.New("next snapshot must not be nil")
	}
	if err := Validate(next); err != nil {
		return errors.Wrap(err, "invalid snapshot")
	}
	s.current.Store(next)
	return nil
}
