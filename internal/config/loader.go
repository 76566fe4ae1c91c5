package config

import (
	"os"

	"github.com/Laisky/errors/v2"
	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk shape Load parses; it mirrors Snapshot but
// with slices instead of maps so YAML authors don't repeat keys.
type fileFormat struct {
	Providers                  []ProviderConfig  `yaml:"providers"`
	Aliases                    []ModelAlias      `yaml:"aliases"`
	APIKeys                    []APIKeyConfig    `yaml:"api_keys"`
	DirectRoutingSkipsCooldown *bool             `yaml:"direct_routing_skips_cooldown"`
}

// Load parses a YAML file into a validated Snapshot. The caller owns
// deciding when to call this again for hot-reload (§1: "YAML config
// loading and hot-reload" is an external collaborator) — Load itself is
// just the pure parse+validate step that collaborator needs.
func Load(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}
	return Parse(raw)
}

// Parse builds a Snapshot from YAML bytes, without touching the
// filesystem — useful for tests and for callers that already fetched the
// config from elsewhere (secrets manager, remote config service).
func Parse(raw []byte) (*Snapshot, error) {
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}

	snap := &Snapshot{
		Providers:                  make(map[string]ProviderConfig, len(f.Providers)),
		Aliases:                    make(map[string]ModelAlias, len(f.Aliases)),
		APIKeys:                    make(map[string]APIKeyConfig, len(f.APIKeys)),
		DirectRoutingSkipsCooldown: true,
	}
	if f.DirectRoutingSkipsCooldown != nil {
		snap.DirectRoutingSkipsCooldown = *f.DirectRoutingSkipsCooldown
	}
	for _, p := range f.Providers {
		snap.Providers[p.Name] = p
	}
	for _, a := range f.Aliases {
		snap.Aliases[a.Name] = a
	}
	for _, k := range f.APIKeys {
		snap.APIKeys[k.Name] = k
	}

	if err := Validate(snap); err != nil {
		return nil, errors.Wrap(err, "validate parsed snapshot")
	}
	return snap, nil
}
