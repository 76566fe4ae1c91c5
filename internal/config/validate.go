package config

import (
	"fmt"

	"github.com/Laisky/errors/v2"
)

// Validate rejects the malformed snapshots enumerated in :
// duplicate aliases, unknown provider in a target, negative per_request
// pricing, pricing missing required fields, and overlapping "defined"
// pricing ranges.
func Validate(s *Snapshot) error {
	if s == nil {
		return errors.New("snapshot is nil")
	}

	seenAlias := make(map[string]bool, len(s.Aliases))
	for key, alias := range s.Aliases {
		if key != alias.Name {
			return errors.Errorf("alias map key %q does not match alias.Name %q", key, alias.Name)
		}
		if seenAlias[alias.Name] {
			return errors.Errorf("duplicate alias: %s", alias.Name)
		}
		seenAlias[alias.Name] = true

		for _, extra := range alias.AdditionalAliases {
			if seenAlias[extra] {
				return errors.Errorf("duplicate alias (via additional_aliases): %s", extra)
			}
			seenAlias[extra] = true
		}

		for _, t := range alias.Targets {
			provider, ok := s.Providers[t.Provider]
			if !ok {
				return errors.Errorf("alias %s: unknown provider %q", alias.Name, t.Provider)
			}
			if err := validatePricingForModel(provider, t.Model); err != nil {
				return errors.Wrapf(err, "alias %s target %s/%s", alias.Name, t.Provider, t.Model)
			}
		}
	}

	for name, provider := range s.Providers {
		if name != provider.Name {
			return errors.Errorf("provider map key %q does not match provider.Name %q", name, provider.Name)
		}
		for modelName, mc := range provider.Models {
			if err := validatePricing(mc.Pricing); err != nil {
				return errors.Wrapf(err, "provider %s model %s", name, modelName)
			}
		}
	}

	return nil
}

func validatePricingForModel(provider ProviderConfig, model string) error {
	mc, ok := provider.Models[model]
	if !ok {
		// A target may reference a model not enumerated under the
		// provider's pricing dictionary; that is a routing-time concern
		//, not a snapshot-validation failure by
		// itself, so we only validate pricing when present.
		return nil
	}
	return validatePricing(mc.Pricing)
}

func validatePricing(p Pricing) error {
	switch p.Kind {
	case PricingSimple:
		// all-zero is permitted (treated as "unknown" downstream); no
		// required-field check beyond the kind itself.
		return nil
	case PricingDefined:
		if len(p.Range) == 0 {
			return errors.New("defined pricing requires at least one range")
		}
		for i := 0; i < len(p.Range); i++ {
			a := p.Range[i]
			if a.Upper < a.Lower {
				return errors.Errorf("range %d: upper %d < lower %d", i, a.Upper, a.Lower)
			}
			for j := i + 1; j < len(p.Range); j++ {
				b := p.Range[j]
				if rangesOverlap(a, b) {
					return errors.Errorf("defined pricing ranges overlap: [%d,%d] and [%d,%d]",
						a.Lower, a.Upper, b.Lower, b.Upper)
				}
			}
		}
		return nil
	case PricingOpenRouter:
		if p.Slug == "" {
			return errors.New("openrouter pricing requires a slug")
		}
		if p.Discount != nil && (*p.Discount < 0 || *p.Discount > 1) {
			return errors.Errorf("openrouter discount %v out of [0,1]", *p.Discount)
		}
		return nil
	case PricingPerRequest:
		if p.Amount < 0 {
			return errors.Errorf("per_request pricing amount %v must not be negative", p.Amount)
		}
		return nil
	case "":
		// Pricing omitted entirely is treated as "unknown", 
		// ("When pricing is unknown, all cost fields remain zero").
		return nil
	default:
		return fmt.Errorf("unknown pricing kind: %s", p.Kind)
	}
}

func rangesOverlap(a, b PricingRange) bool {
	return a.Lower <= b.Upper && b.Lower <= a.Upper
}
