package policy

import (
	"fmt"

	"interconnect.world/internal/passport"
)

// ValidatedPlayer is a sanitized passport: the state the destination
// actually admits, plus nothing it didn't agree to.
type ValidatedPlayer struct {
	Name       string
	Appearance string
	Origin     string
	Health     int
	Level      int
	Inventory  []passport.Item
	Abilities  []string
	Currency   int64
}

// ToPassport re-wraps the validated state for a later transfer out.
func (v ValidatedPlayer) ToPassport(origin string) passport.Passport {
	return passport.Passport{
		Name:       v.Name,
		Appearance: v.Appearance,
		Health:     v.Health,
		Level:      v.Level,
		Inventory:  v.Inventory,
		Abilities:  v.Abilities,
		Currency:   v.Currency,
		Origin:     origin,
	}
}

// Apply sanitizes a passport under a policy. Pure and deterministic:
// identical inputs always yield the same player and the same ordered
// notification log, and every discrepancy between input and output
// corresponds to exactly one notification.
func Apply(p passport.Passport, pol ImportPolicy) (ValidatedPlayer, []string) {
	var notes []string
	out := ValidatedPlayer{Name: p.Name, Appearance: p.Appearance, Origin: p.Origin}

	// Identity. PreserveIdentity wins over everything else.
	if !pol.PreserveIdentity && pol.DefaultAppearance != "" && p.Appearance != pol.DefaultAppearance {
		out.Appearance = pol.DefaultAppearance
		notes = append(notes, fmt.Sprintf("appearance set to %s", pol.DefaultAppearance))
	}

	// Stats. ResetStats ignores passport values in favor of world
	// defaults; otherwise clamp against the limits.
	if pol.ResetStats {
		out.Health = pol.DefaultHealth
		out.Level = pol.DefaultLevel
		if p.Health != out.Health {
			notes = append(notes, fmt.Sprintf("health adjusted from %d to %d", p.Health, out.Health))
		}
		if p.Level != out.Level {
			notes = append(notes, fmt.Sprintf("level adjusted from %d to %d", p.Level, out.Level))
		}
	} else {
		out.Health = clampInt(p.Health, pol.MaxHealth)
		if out.Health != p.Health {
			notes = append(notes, fmt.Sprintf("health adjusted from %d to %d", p.Health, out.Health))
		}
		out.Level = clampInt(p.Level, pol.MaxLevel)
		if out.Level != p.Level {
			notes = append(notes, fmt.Sprintf("level adjusted from %d to %d", p.Level, out.Level))
		}
	}

	// Inventory: filter in passport order, then truncate. Items past the
	// size cap are left behind, one notification each.
	if pol.ResetInventory {
		for _, it := range p.Inventory {
			notes = append(notes, fmt.Sprintf("%s left behind: inventory reset", it.DisplayName()))
		}
	} else {
		for _, it := range p.Inventory {
			if _, banned := pol.BannedItems[it.ID]; banned {
				// Banned always wins, even when the item is also allowed.
				notes = append(notes, fmt.Sprintf("%s confiscated", it.DisplayName()))
				continue
			}
			if !pol.AllowedItems.Allows(it.ID) {
				notes = append(notes, fmt.Sprintf("%s not recognized here", it.DisplayName()))
				continue
			}
			if pol.MaxInventorySize > 0 && len(out.Inventory) >= pol.MaxInventorySize {
				notes = append(notes, fmt.Sprintf("%s left behind: inventory limit is %d", it.DisplayName(), pol.MaxInventorySize))
				continue
			}
			out.Inventory = append(out.Inventory, it)
		}
	}

	// Abilities: binary allow/deny, no partial degradation.
	for _, ab := range p.Abilities {
		if pol.AllowedAbilities.Allows(ab) {
			out.Abilities = append(out.Abilities, ab)
			continue
		}
		notes = append(notes, fmt.Sprintf("%s ability suppressed", ab))
	}

	// Currency: convert first, then clamp.
	out.Currency = p.Currency
	if pol.CurrencyConversion > 0 && pol.CurrencyConversion != 1 {
		converted := int64(float64(out.Currency) * pol.CurrencyConversion)
		if converted != out.Currency {
			notes = append(notes, fmt.Sprintf("currency converted from %d to %d", out.Currency, converted))
			out.Currency = converted
		}
	}
	if pol.MaxCurrency > 0 && out.Currency > pol.MaxCurrency {
		notes = append(notes, fmt.Sprintf("currency adjusted from %d to %d", out.Currency, pol.MaxCurrency))
		out.Currency = pol.MaxCurrency
	}

	return out, notes
}

func clampInt(v, max int) int {
	if max > 0 && v > max {
		return max
	}
	return v
}
