// Package policy implements the import policy engine: the destination
// server's rules for sanitizing an incoming passport. Application is a
// pure function; every adjustment or rejection emits exactly one
// human-readable notification, never a silent drop.
package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleMode is the tri-state for allow lists. An explicit mode avoids
// overloading an empty collection with two meanings.
type RuleMode int

const (
	// ModeWildcard allows everything not banned ("*" in config, or the
	// list omitted entirely).
	ModeWildcard RuleMode = iota
	// ModeNone allows nothing (explicit empty list in config).
	ModeNone
	// ModeExplicit allows only the listed ids.
	ModeExplicit
)

// AllowRule is a tri-state allow list.
type AllowRule struct {
	Mode RuleMode
	Set  map[string]struct{}
}

func (r AllowRule) Allows(id string) bool {
	switch r.Mode {
	case ModeWildcard:
		return true
	case ModeNone:
		return false
	default:
		_, ok := r.Set[id]
		return ok
	}
}

// ruleFromList maps the YAML list form onto the tri-state: nil means
// wildcard, an empty list means allow-none, "*" anywhere means wildcard.
func ruleFromList(list []string) AllowRule {
	if list == nil {
		return AllowRule{Mode: ModeWildcard}
	}
	if len(list) == 0 {
		return AllowRule{Mode: ModeNone}
	}
	set := make(map[string]struct{}, len(list))
	for _, id := range list {
		id = strings.TrimSpace(id)
		if id == "*" {
			return AllowRule{Mode: ModeWildcard}
		}
		if id != "" {
			set[id] = struct{}{}
		}
	}
	if len(set) == 0 {
		return AllowRule{Mode: ModeNone}
	}
	return AllowRule{Mode: ModeExplicit, Set: set}
}

// List renders the rule back to its config form, sorted for stable output.
func (r AllowRule) List() []string {
	switch r.Mode {
	case ModeWildcard:
		return []string{"*"}
	case ModeNone:
		return []string{}
	default:
		out := make([]string, 0, len(r.Set))
		for id := range r.Set {
			out = append(out, id)
		}
		sort.Strings(out)
		return out
	}
}

// ImportPolicy is destination-server-owned configuration. Loaded once
// at startup from the server's own files; never transmitted to other
// servers and never derived from client input.
type ImportPolicy struct {
	// Limits. Zero means no limit.
	MaxHealth        int
	MaxLevel         int
	MaxInventorySize int
	MaxCurrency      int64

	// World defaults used when ResetStats is set.
	DefaultHealth int
	DefaultLevel  int

	// Tri-state allow rules; Banned always takes precedence.
	AllowedItems     AllowRule
	BannedItems      map[string]struct{}
	AllowedAbilities AllowRule

	// Zero means no conversion. Applied before clamping to MaxCurrency.
	CurrencyConversion float64

	PreserveIdentity bool
	ResetStats       bool
	ResetInventory   bool

	// Appearance assigned when PreserveIdentity is off. Empty keeps the
	// passport appearance.
	DefaultAppearance string
}

type policyFile struct {
	MaxHealth        int      `yaml:"max_health"`
	MaxLevel         int      `yaml:"max_level"`
	MaxInventorySize int      `yaml:"max_inventory_size"`
	MaxCurrency      int64    `yaml:"max_currency"`
	DefaultHealth    int      `yaml:"default_health"`
	DefaultLevel     int      `yaml:"default_level"`
	AllowedItems     []string `yaml:"allowed_items"`
	BannedItems      []string `yaml:"banned_items"`
	AllowedAbilities []string `yaml:"allowed_abilities"`

	CurrencyConversion float64 `yaml:"currency_conversion"`

	PreserveIdentity  *bool  `yaml:"preserve_identity"`
	ResetStats        bool   `yaml:"reset_stats"`
	ResetInventory    bool   `yaml:"reset_inventory"`
	DefaultAppearance string `yaml:"default_appearance"`
}

// Defaults returns the admit-everything policy: no limits, wildcard
// allows, identity preserved.
func Defaults() ImportPolicy {
	return ImportPolicy{
		DefaultHealth:    100,
		DefaultLevel:     1,
		AllowedItems:     AllowRule{Mode: ModeWildcard},
		BannedItems:      map[string]struct{}{},
		AllowedAbilities: AllowRule{Mode: ModeWildcard},
		PreserveIdentity: true,
	}
}

// Load reads a policy.yaml. A missing path returns Defaults.
func Load(path string) (ImportPolicy, error) {
	if strings.TrimSpace(path) == "" {
		return Defaults(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Defaults(), err
	}
	var f policyFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return Defaults(), fmt.Errorf("policy.yaml: %w", err)
	}
	p := Defaults()
	p.MaxHealth = f.MaxHealth
	p.MaxLevel = f.MaxLevel
	p.MaxInventorySize = f.MaxInventorySize
	p.MaxCurrency = f.MaxCurrency
	if f.DefaultHealth > 0 {
		p.DefaultHealth = f.DefaultHealth
	}
	if f.DefaultLevel > 0 {
		p.DefaultLevel = f.DefaultLevel
	}
	p.AllowedItems = ruleFromList(f.AllowedItems)
	p.AllowedAbilities = ruleFromList(f.AllowedAbilities)
	p.BannedItems = map[string]struct{}{}
	for _, id := range f.BannedItems {
		id = strings.TrimSpace(id)
		if id != "" {
			p.BannedItems[id] = struct{}{}
		}
	}
	p.CurrencyConversion = f.CurrencyConversion
	if f.PreserveIdentity != nil {
		p.PreserveIdentity = *f.PreserveIdentity
	}
	p.ResetStats = f.ResetStats
	p.ResetInventory = f.ResetInventory
	p.DefaultAppearance = f.DefaultAppearance
	if err := p.Validate(); err != nil {
		return Defaults(), fmt.Errorf("policy.yaml: %w", err)
	}
	return p, nil
}

func (p ImportPolicy) Validate() error {
	if p.MaxHealth < 0 || p.MaxLevel < 0 || p.MaxInventorySize < 0 || p.MaxCurrency < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if p.CurrencyConversion < 0 {
		return fmt.Errorf("currency_conversion must not be negative")
	}
	if p.DefaultHealth <= 0 || p.DefaultLevel <= 0 {
		return fmt.Errorf("defaults must be positive")
	}
	return nil
}
