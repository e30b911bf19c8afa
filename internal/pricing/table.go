package pricing

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

//go:embed pricing.toml
var defaultPricingTOML string

var ErrInvalidTable = errors.New("pricing: invalid table")

// TierRule maps a tier value (an output resolution) to a price multiplier.
type TierRule map[string]int64

// Multiplier returns the multiplier for tier, or 1 when the tier has no rule.
func (r TierRule) Multiplier(tier string) int64 {
	if m, ok := r[tier]; ok {
		return m
	}
	return 1
}

type Model struct {
	Slug  string   `toml:"slug" json:"slug"`
	Title string   `toml:"title" json:"title"`
	Base  int64    `toml:"base" json:"base"`
	Tiers TierRule `toml:"tiers" json:"tiers,omitempty"`
}

type Table struct {
	Default string           `toml:"default"`
	Models  map[string]Model `toml:"models"`
}

// Params are the request fields that influence price.
type Params struct {
	Model      string
	Resolution string
}

// Quote is the outcome of pricing a request.
type Quote struct {
	Model    string // model key actually priced
	Slug     string
	Cost     int64
	Fallback bool // requested model was unknown and Default was used
}

func LoadDefault() (*Table, error) {
	return Parse(defaultPricingTOML)
}

func Parse(data string) (*Table, error) {
	var t Table
	if _, err := toml.Decode(data, &t); err != nil {
		return nil, fmt.Errorf("decode pricing: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadFile reads a pricing table from a TOML file. The file may omit
// default when it is only meant to be merged into another table.
func LoadFile(path string) (*Table, error) {
	var t Table
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return nil, fmt.Errorf("decode pricing file %s: %w", path, err)
	}
	return &t, nil
}

func (t *Table) Validate() error {
	if len(t.Models) == 0 {
		return fmt.Errorf("%w: no models", ErrInvalidTable)
	}
	if _, ok := t.Models[t.Default]; !ok {
		return fmt.Errorf("%w: default model %q is not defined", ErrInvalidTable, t.Default)
	}
	for key, m := range t.Models {
		if m.Slug == "" {
			return fmt.Errorf("%w: model %q has no slug", ErrInvalidTable, key)
		}
		if m.Base < 0 {
			return fmt.Errorf("%w: model %q has negative base price", ErrInvalidTable, key)
		}
		for tier, mult := range m.Tiers {
			if mult < 1 {
				return fmt.Errorf("%w: model %q tier %q multiplier must be >= 1", ErrInvalidTable, key, tier)
			}
		}
	}
	return nil
}

// Merge adds entries from other into t. Existing keys are overwritten.
func (t *Table) Merge(other *Table) error {
	if other.Default != "" {
		t.Default = other.Default
	}
	if t.Models == nil {
		t.Models = make(map[string]Model, len(other.Models))
	}
	for k, v := range other.Models {
		t.Models[k] = v
	}
	return t.Validate()
}

func (t *Table) Lookup(model string) (Model, bool) {
	m, ok := t.Models[model]
	return m, ok
}

// Price is pure: identical params always give the identical quote.
func (t *Table) Price(p Params) Quote {
	key := p.Model
	m, ok := t.Models[key]
	fallback := false
	if !ok {
		key = t.Default
		m = t.Models[key]
		fallback = true
	}
	return Quote{
		Model:    key,
		Slug:     m.Slug,
		Cost:     m.Base * m.Tiers.Multiplier(p.Resolution),
		Fallback: fallback,
	}
}

// Keys returns the model keys in sorted order.
func (t *Table) Keys() []string {
	keys := make([]string, 0, len(t.Models))
	for k := range t.Models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
