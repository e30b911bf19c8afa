// Package settings holds per-model generation settings. Each model has its
// own variant carrying only the fields that model accepts, validated when
// the variant is built.
package settings

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/vnmchuo/nanogen/internal/pricing"
)

const (
	ModelNano    = "nano"
	ModelNanoPro = "nano_pro"
)

const (
	FieldAspectRatio  = "aspect_ratio"
	FieldResolution   = "resolution"
	FieldOutputFormat = "output_format"
	FieldSafetyFilter = "safety_filter_level"
)

var (
	ErrUnsupportedField = errors.New("settings: field not supported by model")
	ErrInvalidValue     = errors.New("settings: invalid value")
)

var (
	AspectRatios  = []string{"1:1", "4:3", "16:9", "9:16"}
	Resolutions   = []string{"1K", "2K", "4K"}
	OutputFormats = []string{"png", "jpg"}
	SafetyFilters = []string{"block_only_high", "block_medium_and_above", "block_low_and_above"}
)

const (
	DefaultAspectRatio  = "4:3"
	DefaultResolution   = "2K"
	DefaultOutputFormat = "png"
	DefaultSafetyFilter = "block_only_high"
)

// Settings is implemented by NanoSettings and NanoProSettings only.
type Settings interface {
	// Model is the model key used for pricing.
	Model() string
	Params() pricing.Params
	// Input returns the provider input payload, without the prompt.
	Input() map[string]any
	// Fields returns the settings as flat key/value pairs.
	Fields() map[string]string
	sealed()
}

type NanoSettings struct {
	AspectRatio  string
	OutputFormat string
}

func (s NanoSettings) Model() string { return ModelNano }

func (s NanoSettings) Params() pricing.Params {
	return pricing.Params{Model: ModelNano}
}

func (s NanoSettings) Input() map[string]any {
	return map[string]any{
		FieldAspectRatio:  s.AspectRatio,
		FieldOutputFormat: s.OutputFormat,
	}
}

func (s NanoSettings) Fields() map[string]string {
	return map[string]string{
		FieldAspectRatio:  s.AspectRatio,
		FieldOutputFormat: s.OutputFormat,
	}
}

func (NanoSettings) sealed() {}

type NanoProSettings struct {
	AspectRatio  string
	Resolution   string
	OutputFormat string
	SafetyFilter string

	// requested keeps an unrecognised model key so pricing can flag the fallback.
	requested string
}

func (s NanoProSettings) Model() string {
	if s.requested != "" {
		return s.requested
	}
	return ModelNanoPro
}

func (s NanoProSettings) Params() pricing.Params {
	return pricing.Params{Model: s.Model(), Resolution: s.Resolution}
}

func (s NanoProSettings) Input() map[string]any {
	return map[string]any{
		FieldAspectRatio:  s.AspectRatio,
		FieldResolution:   s.Resolution,
		FieldOutputFormat: s.OutputFormat,
		FieldSafetyFilter: s.SafetyFilter,
	}
}

func (s NanoProSettings) Fields() map[string]string {
	return map[string]string{
		FieldAspectRatio:  s.AspectRatio,
		FieldResolution:   s.Resolution,
		FieldOutputFormat: s.OutputFormat,
		FieldSafetyFilter: s.SafetyFilter,
	}
}

func (NanoProSettings) sealed() {}

// Default returns the settings a new user starts with.
func Default() Settings {
	return NanoProSettings{
		AspectRatio:  DefaultAspectRatio,
		Resolution:   DefaultResolution,
		OutputFormat: DefaultOutputFormat,
		SafetyFilter: DefaultSafetyFilter,
	}
}

// New builds the variant for model from fields. Missing fields take their
// defaults; fields the model does not accept are rejected. An unknown model
// key gets the PRO variant so older clients keep working, while the key is
// kept for pricing.
func New(model string, fields map[string]string) (Settings, error) {
	switch model {
	case ModelNano:
		return newNano(fields)
	case ModelNanoPro, "":
		return newNanoPro(fields, "")
	default:
		return newNanoPro(fields, model)
	}
}

func newNano(fields map[string]string) (Settings, error) {
	if err := onlyFields(ModelNano, fields, FieldAspectRatio, FieldOutputFormat); err != nil {
		return nil, err
	}
	s := NanoSettings{
		AspectRatio:  DefaultAspectRatio,
		OutputFormat: DefaultOutputFormat,
	}
	var err error
	if s.AspectRatio, err = pick(fields, FieldAspectRatio, s.AspectRatio, AspectRatios); err != nil {
		return nil, err
	}
	if s.OutputFormat, err = pick(fields, FieldOutputFormat, s.OutputFormat, OutputFormats); err != nil {
		return nil, err
	}
	return s, nil
}

func newNanoPro(fields map[string]string, requested string) (Settings, error) {
	if err := onlyFields(ModelNanoPro, fields, FieldAspectRatio, FieldResolution, FieldOutputFormat, FieldSafetyFilter); err != nil {
		return nil, err
	}
	s := NanoProSettings{
		AspectRatio:  DefaultAspectRatio,
		Resolution:   DefaultResolution,
		OutputFormat: DefaultOutputFormat,
		SafetyFilter: DefaultSafetyFilter,
		requested:    requested,
	}
	var err error
	if s.AspectRatio, err = pick(fields, FieldAspectRatio, s.AspectRatio, AspectRatios); err != nil {
		return nil, err
	}
	if s.Resolution, err = pick(fields, FieldResolution, s.Resolution, Resolutions); err != nil {
		return nil, err
	}
	if s.OutputFormat, err = pick(fields, FieldOutputFormat, s.OutputFormat, OutputFormats); err != nil {
		return nil, err
	}
	if s.SafetyFilter, err = pick(fields, FieldSafetyFilter, s.SafetyFilter, SafetyFilters); err != nil {
		return nil, err
	}
	return s, nil
}

func onlyFields(model string, fields map[string]string, allowed ...string) error {
	var extra []string
	for k := range fields {
		if !slices.Contains(allowed, k) {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("%w: %s does not accept %v", ErrUnsupportedField, model, extra)
	}
	return nil
}

func pick(fields map[string]string, key, def string, allowed []string) (string, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return def, nil
	}
	if !slices.Contains(allowed, v) {
		return "", fmt.Errorf("%w: %s=%q (allowed %v)", ErrInvalidValue, key, v, allowed)
	}
	return v, nil
}
