// Package matchconfig loads, validates and serves the active MatchConfig
package matchconfig

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Provider owns the MatchConfig lifecycle. Readers get an immutable snapshot; a failed
// refresh keeps serving the last good config.
type Provider struct {
	source  Source
	fields  *models.FieldRegistry
	logger  ectologger.Logger
	current atomic.Pointer[models.MatchConfig]
}

func NewProvider(source Source, fields *models.FieldRegistry, logger ectologger.Logger) *Provider {
	if fields == nil {
		fields = models.DefaultFieldRegistry()
	}
	return &Provider{
		source: source,
		fields: fields,
		logger: logger,
	}
}

// Load reads and validates the config, replacing the current one on success
func (p *Provider) Load(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "matchconfig.Provider.Load")
	defer span.End()

	log := p.logger.WithContext(ctx).WithField("source", p.source.Name())

	cfg, err := p.source.Load(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to load match config")
		cerr := errors.NewConfigurationError("match config could not be loaded")
		cerr.Err = err
		return cerr
	}

	if err := Validate(cfg, p.fields); err != nil {
		log.WithError(err).Error("Match config is invalid")
		return err
	}

	p.current.Store(cfg)
	log.WithFields(map[string]any{
		"exact_fields":   len(cfg.ExactFields),
		"exact_combos":   len(cfg.ExactCombos),
		"fuzzy_fields":   len(cfg.FuzzyFields),
		"merge_strategy": cfg.MergeStrategy,
	}).Info("Match config loaded")
	return nil
}

// Refresh reloads the config. On failure the previous good config stays active.
func (p *Provider) Refresh(ctx context.Context) error {
	if err := p.Load(ctx); err != nil {
		if p.current.Load() != nil {
			p.logger.WithContext(ctx).WithError(err).Warn("Match config refresh failed, keeping previous config")
		}
		return err
	}
	return nil
}

// Current returns the active config. Callers must not modify it.
func (p *Provider) Current() (*models.MatchConfig, error) {
	cfg := p.current.Load()
	if cfg == nil {
		return nil, errors.NewConfigurationError("no valid match config has been loaded")
	}
	return cfg, nil
}

// Validate checks struct constraints and that every referenced field is known
func Validate(cfg *models.MatchConfig, fields *models.FieldRegistry) error {
	if cfg == nil {
		return errors.NewConfigurationError("match config is missing")
	}
	if fields == nil {
		fields = models.DefaultFieldRegistry()
	}

	if err := validate.Struct(cfg); err != nil {
		cerr := errors.NewConfigurationErrorf("match config failed validation: %v", err)
		cerr.Err = err
		return cerr
	}

	known := func(section, field string) error {
		if !fields.Has(field) {
			return errors.NewConfigurationErrorf("unknown field %q in %s", field, section).WithField(section)
		}
		return nil
	}

	for _, f := range cfg.ExactFields {
		if err := known("exact_fields", f); err != nil {
			return err
		}
	}
	for i, combo := range cfg.ExactCombos {
		if len(combo) == 0 {
			return errors.NewConfigurationErrorf("exact_combos[%d] is empty", i).WithField("exact_combos")
		}
		for _, f := range combo {
			if err := known("exact_combos", f); err != nil {
				return err
			}
		}
	}
	for _, f := range cfg.FuzzyFieldNames() {
		if err := known("fuzzy_fields", f); err != nil {
			return err
		}
	}
	for _, f := range cfg.Fuzzy.PrefilterFields {
		if err := known("fuzzy.prefilter_fields", f); err != nil {
			return err
		}
	}
	for _, f := range cfg.Realtime.TriggerFields {
		if err := known("realtime.trigger_fields", f); err != nil {
			return err
		}
	}
	for f, strategy := range cfg.FieldStrategies {
		if err := known("field_strategies", f); err != nil {
			return err
		}
		if !strategy.Valid() {
			return errors.NewConfigurationError(fmt.Sprintf("unknown merge strategy %q for field %s", strategy, f)).WithField("field_strategies")
		}
	}
	return nil
}
