package models

import (
	"maps"
	"slices"
	"sort"
)

// MergeStrategy resolves a genuine value conflict during merge
type MergeStrategy string

const (
	MergeStrategyNewestWins           MergeStrategy = "newest_wins"
	MergeStrategyOldestWins           MergeStrategy = "oldest_wins"
	MergeStrategyMasterWinsOnConflict MergeStrategy = "master_wins_on_conflict"
)

func (m MergeStrategy) Valid() bool {
	switch m {
	case MergeStrategyNewestWins, MergeStrategyOldestWins, MergeStrategyMasterWinsOnConflict:
		return true
	}
	return false
}

// SimilarityAlgorithm selects the string similarity used for a fuzzy field. Empty means
// the field type decides.
type SimilarityAlgorithm string

const (
	SimilarityAuto        SimilarityAlgorithm = ""
	SimilarityTokenSet    SimilarityAlgorithm = "token_set"
	SimilarityRatio       SimilarityAlgorithm = "ratio"
	SimilarityJaroWinkler SimilarityAlgorithm = "jaro_winkler"
	SimilarityExact       SimilarityAlgorithm = "exact"
)

// FuzzyRule configures fuzzy comparison for one field
type FuzzyRule struct {
	Threshold int                 `yaml:"threshold" json:"threshold" validate:"gte=0,lte=100"`
	Weight    float64             `yaml:"weight,omitempty" json:"weight,omitempty" validate:"gte=0"`
	Algorithm SimilarityAlgorithm `yaml:"algorithm,omitempty" json:"algorithm,omitempty" validate:"omitempty,oneof=token_set ratio jaro_winkler exact"`
}

// EffectiveWeight returns the configured weight, 1 when unset
func (r FuzzyRule) EffectiveWeight() float64 {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}

// FuzzyPolicy bounds the fuzzy pass
type FuzzyPolicy struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// PoolLimit caps how many subjects are compared per lookup
	PoolLimit int `yaml:"pool_limit" json:"pool_limit" validate:"gte=1,lte=10000"`
	// PrefilterFields restrict the pool to subjects sharing these values with the snapshot
	PrefilterFields []string `yaml:"prefilter_fields" json:"prefilter_fields"`
}

// RealtimePolicy controls the write-path duplicate check
type RealtimePolicy struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	TriggerFields []string `yaml:"trigger_fields" json:"trigger_fields"`
	FlagThreshold int      `yaml:"flag_threshold" json:"flag_threshold" validate:"gte=0,lte=100"`
}

// MatchConfig is the rule set for candidate finding and merge resolution. Treat a
// loaded value as read-only.
type MatchConfig struct {
	ExactFields     []string                 `yaml:"exact_fields" json:"exact_fields"`
	ExactCombos     [][]string               `yaml:"exact_combos" json:"exact_combos"`
	FuzzyFields     map[string]FuzzyRule     `yaml:"fuzzy_fields" json:"fuzzy_fields" validate:"dive"`
	Fuzzy           FuzzyPolicy              `yaml:"fuzzy" json:"fuzzy"`
	MergeStrategy   MergeStrategy            `yaml:"merge_strategy" json:"merge_strategy" validate:"required,oneof=newest_wins oldest_wins master_wins_on_conflict"`
	FieldStrategies map[string]MergeStrategy `yaml:"field_strategies" json:"field_strategies"`
	Realtime        RealtimePolicy           `yaml:"realtime" json:"realtime"`
}

// DefaultMatchConfig mirrors the registry's stock rules
func DefaultMatchConfig() *MatchConfig {
	return &MatchConfig{
		ExactFields: []string{FieldNationalIDNumber},
		ExactCombos: [][]string{{FieldFullName, FieldDateOfBirth, FieldAdministrativeAreaID}},
		FuzzyFields: map[string]FuzzyRule{
			FieldFullName: {Threshold: 85},
		},
		Fuzzy: FuzzyPolicy{
			Enabled:         true,
			PoolLimit:       100,
			PrefilterFields: []string{FieldAdministrativeAreaID},
		},
		MergeStrategy: MergeStrategyNewestWins,
		Realtime: RealtimePolicy{
			Enabled:       true,
			TriggerFields: []string{FieldFullName, FieldNationalIDNumber, FieldDateOfBirth},
			FlagThreshold: 85,
		},
	}
}

// FuzzyFieldNames returns the fuzzy fields in a stable order
func (c *MatchConfig) FuzzyFieldNames() []string {
	names := make([]string, 0, len(c.FuzzyFields))
	for name := range c.FuzzyFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StrategyFor returns the per-field strategy when configured, else the global one
func (c *MatchConfig) StrategyFor(field string) MergeStrategy {
	if s, ok := c.FieldStrategies[field]; ok && s.Valid() {
		return s
	}
	return c.MergeStrategy
}

// Clone returns a deep copy
func (c *MatchConfig) Clone() *MatchConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.ExactFields = slices.Clone(c.ExactFields)
	out.ExactCombos = make([][]string, len(c.ExactCombos))
	for i, combo := range c.ExactCombos {
		out.ExactCombos[i] = slices.Clone(combo)
	}
	out.FuzzyFields = maps.Clone(c.FuzzyFields)
	out.FieldStrategies = maps.Clone(c.FieldStrategies)
	out.Fuzzy.PrefilterFields = slices.Clone(c.Fuzzy.PrefilterFields)
	out.Realtime.TriggerFields = slices.Clone(c.Realtime.TriggerFields)
	return &out
}
