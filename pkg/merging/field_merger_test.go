package merging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/thistle/pkg/models"
)

func TestFieldMerger_MergeField(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	master := fieldValue{Value: "111", SourceID: 1, UpdatedAt: t0.Add(-2 * time.Hour), IsMaster: true}
	newer := fieldValue{Value: "222", SourceID: 2, UpdatedAt: t0}
	older := fieldValue{Value: "333", SourceID: 3, UpdatedAt: t0.Add(-5 * time.Hour)}

	tests := []struct {
		name       string
		values     []fieldValue
		strategy   models.MergeStrategy
		overrideID int64
		wantOK     bool
		wantValue  string
		wantSource int64
		wantRule   models.ResolutionRule
		conflict   bool
	}{
		{
			name:   "no values",
			wantOK: false,
		},
		{
			name:       "single value wins regardless of strategy",
			values:     []fieldValue{newer},
			strategy:   models.MergeStrategyMasterWinsOnConflict,
			wantOK:     true,
			wantValue:  "222",
			wantSource: 2,
			wantRule:   models.ResolutionOnlyValue,
		},
		{
			name:     "identical values are a no-op",
			values:   []fieldValue{master, {Value: "111", SourceID: 2, UpdatedAt: t0}},
			strategy: models.MergeStrategyNewestWins,
			wantOK:   false,
		},
		{
			name:       "newest wins",
			values:     []fieldValue{master, newer, older},
			strategy:   models.MergeStrategyNewestWins,
			wantOK:     true,
			wantValue:  "222",
			wantSource: 2,
			wantRule:   models.ResolutionNewestWins,
			conflict:   true,
		},
		{
			name:       "oldest wins",
			values:     []fieldValue{master, newer, older},
			strategy:   models.MergeStrategyOldestWins,
			wantOK:     true,
			wantValue:  "333",
			wantSource: 3,
			wantRule:   models.ResolutionOldestWins,
			conflict:   true,
		},
		{
			name:       "master wins keeps master value",
			values:     []fieldValue{master, newer},
			strategy:   models.MergeStrategyMasterWinsOnConflict,
			wantOK:     true,
			wantValue:  "111",
			wantSource: 1,
			wantRule:   models.ResolutionMasterWins,
			conflict:   true,
		},
		{
			name:       "master wins without master value takes newest duplicate",
			values:     []fieldValue{newer, older},
			strategy:   models.MergeStrategyMasterWinsOnConflict,
			wantOK:     true,
			wantValue:  "222",
			wantSource: 2,
			wantRule:   models.ResolutionMasterWins,
			conflict:   true,
		},
		{
			name:       "override beats strategy",
			values:     []fieldValue{master, newer, older},
			strategy:   models.MergeStrategyNewestWins,
			overrideID: 3,
			wantOK:     true,
			wantValue:  "333",
			wantSource: 3,
			wantRule:   models.ResolutionOverride,
			conflict:   true,
		},
		{
			name: "timestamp tie goes to master",
			values: []fieldValue{
				{Value: "a", SourceID: 1, UpdatedAt: t0, IsMaster: true},
				{Value: "b", SourceID: 2, UpdatedAt: t0},
			},
			strategy:   models.MergeStrategyNewestWins,
			wantOK:     true,
			wantValue:  "a",
			wantSource: 1,
			wantRule:   models.ResolutionNewestWins,
			conflict:   true,
		},
		{
			name: "timestamp tie between duplicates goes to lowest id",
			values: []fieldValue{
				{Value: "b", SourceID: 5, UpdatedAt: t0},
				{Value: "c", SourceID: 4, UpdatedAt: t0},
			},
			strategy:   models.MergeStrategyOldestWins,
			wantOK:     true,
			wantValue:  "c",
			wantSource: 4,
			wantRule:   models.ResolutionOldestWins,
			conflict:   true,
		},
	}

	merger := NewFieldMerger()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := merger.MergeField(models.FieldContactPhone, tt.values, tt.strategy, tt.overrideID)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantValue, res.Value)
			assert.Equal(t, tt.wantSource, res.SourceID)
			assert.Equal(t, tt.wantRule, res.Rule)
			assert.Equal(t, tt.conflict, res.Conflict)
			assert.Len(t, res.Values, len(tt.values))
		})
	}
}

func TestCollectValues_SkipsBlank(t *testing.T) {
	master := models.Subject{ID: 1, Attributes: models.Attributes{models.FieldContactEmail: "  "}}
	dups := []models.Subject{
		{ID: 2, Attributes: models.Attributes{models.FieldContactEmail: " b@x.com "}},
		{ID: 3},
	}

	values := collectValues(models.FieldContactEmail, master, dups)
	if assert.Len(t, values, 1) {
		assert.Equal(t, "b@x.com", values[0].Value)
		assert.Equal(t, int64(2), values[0].SourceID)
		assert.False(t, values[0].IsMaster)
	}
}
