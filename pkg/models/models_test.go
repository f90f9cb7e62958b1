package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectStatus(t *testing.T) {
	tests := []struct {
		status    SubjectStatus
		matchable bool
		flaggable bool
	}{
		{SubjectStatusPendingVerification, true, true},
		{SubjectStatusActive, true, true},
		{SubjectStatusInactive, true, false},
		{SubjectStatusPotentialDuplicate, true, false},
		{SubjectStatusDeceased, false, false},
		{SubjectStatusMergedDuplicate, false, false},
		{SubjectStatusArchived, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.True(t, tt.status.Valid())
			assert.Equal(t, tt.matchable, tt.status.Matchable())
			assert.Equal(t, tt.flaggable, tt.status.Flaggable())
		})
	}

	assert.False(t, SubjectStatus("retired").Valid())
}

func TestSubject(t *testing.T) {
	s := &Subject{
		ID:                     1,
		Status:                 SubjectStatusMergedDuplicate,
		MasterRefID:            Ptr(int64(7)),
		PotentialDuplicateRefs: []int64{3},
		Attributes:             Attributes{FieldKYCStatus: " Verified ", FieldFullName: "  "},
	}

	t.Run("clone is deep", func(t *testing.T) {
		c := s.Clone()
		c.Attributes[FieldFullName] = "changed"
		c.PotentialDuplicateRefs[0] = 99
		*c.MasterRefID = 8
		assert.Equal(t, "  ", s.Attributes[FieldFullName])
		assert.Equal(t, []int64{3}, s.PotentialDuplicateRefs)
		assert.Equal(t, int64(7), *s.MasterRefID)
	})

	t.Run("helpers", func(t *testing.T) {
		assert.True(t, s.HasDuplicateRef(3))
		assert.False(t, s.HasDuplicateRef(4))
		assert.True(t, s.IsMergedInto(7))
		assert.False(t, s.IsMergedInto(8))
		assert.False(t, s.Attributes.HasValue(FieldFullName))
		assert.Equal(t, SubjectStatusActive, s.StatusAfterDismissal())
		assert.Equal(t, SubjectStatusPendingVerification, (&Subject{}).StatusAfterDismissal())
	})

	assert.True(t, SubjectPatch{}.IsEmpty())
	assert.False(t, SubjectPatch{Active: Ptr(false)}.IsEmpty())
}

func TestMergePlan(t *testing.T) {
	plan := &MergePlan{
		MasterID:     5,
		DuplicateIDs: []int64{9, 2},
		FieldResolutions: map[string]FieldResolution{
			FieldSex:          {Field: FieldSex, Conflict: true},
			FieldContactPhone: {Field: FieldContactPhone, Conflict: true},
			FieldFullName:     {Field: FieldFullName},
		},
	}

	assert.Equal(t, []int64{2, 5, 9}, plan.SubjectIDs())
	assert.Equal(t, []int64{9, 2}, plan.DuplicateIDs, "SubjectIDs must not reorder the plan")

	conflicts := plan.Conflicts()
	assert.Len(t, conflicts, 2)
	assert.Equal(t, FieldContactPhone, conflicts[0].Field)
	assert.Equal(t, FieldSex, conflicts[1].Field)
}

func TestMatchConfig(t *testing.T) {
	cfg := DefaultMatchConfig()
	cfg.FieldStrategies = map[string]MergeStrategy{
		FieldContactPhone: MergeStrategyOldestWins,
		FieldSex:          MergeStrategy("loudest_wins"),
	}

	assert.Equal(t, MergeStrategyOldestWins, cfg.StrategyFor(FieldContactPhone))
	assert.Equal(t, MergeStrategyNewestWins, cfg.StrategyFor(FieldSex))
	assert.Equal(t, MergeStrategyNewestWins, cfg.StrategyFor(FieldFullName))

	clone := cfg.Clone()
	clone.ExactCombos[0][0] = "changed"
	clone.FieldStrategies[FieldContactPhone] = MergeStrategyNewestWins
	assert.Equal(t, FieldFullName, cfg.ExactCombos[0][0])
	assert.Equal(t, MergeStrategyOldestWins, cfg.FieldStrategies[FieldContactPhone])
}

func TestFieldRegistry(t *testing.T) {
	r := NewFieldRegistry(
		FieldDefinition{Name: "a", Type: FieldTypeName, Resolvable: true},
		FieldDefinition{Name: "b", Type: FieldTypeDate},
		FieldDefinition{Name: "a", Type: FieldTypeText, Resolvable: true},
	)

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.Equal(t, []string{"a"}, r.ResolvableNames())
	assert.Equal(t, FieldTypeText, r.TypeOf("a"))
	assert.Equal(t, FieldTypeText, r.TypeOf("unknown"))
	assert.True(t, r.Has("b"))
	assert.Len(t, DefaultFieldRegistry().ResolvableNames(), 15)

	t.Run("merge fields add unregistered keys", func(t *testing.T) {
		got := r.MergeFields(
			Attributes{"a": "1", "b": "2", "village": "Kisumu"},
			Attributes{"cooperative": "Upendo", "village": ""},
			nil,
		)
		assert.Equal(t, []string{"a", "cooperative", "village"}, got)
		assert.Equal(t, []string{"a"}, r.MergeFields())
	})
}

func TestCandidateResult(t *testing.T) {
	r := &CandidateResult{Candidates: []CandidateMatch{{SubjectID: 4, Score: 100}, {SubjectID: 2, Score: 80}}}
	assert.Equal(t, []int64{4, 2}, r.IDs())
	assert.Len(t, r.AtLeast(85), 1)
}
