package merging

import (
	"time"

	"github.com/Ramsey-B/thistle/pkg/models"
)

// FieldMerger resolves one field across the records taking part in a merge
type FieldMerger struct{}

// NewFieldMerger creates a new FieldMerger
func NewFieldMerger() *FieldMerger {
	return &FieldMerger{}
}

// fieldValue is one record's non-empty value for a field
type fieldValue struct {
	Value     string
	SourceID  int64
	UpdatedAt time.Time
	IsMaster  bool
}

// collectValues returns the non-empty values of field, master first
func collectValues(field string, master models.Subject, duplicates []models.Subject) []fieldValue {
	values := make([]fieldValue, 0, len(duplicates)+1)
	if master.Attributes.HasValue(field) {
		values = append(values, fieldValue{
			Value:     master.Attributes.Get(field),
			SourceID:  master.ID,
			UpdatedAt: master.UpdatedAt,
			IsMaster:  true,
		})
	}
	for _, d := range duplicates {
		if d.Attributes.HasValue(field) {
			values = append(values, fieldValue{
				Value:     d.Attributes.Get(field),
				SourceID:  d.ID,
				UpdatedAt: d.UpdatedAt,
			})
		}
	}
	return values
}

// MergeField resolves field. overrideID names the record whose value must win (0 for
// none) and must hold a value. ok is false when there is nothing to record: no record
// holds a value, or every value is identical.
func (m *FieldMerger) MergeField(field string, values []fieldValue, strategy models.MergeStrategy, overrideID int64) (res models.FieldResolution, ok bool) {
	if len(values) == 0 {
		return models.FieldResolution{}, false
	}

	res = models.FieldResolution{
		Field:  field,
		Values: make(map[int64]string, len(values)),
	}
	for _, v := range values {
		res.Values[v.SourceID] = v.Value
	}

	if len(values) == 1 {
		res.Value = values[0].Value
		res.SourceID = values[0].SourceID
		res.Rule = models.ResolutionOnlyValue
		if overrideID != 0 && overrideID != values[0].SourceID {
			return models.FieldResolution{}, false
		}
		return res, true
	}

	res.Conflict = m.detectConflict(values)
	if !res.Conflict && overrideID == 0 {
		return models.FieldResolution{}, false
	}

	var winner fieldValue
	switch {
	case overrideID != 0:
		found := false
		for _, v := range values {
			if v.SourceID == overrideID {
				winner, found = v, true
				break
			}
		}
		if !found {
			return models.FieldResolution{}, false
		}
		res.Rule = models.ResolutionOverride
	case strategy == models.MergeStrategyMasterWinsOnConflict:
		winner = m.masterWins(values)
		res.Rule = models.ResolutionMasterWins
	case strategy == models.MergeStrategyOldestWins:
		winner = m.oldest(values)
		res.Rule = models.ResolutionOldestWins
	default:
		winner = m.newest(values)
		res.Rule = models.ResolutionNewestWins
	}

	res.Value = winner.Value
	res.SourceID = winner.SourceID
	return res, true
}

// detectConflict reports whether the non-empty values differ
func (m *FieldMerger) detectConflict(values []fieldValue) bool {
	for i := 1; i < len(values); i++ {
		if values[i].Value != values[0].Value {
			return true
		}
	}
	return false
}

// masterWins keeps the master's value, falling back to the newest duplicate
func (m *FieldMerger) masterWins(values []fieldValue) fieldValue {
	for _, v := range values {
		if v.IsMaster {
			return v
		}
	}
	return m.newest(values)
}

func (m *FieldMerger) newest(values []fieldValue) fieldValue {
	return pick(values, func(a, b time.Time) bool { return a.After(b) })
}

func (m *FieldMerger) oldest(values []fieldValue) fieldValue {
	return pick(values, func(a, b time.Time) bool { return a.Before(b) })
}

// pick returns the value whose timestamp wins under better. Ties go to the master,
// then to the lowest record id.
func pick(values []fieldValue, better func(a, b time.Time) bool) fieldValue {
	best := values[0]
	for _, v := range values[1:] {
		switch {
		case better(v.UpdatedAt, best.UpdatedAt):
			best = v
		case !v.UpdatedAt.Equal(best.UpdatedAt):
		case v.IsMaster && !best.IsMaster:
			best = v
		case !best.IsMaster && v.SourceID < best.SourceID:
			best = v
		}
	}
	return best
}
