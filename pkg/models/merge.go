package models

import (
	"slices"
	"sort"
	"time"
)

// ResolutionRule records which rule picked a field's surviving value
type ResolutionRule string

const (
	// ResolutionOnlyValue: a single record held a value (empty-value tolerance)
	ResolutionOnlyValue ResolutionRule = "only_value"
	// ResolutionOverride: the caller named the source record for the field
	ResolutionOverride   ResolutionRule = "override"
	ResolutionMasterWins ResolutionRule = ResolutionRule(MergeStrategyMasterWinsOnConflict)
	ResolutionNewestWins ResolutionRule = ResolutionRule(MergeStrategyNewestWins)
	ResolutionOldestWins ResolutionRule = ResolutionRule(MergeStrategyOldestWins)
)

// FieldResolution is the surviving value for one field and where it came from
type FieldResolution struct {
	Field    string         `json:"field"`
	Value    string         `json:"value"`
	SourceID int64          `json:"source_id"`
	Conflict bool           `json:"conflict"`
	Rule     ResolutionRule `json:"rule"`
	// Values holds every non-empty input by record id, kept for the audit trail
	Values map[int64]string `json:"values,omitempty"`
}

// ChildRelation is a child collection whose foreign key points at a subject
type ChildRelation struct {
	Collection string `json:"collection"`
	ForeignKey string `json:"foreign_key"`
}

// AssociationRelation is a many-to-many collection (followers, watchers) whose members
// are unioned into the master rather than moved.
type AssociationRelation struct {
	Collection string `json:"collection"`
	OwnerKey   string `json:"owner_key"`
	MemberKey  string `json:"member_key"`
}

// DefaultChildRelations are the registry collections that reference a subject
func DefaultChildRelations() []ChildRelation {
	return []ChildRelation{
		{Collection: "household_members", ForeignKey: "subject_id"},
		{Collection: "farms", ForeignKey: "subject_id"},
		{Collection: "form_submissions", ForeignKey: "subject_id"},
	}
}

// DefaultAssociationRelations are the follower-style collections unioned on merge
func DefaultAssociationRelations() []AssociationRelation {
	return []AssociationRelation{
		{Collection: "subject_followers", OwnerKey: "subject_id", MemberKey: "follower_id"},
	}
}

// ChildReparenting moves every child of FromIDs onto ToID
type ChildReparenting struct {
	Relation ChildRelation `json:"relation"`
	FromIDs  []int64       `json:"from_ids"`
	ToID     int64         `json:"to_id"`
}

// AssociationUnion copies association members of FromIDs onto ToID
type AssociationUnion struct {
	Relation AssociationRelation `json:"relation"`
	FromIDs  []int64             `json:"from_ids"`
	ToID     int64               `json:"to_id"`
}

// MergePlan is the field-by-field and child-by-child plan for one merge
type MergePlan struct {
	MasterID          int64                      `json:"master_id"`
	DuplicateIDs      []int64                    `json:"duplicate_ids"`
	Strategy          MergeStrategy              `json:"strategy"`
	FieldResolutions  map[string]FieldResolution `json:"field_resolutions"`
	MasterUpdates     Attributes                 `json:"master_updates"`
	ChildReparentings []ChildReparenting         `json:"child_reparentings"`
	AssociationUnions []AssociationUnion         `json:"association_unions"`
	PlannedAt         time.Time                  `json:"planned_at"`
}

// SubjectIDs returns master and duplicate ids, sorted
func (p *MergePlan) SubjectIDs() []int64 {
	ids := append([]int64{p.MasterID}, p.DuplicateIDs...)
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Conflicts returns the genuine conflicts in field order
func (p *MergePlan) Conflicts() []FieldResolution {
	out := make([]FieldResolution, 0, len(p.FieldResolutions))
	for _, res := range p.FieldResolutions {
		if res.Conflict {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// MergeResult is the durable record of a completed merge
type MergeResult struct {
	MergeID                string            `json:"merge_id"`
	MasterID               int64             `json:"master_id"`
	DuplicateIDs           []int64           `json:"duplicate_ids"`
	FieldConflictsResolved []FieldResolution `json:"field_conflicts_resolved"`
	MasterUpdates          Attributes        `json:"master_updates"`
	ReparentedChildren     map[string]int64  `json:"reparented_children"`
	AssociationsUnioned    map[string]int64  `json:"associations_unioned"`
	RepointedSubjects      []int64           `json:"repointed_subjects,omitempty"`
	Notes                  []string          `json:"notes,omitempty"`
	Actor                  string            `json:"actor"`
	CompletedAt            time.Time         `json:"completed_at"`
	// Replayed is set when the result was returned from the ledger for a retried merge
	Replayed bool `json:"-"`
}
