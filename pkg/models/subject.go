package models

import (
	"slices"
	"strings"
	"time"
)

// SubjectStatus is the lifecycle status of a registry subject
type SubjectStatus string

const (
	SubjectStatusPendingVerification SubjectStatus = "pending_verification"
	SubjectStatusActive              SubjectStatus = "active"
	SubjectStatusInactive            SubjectStatus = "inactive"
	SubjectStatusDeceased            SubjectStatus = "deceased"
	SubjectStatusPotentialDuplicate  SubjectStatus = "potential_duplicate"
	SubjectStatusMergedDuplicate     SubjectStatus = "merged_duplicate"
	SubjectStatusArchived            SubjectStatus = "archived"
)

// StatusesExcludedFromMatching are never offered as candidates.
var StatusesExcludedFromMatching = []SubjectStatus{
	SubjectStatusArchived,
	SubjectStatusDeceased,
	SubjectStatusMergedDuplicate,
}

// Valid reports whether s is a known status
func (s SubjectStatus) Valid() bool {
	switch s {
	case SubjectStatusPendingVerification, SubjectStatusActive, SubjectStatusInactive, SubjectStatusDeceased,
		SubjectStatusPotentialDuplicate, SubjectStatusMergedDuplicate, SubjectStatusArchived:
		return true
	}
	return false
}

// Matchable reports whether a subject in this status may be returned as a candidate
func (s SubjectStatus) Matchable() bool {
	return !slices.Contains(StatusesExcludedFromMatching, s)
}

// Flaggable reports whether a subject in this status moves to potential_duplicate when linked
func (s SubjectStatus) Flaggable() bool {
	return s == SubjectStatusPendingVerification || s == SubjectStatusActive
}

const KYCStatusVerified = "verified"

// Attributes holds a subject's scalar fields keyed by field name. Dates are ISO-8601,
// references hold the referenced id.
type Attributes map[string]string

// Get returns the trimmed value of field
func (a Attributes) Get(field string) string {
	return strings.TrimSpace(a[field])
}

// HasValue reports whether field holds a non-blank value
func (a Attributes) HasValue(field string) bool {
	return a.Get(field) != ""
}

func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Subject is a registry record under deduplication scrutiny
type Subject struct {
	ID                     int64         `json:"id" db:"id"`
	ExternalUID            string        `json:"external_uid" db:"external_uid"`
	Status                 SubjectStatus `json:"status" db:"status"`
	Active                 bool          `json:"active" db:"active"`
	MasterRefID            *int64        `json:"master_ref_id,omitempty" db:"master_ref_id"`
	PotentialDuplicateRefs []int64       `json:"potential_duplicate_refs" db:"-"`
	Attributes             Attributes    `json:"attributes" db:"-"`
	CreatedAt              time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	out := *s
	out.Attributes = s.Attributes.Clone()
	out.PotentialDuplicateRefs = slices.Clone(s.PotentialDuplicateRefs)
	if s.MasterRefID != nil {
		id := *s.MasterRefID
		out.MasterRefID = &id
	}
	return &out
}

// HasDuplicateRef reports whether id is flagged as a potential duplicate of s
func (s *Subject) HasDuplicateRef(id int64) bool {
	return slices.Contains(s.PotentialDuplicateRefs, id)
}

// IsMergedInto reports whether s was absorbed by masterID
func (s *Subject) IsMergedInto(masterID int64) bool {
	return s.Status == SubjectStatusMergedDuplicate && s.MasterRefID != nil && *s.MasterRefID == masterID
}

// StatusAfterDismissal is the status a potential_duplicate subject returns to once it
// has no remaining links.
func (s *Subject) StatusAfterDismissal() SubjectStatus {
	if strings.EqualFold(s.Attributes.Get(FieldKYCStatus), KYCStatusVerified) {
		return SubjectStatusActive
	}
	return SubjectStatusPendingVerification
}

// SubjectPatch is a partial update applied to one or more subjects. Nil fields are left unchanged.
type SubjectPatch struct {
	Attributes  Attributes
	Status      *SubjectStatus
	Active      *bool
	MasterRefID *int64
}

// IsEmpty reports whether the patch changes nothing
func (p SubjectPatch) IsEmpty() bool {
	return len(p.Attributes) == 0 && p.Status == nil && p.Active == nil && p.MasterRefID == nil
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}
