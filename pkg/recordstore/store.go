// Package recordstore defines the record store contracts the dedup engine runs against.
package recordstore

import (
	"context"
	"errors"

	"github.com/Ramsey-B/thistle/pkg/models"
)

// ErrNotFound is returned by ReadOne for an unknown id
var ErrNotFound = errors.New("subject not found")

// SearchOrder controls result ordering
type SearchOrder int

const (
	// OrderByModifiedDesc returns the most recently modified subjects first
	OrderByModifiedDesc SearchOrder = iota
	// OrderByIDAsc is used for cursor paging
	OrderByIDAsc
)

// SearchFilter is the domain filter for Search. All conditions are ANDed.
type SearchFilter struct {
	// Equals matches attribute values exactly
	Equals          map[string]string
	ExcludeStatuses []models.SubjectStatus
	ExcludeIDs      []int64
	// AfterID returns only subjects with a greater id (cursor paging)
	AfterID int64
	Limit   int
	Order   SearchOrder
}

// SubjectStore reads and mutates subjects
type SubjectStore interface {
	Search(ctx context.Context, filter SearchFilter) ([]models.Subject, error)
	ReadOne(ctx context.Context, id int64) (*models.Subject, error)
	// ReadMany returns the subjects that exist among ids; missing ids are omitted
	ReadMany(ctx context.Context, ids []int64) ([]models.Subject, error)
	BulkUpdate(ctx context.Context, ids []int64, patch models.SubjectPatch) error
	// LinkDuplicates flags a and b as potential duplicates of each other
	LinkDuplicates(ctx context.Context, a, b int64) error
	// UnlinkDuplicates removes the a/b link in both directions
	UnlinkDuplicates(ctx context.Context, a, b int64) error
	// UnlinkAll removes every link touching ids, in both directions, and returns the
	// ids outside the set that lost a link.
	UnlinkAll(ctx context.Context, ids []int64) ([]int64, error)
	// RepointMaster moves master references from any of fromIDs to toID and returns
	// the subjects that were repointed.
	RepointMaster(ctx context.Context, fromIDs []int64, toID int64) ([]int64, error)
}

// ChildStore moves dependent records between subjects
type ChildStore interface {
	BulkReparent(ctx context.Context, relation models.ChildRelation, fromIDs []int64, toID int64) (int64, error)
	UnionAssociations(ctx context.Context, relation models.AssociationRelation, fromIDs []int64, toID int64) (int64, error)
}

// MergeLedger persists merge results so retried merges can return the prior result
type MergeLedger interface {
	SaveMergeResult(ctx context.Context, result *models.MergeResult) error
	// FindMergeResult returns the latest result for masterID covering every duplicate,
	// or nil when there is none.
	FindMergeResult(ctx context.Context, masterID int64, duplicateIDs []int64) (*models.MergeResult, error)
}

// TxRunner runs fn inside a single unit of work. Any error returned by fn rolls back
// every write made through the store with the ctx passed to fn.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is the full record store surface
type Store interface {
	SubjectStore
	ChildStore
	MergeLedger
	TxRunner
}
