// Package store assembles the Postgres repositories into the engine's record store
package store

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/internal/repositories/childrelation"
	"github.com/Ramsey-B/thistle/internal/repositories/mergeresult"
	"github.com/Ramsey-B/thistle/internal/repositories/subject"
	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

var _ recordstore.Store = (*Store)(nil)

// Store implements recordstore.Store on Postgres
type Store struct {
	subjects *subject.Repository
	children *childrelation.Repository
	ledger   *mergeresult.Repository

	db     database.DB
	logger ectologger.Logger
}

func New(db database.DB, logger ectologger.Logger) *Store {
	return &Store{
		subjects: subject.NewRepository(db, logger),
		children: childrelation.NewRepository(db, logger),
		ledger:   mergeresult.NewRepository(db, logger),
		db:       db,
		logger:   logger,
	}
}

// Subjects exposes the subject repository for writes outside the engine contract
func (s *Store) Subjects() *subject.Repository {
	return s.subjects
}

// WithinTx runs fn in one transaction. Nested calls join the outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "store.Store.WithinTx")
	defer span.End()

	ctx, tx, err := s.db.GetTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		// no-op once committed
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx); err != nil {
		s.logger.WithContext(ctx).WithError(err).Debug("Rolling back transaction")
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Search(ctx context.Context, filter recordstore.SearchFilter) ([]models.Subject, error) {
	return s.subjects.Search(ctx, filter)
}

func (s *Store) ReadOne(ctx context.Context, id int64) (*models.Subject, error) {
	return s.subjects.ReadOne(ctx, id)
}

func (s *Store) ReadMany(ctx context.Context, ids []int64) ([]models.Subject, error) {
	return s.subjects.ReadMany(ctx, ids)
}

func (s *Store) BulkUpdate(ctx context.Context, ids []int64, patch models.SubjectPatch) error {
	return s.subjects.BulkUpdate(ctx, ids, patch)
}

func (s *Store) LinkDuplicates(ctx context.Context, a, b int64) error {
	return s.subjects.LinkDuplicates(ctx, a, b)
}

func (s *Store) UnlinkDuplicates(ctx context.Context, a, b int64) error {
	return s.subjects.UnlinkDuplicates(ctx, a, b)
}

func (s *Store) UnlinkAll(ctx context.Context, ids []int64) ([]int64, error) {
	return s.subjects.UnlinkAll(ctx, ids)
}

func (s *Store) RepointMaster(ctx context.Context, fromIDs []int64, toID int64) ([]int64, error) {
	return s.subjects.RepointMaster(ctx, fromIDs, toID)
}

func (s *Store) BulkReparent(ctx context.Context, relation models.ChildRelation, fromIDs []int64, toID int64) (int64, error) {
	return s.children.BulkReparent(ctx, relation, fromIDs, toID)
}

func (s *Store) UnionAssociations(ctx context.Context, relation models.AssociationRelation, fromIDs []int64, toID int64) (int64, error) {
	return s.children.UnionAssociations(ctx, relation, fromIDs, toID)
}

func (s *Store) SaveMergeResult(ctx context.Context, result *models.MergeResult) error {
	return s.ledger.SaveMergeResult(ctx, result)
}

func (s *Store) FindMergeResult(ctx context.Context, masterID int64, duplicateIDs []int64) (*models.MergeResult, error) {
	return s.ledger.FindMergeResult(ctx, masterID, duplicateIDs)
}
