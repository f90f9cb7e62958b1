package mergeresult

import (
	"context"
	"database/sql"
	stderrors "errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const table = "merge_results"

// Repository is the merge ledger
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) SaveMergeResult(ctx context.Context, result *models.MergeResult) error {
	ctx, span := tracing.StartSpan(ctx, "mergeresult.Repository.SaveMergeResult")
	defer span.End()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("merge_id", "master_id", "duplicate_ids", "result", "actor", "completed_at")
	ib.Values(result.MergeID, result.MasterID, pq.Array(result.DuplicateIDs), database.NewJSONB(*result), result.Actor, result.CompletedAt)

	query, args := ib.Build()
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("merge_id", result.MergeID).Error("Failed to save merge result")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to save merge result")
	}
	return nil
}

// FindMergeResult returns the newest result for masterID whose duplicates include every
// id in duplicateIDs, or nil.
func (r *Repository) FindMergeResult(ctx context.Context, masterID int64, duplicateIDs []int64) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeresult.Repository.FindMergeResult")
	defer span.End()

	query := `
		SELECT result FROM merge_results
		WHERE master_id = $1 AND duplicate_ids @> $2
		ORDER BY completed_at DESC
		LIMIT 1
	`
	var result database.JSONB[models.MergeResult]
	if err := r.db.Executor(ctx).GetContext(ctx, &result, query, masterID, pq.Array(duplicateIDs)); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithField("master_id", masterID).Error("Failed to find merge result")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find merge result")
	}
	return &result.Data, nil
}
