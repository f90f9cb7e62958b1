package childrelation

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// Repository moves child rows and association members between subjects. Collection and
// column names come from the relation registry and are always quoted.
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

// BulkReparent points every child of fromIDs at toID. A unique constraint on the child
// table fails the call, and with it the surrounding transaction.
func (r *Repository) BulkReparent(ctx context.Context, relation models.ChildRelation, fromIDs []int64, toID int64) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "childrelation.Repository.BulkReparent")
	defer span.End()

	if len(fromIDs) == 0 {
		return 0, nil
	}

	fk := pq.QuoteIdentifier(relation.ForeignKey)
	query := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE %s = ANY($2)`, pq.QuoteIdentifier(relation.Collection), fk, fk)

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"collection": relation.Collection,
		"to_id":      toID,
	})

	res, err := r.db.Executor(ctx).ExecContext(ctx, query, toID, pq.Array(fromIDs))
	if err != nil {
		log.WithError(err).Error("Failed to reparent children")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to reparent %s", relation.Collection))
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reparented %s: %w", relation.Collection, err)
	}

	log.WithField("moved", moved).Debug("Reparented children")
	return moved, nil
}

// UnionAssociations copies the members of fromIDs onto toID, skipping members it
// already has, and returns how many were added.
func (r *Repository) UnionAssociations(ctx context.Context, relation models.AssociationRelation, fromIDs []int64, toID int64) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "childrelation.Repository.UnionAssociations")
	defer span.End()

	if len(fromIDs) == 0 {
		return 0, nil
	}

	table := pq.QuoteIdentifier(relation.Collection)
	owner := pq.QuoteIdentifier(relation.OwnerKey)
	member := pq.QuoteIdentifier(relation.MemberKey)
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, %[3]s)
		SELECT DISTINCT $1::bigint, src.%[3]s FROM %[1]s src WHERE src.%[2]s = ANY($2)
		ON CONFLICT DO NOTHING
	`, table, owner, member)

	res, err := r.db.Executor(ctx).ExecContext(ctx, query, toID, pq.Array(fromIDs))
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"collection": relation.Collection,
			"to_id":      toID,
		}).Error("Failed to union associations")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to union %s", relation.Collection))
	}
	return res.RowsAffected()
}
