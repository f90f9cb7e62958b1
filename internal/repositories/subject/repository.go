package subject

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const (
	subjectsTable = "subjects"
	linksTable    = "subject_duplicate_links"
)

// selectColumns reads a subject with its potential duplicate refs folded into one array
const selectColumns = `s.id, s.external_uid, s.status, s.active, s.master_ref_id, s.attributes, s.created_at, s.updated_at,
	COALESCE((SELECT array_agg(l.duplicate_id ORDER BY l.duplicate_id) FROM subject_duplicate_links l WHERE l.subject_id = s.id), '{}') AS potential_duplicate_refs`

type subjectRow struct {
	ID            int64                             `db:"id"`
	ExternalUID   string                            `db:"external_uid"`
	Status        string                            `db:"status"`
	Active        bool                              `db:"active"`
	MasterRefID   sql.NullInt64                     `db:"master_ref_id"`
	Attributes    database.JSONB[models.Attributes] `db:"attributes"`
	DuplicateRefs pq.Int64Array                     `db:"potential_duplicate_refs"`
	CreatedAt     time.Time                         `db:"created_at"`
	UpdatedAt     time.Time                         `db:"updated_at"`
}

func (r subjectRow) toModel() models.Subject {
	s := models.Subject{
		ID:          r.ID,
		ExternalUID: r.ExternalUID,
		Status:      models.SubjectStatus(r.Status),
		Active:      r.Active,
		Attributes:  r.Attributes.Data,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if s.Attributes == nil {
		s.Attributes = models.Attributes{}
	}
	if r.MasterRefID.Valid {
		s.MasterRefID = models.Ptr(r.MasterRefID.Int64)
	}
	if len(r.DuplicateRefs) > 0 {
		s.PotentialDuplicateRefs = []int64(r.DuplicateRefs)
	}
	return s
}

// Repository handles subject and duplicate link persistence. Every call runs on the
// transaction carried by ctx when there is one.
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

// Create inserts a subject and fills its id and timestamps
func (r *Repository) Create(ctx context.Context, subject *models.Subject) (*models.Subject, error) {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.Create")
	defer span.End()

	attrs, err := json.Marshal(subject.Attributes.Clone())
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(subjectsTable)
	ib.Cols("external_uid", "status", "active", "master_ref_id", "attributes")
	ib.Values(subject.ExternalUID, string(subject.Status), subject.Active, subject.MasterRefID, string(attrs))
	ib.SQL("RETURNING id, created_at, updated_at")

	query, args := ib.Build()
	out := subject.Clone()
	row := struct {
		ID        int64     `db:"id"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}{}
	if err := r.db.Executor(ctx).GetContext(ctx, &row, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("external_uid", subject.ExternalUID).Error("Failed to create subject")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create subject")
	}
	out.ID, out.CreatedAt, out.UpdatedAt = row.ID, row.CreatedAt.UTC(), row.UpdatedAt.UTC()
	return out, nil
}

func (r *Repository) Search(ctx context.Context, filter recordstore.SearchFilter) ([]models.Subject, error) {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.Search")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(selectColumns)
	sb.From(subjectsTable + " s")

	var where []string
	fields := make([]string, 0, len(filter.Equals))
	for field := range filter.Equals {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		where = append(where, fmt.Sprintf("s.attributes ->> %s = %s", sb.Var(field), sb.Var(filter.Equals[field])))
	}
	if len(filter.ExcludeStatuses) > 0 {
		statuses := make([]string, len(filter.ExcludeStatuses))
		for i, s := range filter.ExcludeStatuses {
			statuses[i] = string(s)
		}
		where = append(where, fmt.Sprintf("NOT (s.status = ANY(%s))", sb.Var(pq.Array(statuses))))
	}
	if len(filter.ExcludeIDs) > 0 {
		where = append(where, fmt.Sprintf("NOT (s.id = ANY(%s))", sb.Var(pq.Array(filter.ExcludeIDs))))
	}
	if filter.AfterID > 0 {
		where = append(where, sb.GreaterThan("s.id", filter.AfterID))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}

	switch filter.Order {
	case recordstore.OrderByIDAsc:
		sb.OrderBy("s.id ASC")
	default:
		sb.OrderBy("s.updated_at DESC", "s.id ASC")
	}
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}

	query, args := sb.Build()
	var rows []subjectRow
	if err := r.db.Executor(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to search subjects")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to search subjects")
	}
	return toModels(rows), nil
}

func (r *Repository) ReadOne(ctx context.Context, id int64) (*models.Subject, error) {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.ReadOne")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(selectColumns)
	sb.From(subjectsTable + " s")
	sb.Where(sb.Equal("s.id", id))

	query, args := sb.Build()
	var row subjectRow
	if err := r.db.Executor(ctx).GetContext(ctx, &row, query, args...); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, recordstore.ErrNotFound
		}
		r.logger.WithContext(ctx).WithError(err).WithField("subject_id", id).Error("Failed to read subject")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read subject")
	}
	s := row.toModel()
	return &s, nil
}

func (r *Repository) ReadMany(ctx context.Context, ids []int64) ([]models.Subject, error) {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.ReadMany")
	defer span.End()

	if len(ids) == 0 {
		return []models.Subject{}, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(selectColumns)
	sb.From(subjectsTable + " s")
	sb.Where(fmt.Sprintf("s.id = ANY(%s)", sb.Var(pq.Array(ids))))
	sb.OrderBy("s.id ASC")

	query, args := sb.Build()
	var rows []subjectRow
	if err := r.db.Executor(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to read subjects")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read subjects")
	}
	return toModels(rows), nil
}

// BulkUpdate applies patch to every id. Attribute patches are merged into the stored
// attributes. Unknown ids fail the whole update.
func (r *Repository) BulkUpdate(ctx context.Context, ids []int64, patch models.SubjectPatch) error {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.BulkUpdate")
	defer span.End()

	ids = unique(ids)
	if len(ids) == 0 {
		return nil
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(subjectsTable)
	assignments := []string{"updated_at = NOW()"}
	if len(patch.Attributes) > 0 {
		attrs, err := json.Marshal(patch.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attribute patch: %w", err)
		}
		assignments = append(assignments, fmt.Sprintf("attributes = attributes || %s::jsonb", ub.Var(string(attrs))))
	}
	if patch.Status != nil {
		assignments = append(assignments, ub.Assign("status", string(*patch.Status)))
	}
	if patch.Active != nil {
		assignments = append(assignments, ub.Assign("active", *patch.Active))
	}
	if patch.MasterRefID != nil {
		assignments = append(assignments, ub.Assign("master_ref_id", *patch.MasterRefID))
	}
	ub.Set(assignments...)
	ub.Where(fmt.Sprintf("id = ANY(%s)", ub.Var(pq.Array(ids))))

	query, args := ub.Build()
	log := r.logger.WithContext(ctx).WithField("subject_ids", ids)
	res, err := r.db.Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		log.WithError(err).Error("Failed to update subjects")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update subjects")
	}
	if n, err := res.RowsAffected(); err == nil && n != int64(len(ids)) {
		log.WithField("updated", n).Warn("Bulk update touched fewer subjects than requested")
		return fmt.Errorf("updated %d of %d subjects: %w", n, len(ids), recordstore.ErrNotFound)
	}
	return nil
}

func (r *Repository) LinkDuplicates(ctx context.Context, a, b int64) error {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.LinkDuplicates")
	defer span.End()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(linksTable)
	ib.Cols("subject_id", "duplicate_id")
	ib.Values(a, b)
	ib.Values(b, a)
	ib.SQL("ON CONFLICT DO NOTHING")

	query, args := ib.Build()
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return recordstore.ErrNotFound
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"a": a, "b": b}).Error("Failed to link duplicates")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to link duplicates")
	}
	return nil
}

func (r *Repository) UnlinkDuplicates(ctx context.Context, a, b int64) error {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.UnlinkDuplicates")
	defer span.End()

	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom(linksTable)
	del.Where(del.Or(
		del.And(del.Equal("subject_id", a), del.Equal("duplicate_id", b)),
		del.And(del.Equal("subject_id", b), del.Equal("duplicate_id", a)),
	))

	query, args := del.Build()
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"a": a, "b": b}).Error("Failed to unlink duplicates")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to unlink duplicates")
	}
	return nil
}

func (r *Repository) UnlinkAll(ctx context.Context, ids []int64) ([]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.UnlinkAll")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		DELETE FROM subject_duplicate_links
		WHERE subject_id = ANY($1) OR duplicate_id = ANY($1)
		RETURNING subject_id, duplicate_id
	`
	var pairs []struct {
		SubjectID   int64 `db:"subject_id"`
		DuplicateID int64 `db:"duplicate_id"`
	}
	if err := r.db.Executor(ctx).SelectContext(ctx, &pairs, query, pq.Array(ids)); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("subject_ids", ids).Error("Failed to unlink subjects")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to unlink subjects")
	}

	var neighbours []int64
	for _, p := range pairs {
		for _, id := range []int64{p.SubjectID, p.DuplicateID} {
			if !slices.Contains(ids, id) {
				neighbours = append(neighbours, id)
			}
		}
	}
	return unique(neighbours), nil
}

func (r *Repository) RepointMaster(ctx context.Context, fromIDs []int64, toID int64) ([]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.RepointMaster")
	defer span.End()

	if len(fromIDs) == 0 {
		return nil, nil
	}

	query := `UPDATE subjects SET master_ref_id = $1 WHERE master_ref_id = ANY($2) RETURNING id`
	var repointed []int64
	if err := r.db.Executor(ctx).SelectContext(ctx, &repointed, query, toID, pq.Array(fromIDs)); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("master_id", toID).Error("Failed to repoint master references")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint master references")
	}
	return unique(repointed), nil
}

func toModels(rows []subjectRow) []models.Subject {
	out := make([]models.Subject, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out
}

// unique returns ids sorted without repeats
func unique(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
