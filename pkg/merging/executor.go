package merging

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/thistle/pkg/context"
	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/events"
	"github.com/Ramsey-B/thistle/pkg/locking"
	"github.com/Ramsey-B/thistle/pkg/matching"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// Executor applies merge plans atomically
type Executor struct {
	store     recordstore.Store
	locker    locking.Locker
	publisher events.Publisher
	logger    ectologger.Logger
	now       func() time.Time
}

func NewExecutor(store recordstore.Store, locker locking.Locker, publisher events.Publisher, logger ectologger.Logger) *Executor {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Executor{
		store:     store,
		locker:    locker,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ExecuteMerge applies plan in a single transaction while holding the merge lock over
// every subject it touches. A retried plan whose duplicates are already merged into the
// master returns the stored result with Replayed set.
func (e *Executor) ExecuteMerge(ctx context.Context, plan *models.MergePlan) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Executor.ExecuteMerge")
	defer span.End()

	start := time.Now()
	if plan == nil {
		return nil, errors.NewValidationError("a merge plan is required")
	}
	if err := validateRequest(plan.MasterID, plan.DuplicateIDs); err != nil {
		return nil, err
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"master_id":     plan.MasterID,
		"duplicate_ids": plan.DuplicateIDs,
	})

	ids := plan.SubjectIDs()
	lock, err := e.locker.Acquire(ctx, locking.SubjectKeys(ids))
	if err != nil {
		if !stderrors.Is(err, locking.ErrNotAcquired) {
			log.WithError(err).Error("Merge lock store unavailable")
			metrics.RecordMerge("failed", time.Since(start).Seconds())
			return nil, errors.WrapBackendError("ExecuteMerge.lock", err)
		}
		log.WithError(err).Warn("Merge lock not acquired")
		metrics.RecordMerge("conflict", time.Since(start).Seconds())
		return nil, errors.NewConcurrentMergeConflict(ids, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to release merge lock")
		}
	}()

	subjects, err := e.store.ReadMany(ctx, ids)
	if err != nil {
		log.WithError(err).Error("Failed to read subjects for merge")
		metrics.RecordMerge("failed", time.Since(start).Seconds())
		return nil, errors.WrapBackendError("ExecuteMerge", err)
	}

	replay, err := checkReplay(plan, subjects)
	if err != nil {
		metrics.RecordMerge("rejected", time.Since(start).Seconds())
		return nil, err
	}
	if replay {
		return e.replay(ctx, plan, log)
	}

	var result *models.MergeResult
	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		result, err = e.apply(ctx, plan, subjects)
		return err
	})
	if err != nil {
		log.WithError(err).Error("Merge rolled back")
		metrics.RecordMerge("failed", time.Since(start).Seconds())
		return nil, errors.WrapBackendError("ExecuteMerge", err)
	}

	metrics.RecordMerge("completed", time.Since(start).Seconds())
	log.WithFields(map[string]any{
		"merge_id":  result.MergeID,
		"conflicts": len(result.FieldConflictsResolved),
	}).Info("Merge completed")

	// the merge is durable at this point; delivery failures are only reported
	if err := e.publisher.Publish(ctx, events.NewMergeCompleted(ctx, result)); err != nil {
		log.WithError(err).Warn("Failed to publish merge completed event")
	}
	return result, nil
}

// checkReplay reports whether every duplicate is already merged into the master. A
// partially applied or conflicting state is rejected.
func checkReplay(plan *models.MergePlan, subjects []models.Subject) (bool, error) {
	byID := make(map[int64]models.Subject, len(subjects))
	for _, s := range subjects {
		byID[s.ID] = s
	}

	master, ok := byID[plan.MasterID]
	if !ok {
		return false, errors.NewValidationErrorf("master subject %d does not exist", plan.MasterID)
	}
	if master.Status == models.SubjectStatusMergedDuplicate {
		return false, errors.NewValidationErrorf("master subject %d has already been merged into another record", plan.MasterID)
	}

	merged := 0
	for _, id := range plan.DuplicateIDs {
		d, ok := byID[id]
		if !ok {
			return false, errors.NewValidationErrorf("duplicate subject %d does not exist", id)
		}
		if d.Status != models.SubjectStatusMergedDuplicate {
			continue
		}
		if !d.IsMergedInto(plan.MasterID) {
			return false, errors.NewValidationErrorf("subject %d has already been merged into another record", id)
		}
		merged++
	}

	switch merged {
	case 0:
		return false, nil
	case len(plan.DuplicateIDs):
		return true, nil
	default:
		return false, errors.NewValidationError("some duplicates in this plan were merged by an earlier request; plan the merge again")
	}
}

func (e *Executor) replay(ctx context.Context, plan *models.MergePlan, log ectologger.Logger) (*models.MergeResult, error) {
	prior, err := e.store.FindMergeResult(ctx, plan.MasterID, plan.DuplicateIDs)
	if err != nil {
		log.WithError(err).Error("Failed to read merge ledger")
		return nil, errors.WrapBackendError("ExecuteMerge.replay", err)
	}
	if prior == nil {
		log.Warn("Duplicates already merged but no ledger entry found")
		prior = &models.MergeResult{
			MasterID:     plan.MasterID,
			DuplicateIDs: plan.DuplicateIDs,
			Notes:        []string{"merge already applied; no ledger entry was found"},
		}
	}
	prior.Replayed = true
	metrics.RecordMerge("replayed", 0)
	log.WithField("merge_id", prior.MergeID).Info("Merge already applied, returning prior result")
	return prior, nil
}

// apply performs every write of the merge. It runs inside the store transaction.
func (e *Executor) apply(ctx context.Context, plan *models.MergePlan, subjects []models.Subject) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Executor.apply")
	defer span.End()

	result := &models.MergeResult{
		MergeID:                uuid.NewString(),
		MasterID:               plan.MasterID,
		DuplicateIDs:           plan.DuplicateIDs,
		FieldConflictsResolved: plan.Conflicts(),
		MasterUpdates:          plan.MasterUpdates,
		ReparentedChildren:     make(map[string]int64, len(plan.ChildReparentings)),
		AssociationsUnioned:    make(map[string]int64, len(plan.AssociationUnions)),
		Actor:                  appctx.GetActor(ctx),
	}

	if len(plan.MasterUpdates) > 0 {
		if err := e.store.BulkUpdate(ctx, []int64{plan.MasterID}, models.SubjectPatch{Attributes: plan.MasterUpdates}); err != nil {
			return nil, fmt.Errorf("update master: %w", err)
		}
	}

	for _, r := range plan.ChildReparentings {
		moved, err := e.store.BulkReparent(ctx, r.Relation, r.FromIDs, r.ToID)
		if err != nil {
			return nil, fmt.Errorf("reparent %s: %w", r.Relation.Collection, err)
		}
		result.ReparentedChildren[r.Relation.Collection] += moved
	}

	for _, u := range plan.AssociationUnions {
		added, err := e.store.UnionAssociations(ctx, u.Relation, u.FromIDs, u.ToID)
		if err != nil {
			return nil, fmt.Errorf("union %s: %w", u.Relation.Collection, err)
		}
		result.AssociationsUnioned[u.Relation.Collection] += added
	}

	repointed, err := e.store.RepointMaster(ctx, plan.DuplicateIDs, plan.MasterID)
	if err != nil {
		return nil, fmt.Errorf("repoint absorbed subjects: %w", err)
	}
	result.RepointedSubjects = repointed

	err = e.store.BulkUpdate(ctx, plan.DuplicateIDs, models.SubjectPatch{
		Status:      models.Ptr(models.SubjectStatusMergedDuplicate),
		Active:      models.Ptr(false),
		MasterRefID: models.Ptr(plan.MasterID),
	})
	if err != nil {
		return nil, fmt.Errorf("mark duplicates: %w", err)
	}

	neighbours, err := e.store.UnlinkAll(ctx, plan.DuplicateIDs)
	if err != nil {
		return nil, fmt.Errorf("unlink duplicates: %w", err)
	}
	if !slices.Contains(neighbours, plan.MasterID) {
		neighbours = append(neighbours, plan.MasterID)
	}
	if _, err := matching.RevertUnlinked(ctx, e.store, neighbours); err != nil {
		return nil, fmt.Errorf("revert unlinked subjects: %w", err)
	}

	result.Notes = mergeNotes(plan, subjects)
	result.CompletedAt = e.now()

	if err := e.store.SaveMergeResult(ctx, result); err != nil {
		return nil, fmt.Errorf("save merge result: %w", err)
	}
	return result, nil
}

// mergeNotes are the human-readable lines attached to the master and each duplicate
func mergeNotes(plan *models.MergePlan, subjects []models.Subject) []string {
	labels := make(map[int64]string, len(subjects))
	for _, s := range subjects {
		label := fmt.Sprintf("#%d", s.ID)
		if name := s.Attributes.Get(models.FieldFullName); name != "" {
			label = fmt.Sprintf("%s (#%d)", name, s.ID)
		}
		if s.ExternalUID != "" {
			label += " " + s.ExternalUID
		}
		labels[s.ID] = label
	}

	notes := make([]string, 0, len(plan.DuplicateIDs)+1)
	for _, id := range plan.DuplicateIDs {
		notes = append(notes, fmt.Sprintf("%s was merged into %s", labels[id], labels[plan.MasterID]))
	}
	notes = append(notes, fmt.Sprintf("%s absorbed %d duplicate record(s)", labels[plan.MasterID], len(plan.DuplicateIDs)))
	return notes
}
