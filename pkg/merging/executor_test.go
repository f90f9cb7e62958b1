package merging

import (
	"context"
	stderrors "errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/Ramsey-B/thistle/pkg/context"
	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/events"
	"github.com/Ramsey-B/thistle/pkg/locking"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
)

func TestExecuteMerge_MasterKeepsValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(configWith(models.MergeStrategyMasterWinsOnConflict))
	f.store.Put(newSubject(1, models.SubjectStatusActive, time.Hour, models.Attributes{models.FieldContactPhone: "111"}))
	f.store.Put(newSubject(2, models.SubjectStatusPotentialDuplicate, 0, models.Attributes{models.FieldContactPhone: "222"}))
	require.NoError(t, f.store.LinkDuplicates(ctx, 1, 2))

	result, err := f.merge(ctx, 1, []int64{2}, nil)
	require.NoError(t, err)

	master, dup := f.read(t, 1), f.read(t, 2)
	assert.Equal(t, "111", master.Attributes[models.FieldContactPhone])
	assert.Equal(t, models.SubjectStatusActive, master.Status)
	assert.Empty(t, master.PotentialDuplicateRefs)

	assert.Equal(t, models.SubjectStatusMergedDuplicate, dup.Status)
	assert.False(t, dup.Active)
	require.NotNil(t, dup.MasterRefID)
	assert.Equal(t, int64(1), *dup.MasterRefID)
	assert.Empty(t, dup.PotentialDuplicateRefs)

	assert.NotEmpty(t, result.MergeID)
	assert.False(t, result.Replayed)
	require.Len(t, result.FieldConflictsResolved, 1)
	assert.Equal(t, "111", result.FieldConflictsResolved[0].Value)
	assert.Equal(t, baseTime, result.CompletedAt)
	assert.Equal(t, "system", result.Actor)
	assert.Len(t, f.store.Ledger(), 1)

	completed := f.recorder.OfType(events.EventTypeMergeCompleted)
	require.Len(t, completed, 1)
	event := completed[0].(*events.MergeCompletedEvent)
	assert.Equal(t, int64(1), event.MasterID)
	assert.Equal(t, []int64{2}, event.DuplicateIDs)
	assert.Len(t, event.FieldConflictsResolved, 1)
	assert.NotEmpty(t, event.Notes)
}

func TestExecuteMerge_FillsEmptyMasterField(t *testing.T) {
	for _, strategy := range []models.MergeStrategy{
		models.MergeStrategyNewestWins,
		models.MergeStrategyOldestWins,
		models.MergeStrategyMasterWinsOnConflict,
	} {
		t.Run(string(strategy), func(t *testing.T) {
			f := newFixture(configWith(strategy))
			f.store.Put(newSubject(1, models.SubjectStatusActive, 0, models.Attributes{models.FieldContactEmail: ""}))
			f.store.Put(newSubject(2, models.SubjectStatusActive, time.Hour, models.Attributes{models.FieldContactEmail: "b@x.com"}))

			_, err := f.merge(context.Background(), 1, []int64{2}, nil)
			require.NoError(t, err)
			assert.Equal(t, "b@x.com", f.read(t, 1).Attributes[models.FieldContactEmail])
		})
	}
}

func TestExecuteMerge_ChildrenAndFollowers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(configWith(models.MergeStrategyNewestWins))
	for _, id := range []int64{1, 2, 3} {
		f.store.Put(newSubject(id, models.SubjectStatusActive, 0, nil))
	}
	f.store.AddChild("farms", recordstore.ChildRecord{ID: 10, ParentID: 2})
	f.store.AddChild("farms", recordstore.ChildRecord{ID: 11, ParentID: 3})
	f.store.AddChild("farms", recordstore.ChildRecord{ID: 12, ParentID: 1})
	f.store.AddChild("household_members", recordstore.ChildRecord{ID: 20, ParentID: 3})
	f.store.AddAssociation("subject_followers", 1, 500)
	f.store.AddAssociation("subject_followers", 2, 500)
	f.store.AddAssociation("subject_followers", 2, 501)
	f.store.AddAssociation("subject_followers", 3, 502)

	result, err := f.merge(ctx, 1, []int64{2, 3}, nil)
	require.NoError(t, err)

	for _, collection := range []string{"farms", "household_members", "form_submissions"} {
		for _, child := range f.store.Children(collection) {
			assert.Equal(t, int64(1), child.ParentID, "%s child %d still points at a duplicate", collection, child.ID)
		}
	}
	assert.Equal(t, map[string]int64{"farms": 2, "household_members": 1, "form_submissions": 0}, result.ReparentedChildren)
	assert.Equal(t, []int64{500, 501, 502}, f.store.Associations("subject_followers", 1))
	assert.Equal(t, int64(2), result.AssociationsUnioned["subject_followers"])
}

func TestExecuteMerge_SymmetricCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(configWith(models.MergeStrategyNewestWins))
	f.store.Put(newSubject(1, models.SubjectStatusPotentialDuplicate, 0, nil))
	f.store.Put(newSubject(2, models.SubjectStatusPotentialDuplicate, 0, nil))
	f.store.Put(newSubject(3, models.SubjectStatusPotentialDuplicate, 0, models.Attributes{models.FieldKYCStatus: "verified"}))
	f.store.Put(newSubject(4, models.SubjectStatusPotentialDuplicate, 0, nil))
	require.NoError(t, f.store.LinkDuplicates(ctx, 1, 2))
	require.NoError(t, f.store.LinkDuplicates(ctx, 2, 3))
	require.NoError(t, f.store.LinkDuplicates(ctx, 3, 4))

	_, err := f.merge(ctx, 1, []int64{2}, nil)
	require.NoError(t, err)

	master, third := f.read(t, 1), f.read(t, 3)
	assert.Empty(t, master.PotentialDuplicateRefs)
	assert.Equal(t, models.SubjectStatusPendingVerification, master.Status)
	// 3 keeps its link to 4 and stays flagged
	assert.Equal(t, []int64{4}, third.PotentialDuplicateRefs)
	assert.Equal(t, models.SubjectStatusPotentialDuplicate, third.Status)
	assert.Equal(t, []int64{3}, f.read(t, 4).PotentialDuplicateRefs)
}

func TestExecuteMerge_Idempotent(t *testing.T) {
	ctx := appctx.SetActor(context.Background(), "reviewer-7")
	f := newFixture(configWith(models.MergeStrategyNewestWins))
	f.store.Put(newSubject(1, models.SubjectStatusActive, time.Hour, models.Attributes{models.FieldContactPhone: "111"}))
	f.store.Put(newSubject(2, models.SubjectStatusActive, 0, models.Attributes{models.FieldContactPhone: "222"}))
	f.store.AddChild("farms", recordstore.ChildRecord{ID: 10, ParentID: 2})

	plan, err := f.planner.PlanMerge(ctx, 1, []int64{2}, nil)
	require.NoError(t, err)

	first, err := f.executor.ExecuteMerge(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, "reviewer-7", first.Actor)
	afterFirst := *f.read(t, 1)

	second, err := f.executor.ExecuteMerge(ctx, plan)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.MergeID, second.MergeID)
	assert.Equal(t, first.FieldConflictsResolved, second.FieldConflictsResolved)

	assert.Equal(t, afterFirst, *f.read(t, 1))
	assert.Len(t, f.store.Ledger(), 1)
	assert.Len(t, f.recorder.OfType(events.EventTypeMergeCompleted), 1)

	t.Run("replanning an applied merge is rejected", func(t *testing.T) {
		_, err := f.merge(ctx, 1, []int64{2}, nil)
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("plan overtaken by a partial merge is rejected", func(t *testing.T) {
		f.store.Put(newSubject(3, models.SubjectStatusActive, 0, nil))
		f.store.Put(newSubject(4, models.SubjectStatusActive, 0, nil))
		stale, err := f.planner.PlanMerge(ctx, 1, []int64{3, 4}, nil)
		require.NoError(t, err)

		_, err = f.merge(ctx, 1, []int64{3}, nil)
		require.NoError(t, err)

		_, err = f.executor.ExecuteMerge(ctx, stale)
		assert.True(t, errors.IsValidationError(err))
		assert.Equal(t, models.SubjectStatusActive, f.read(t, 4).Status)
	})
}

func TestExecuteMerge_RollsBack(t *testing.T) {
	ctx := context.Background()

	setup := func() *fixture {
		f := newFixture(configWith(models.MergeStrategyNewestWins))
		f.store.Put(newSubject(1, models.SubjectStatusPotentialDuplicate, time.Hour, models.Attributes{models.FieldContactPhone: "111"}))
		f.store.Put(newSubject(2, models.SubjectStatusPotentialDuplicate, 0, models.Attributes{models.FieldContactPhone: "222"}))
		require.NoError(t, f.store.LinkDuplicates(ctx, 1, 2))
		f.store.AddChild("household_members", recordstore.ChildRecord{ID: 20, ParentID: 2})
		f.store.AddChild("farms", recordstore.ChildRecord{ID: 10, ParentID: 1, UniqueKey: "plot-7"})
		f.store.AddChild("farms", recordstore.ChildRecord{ID: 11, ParentID: 2, UniqueKey: "plot-7"})
		return f
	}

	assertUntouched := func(t *testing.T, f *fixture) {
		t.Helper()
		master, dup := f.read(t, 1), f.read(t, 2)
		assert.Equal(t, "111", master.Attributes[models.FieldContactPhone])
		assert.Equal(t, []int64{2}, master.PotentialDuplicateRefs)
		assert.Equal(t, models.SubjectStatusPotentialDuplicate, dup.Status)
		assert.True(t, dup.Active)
		assert.Nil(t, dup.MasterRefID)
		assert.Equal(t, int64(2), f.store.Children("household_members")[0].ParentID)
		assert.Empty(t, f.store.Ledger())
		assert.Empty(t, f.recorder.Events())
	}

	t.Run("unique violation while reparenting", func(t *testing.T) {
		f := setup()
		_, err := f.merge(ctx, 1, []int64{2}, nil)
		assert.True(t, errors.IsBackendError(err))
		assertUntouched(t, f)
	})

	t.Run("ledger write failure", func(t *testing.T) {
		f := setup()
		f.store.FailOn("SaveMergeResult", stderrors.New("disk full"))

		plan, err := f.planner.PlanMerge(ctx, 1, []int64{2}, nil)
		require.NoError(t, err)
		// drop the farms step so the failure happens at the very end
		plan.ChildReparentings = slices.DeleteFunc(plan.ChildReparentings, func(r models.ChildReparenting) bool {
			return r.Relation.Collection == "farms"
		})

		_, err = f.executor.ExecuteMerge(ctx, plan)
		assert.True(t, errors.IsBackendError(err))
		assertUntouched(t, f)
	})
}

func TestExecuteMerge_FlattensChains(t *testing.T) {
	ctx := context.Background()
	f := newFixture(configWith(models.MergeStrategyNewestWins))
	for _, id := range []int64{1, 2, 3} {
		f.store.Put(newSubject(id, models.SubjectStatusActive, 0, nil))
	}

	_, err := f.merge(ctx, 1, []int64{2}, nil)
	require.NoError(t, err)

	result, err := f.merge(ctx, 3, []int64{1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, result.RepointedSubjects)

	for _, id := range []int64{1, 2} {
		s := f.read(t, id)
		assert.True(t, s.IsMergedInto(3), "subject %d should point at the final master", id)
	}
}

func TestExecuteMerge_LockConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(configWith(models.MergeStrategyNewestWins))
	f.store.Put(newSubject(1, models.SubjectStatusActive, 0, nil))
	f.store.Put(newSubject(2, models.SubjectStatusActive, 0, nil))

	held, err := f.locker.Acquire(ctx, locking.SubjectKeys([]int64{2}))
	require.NoError(t, err)

	_, err = f.merge(ctx, 1, []int64{2}, nil)
	assert.True(t, errors.IsConcurrentMergeConflict(err))
	assert.Equal(t, models.SubjectStatusActive, f.read(t, 2).Status)

	require.NoError(t, held.Release(ctx))
	_, err = f.merge(ctx, 1, []int64{2}, nil)
	assert.NoError(t, err)
}

type brokenLocker struct{ err error }

func (b brokenLocker) Acquire(context.Context, []string) (locking.Lock, error) { return nil, b.err }

func TestExecuteMerge_LockStoreDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(configWith(models.MergeStrategyNewestWins))
	f.store.Put(newSubject(1, models.SubjectStatusActive, 0, nil))
	f.store.Put(newSubject(2, models.SubjectStatusActive, 0, nil))
	f.executor.locker = brokenLocker{err: stderrors.New("dial tcp 10.0.0.5:6379: connection refused")}

	_, err := f.merge(ctx, 1, []int64{2}, nil)
	assert.True(t, errors.IsBackendError(err), "got %v", err)
	assert.False(t, errors.IsConcurrentMergeConflict(err))
	assert.Equal(t, errors.MessageUnavailable, errors.UserMessage(err))
	assert.Equal(t, models.SubjectStatusActive, f.read(t, 2).Status)
}

func TestExecuteMerge_PublishFailureKeepsMerge(t *testing.T) {
	f := newFixture(configWith(models.MergeStrategyNewestWins))
	f.store.Put(newSubject(1, models.SubjectStatusActive, 0, nil))
	f.store.Put(newSubject(2, models.SubjectStatusActive, 0, nil))
	f.recorder.FailWith(stderrors.New("broker down"))

	result, err := f.merge(context.Background(), 1, []int64{2}, nil)
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Equal(t, models.SubjectStatusMergedDuplicate, f.read(t, 2).Status)
}

func TestExecuteMerge_NoDataLoss(t *testing.T) {
	inputs := []models.Subject{
		newSubject(1, models.SubjectStatusActive, 3*time.Hour, models.Attributes{
			models.FieldFullName:     "Amina Yusuf",
			models.FieldContactPhone: "+254700000001",
			models.FieldSex:          "female",
		}),
		newSubject(2, models.SubjectStatusActive, time.Hour, models.Attributes{
			models.FieldFullName:     "Amina Yusufu",
			models.FieldContactEmail: "amina@example.org",
			models.FieldDateOfBirth:  "1990-04-02",
		}),
		newSubject(3, models.SubjectStatusActive, 2*time.Hour, models.Attributes{
			models.FieldContactPhone: "+254700000003",
			models.FieldDateOfBirth:  "1990-02-04",
			models.FieldSex:          "",
		}),
	}

	for _, strategy := range []models.MergeStrategy{
		models.MergeStrategyNewestWins,
		models.MergeStrategyOldestWins,
		models.MergeStrategyMasterWinsOnConflict,
	} {
		t.Run(string(strategy), func(t *testing.T) {
			f := newFixture(configWith(strategy))
			for _, s := range inputs {
				f.store.Put(s)
			}

			_, err := f.merge(context.Background(), 1, []int64{2, 3}, nil)
			require.NoError(t, err)
			master := f.read(t, 1)

			for _, field := range models.DefaultFieldRegistry().ResolvableNames() {
				var candidates []string
				for _, s := range inputs {
					if s.Attributes.HasValue(field) {
						candidates = append(candidates, s.Attributes.Get(field))
					}
				}
				got := master.Attributes.Get(field)
				if len(candidates) == 0 {
					assert.Empty(t, got, field)
					continue
				}
				assert.Contains(t, candidates, got, field)
			}
		})
	}
}
