package review

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/events"
	"github.com/Ramsey-B/thistle/pkg/locking"
	"github.com/Ramsey-B/thistle/pkg/matching"
	"github.com/Ramsey-B/thistle/pkg/merging"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
	"github.com/Ramsey-B/thistle/pkg/scoring"
)

type staticConfigs struct{ cfg *models.MatchConfig }

func (s staticConfigs) Current() (*models.MatchConfig, error) { return s.cfg, nil }

type harness struct {
	store  *recordstore.MemoryStore
	locker *locking.MemoryLocker
	deps   Deps
}

func newHarness() *harness {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	store := recordstore.NewMemoryStore()
	configs := staticConfigs{cfg: models.DefaultMatchConfig()}
	recorder := events.NewRecorder()
	locker := locking.NewMemoryLocker(locking.Options{TTL: time.Minute, Wait: 30 * time.Millisecond, Backoff: 5 * time.Millisecond})

	finder := matching.NewFinder(store, scoring.NewComparator(nil, nil), nil, logger)
	return &harness{
		store:  store,
		locker: locker,
		deps: Deps{
			Store:    store,
			Matching: matching.NewService(finder, store, configs, recorder, logger),
			Configs:  configs,
			Planner:  merging.NewPlanner(store, configs, nil, merging.DefaultRelations(), logger),
			Executor: merging.NewExecutor(store, locker, recorder, logger),
			Logger:   logger,
		},
	}
}

func (h *harness) seed() {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	h.store.Put(models.Subject{ID: 1, Status: models.SubjectStatusActive, Active: true, UpdatedAt: now.Add(-time.Hour), Attributes: models.Attributes{
		models.FieldFullName:             "Jonathan Smith",
		models.FieldAdministrativeAreaID: "7",
		models.FieldContactPhone:         "111",
	}})
	h.store.Put(models.Subject{ID: 2, Status: models.SubjectStatusActive, Active: true, UpdatedAt: now, Attributes: models.Attributes{
		models.FieldFullName:             "Jonathan Smyth",
		models.FieldAdministrativeAreaID: "7",
		models.FieldContactPhone:         "222",
	}})
	h.store.Put(models.Subject{ID: 3, Status: models.SubjectStatusActive, Active: true, UpdatedAt: now, Attributes: models.Attributes{
		models.FieldFullName:             "Grace Achieng",
		models.FieldAdministrativeAreaID: "7",
	}})
}

func TestSession_LoadAndSelect(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.seed()

	s := NewSession(h.deps, 1)
	assert.True(t, errors.IsValidationError(s.Select(ctx, 2)), "select before load")

	require.NoError(t, s.Load(ctx))
	require.Len(t, s.Candidates(), 1)
	assert.Equal(t, int64(2), s.Candidates()[0].SubjectID)
	assert.Equal(t, 93, s.Candidates()[0].Score)
	assert.False(t, s.Truncated())

	assert.True(t, errors.IsValidationError(s.Select(ctx, 3)))
	assert.True(t, errors.IsValidationError(s.Select(ctx, 1)))
	require.NoError(t, s.Select(ctx, 2))
	assert.Equal(t, int64(2), s.Selected().ID)

	t.Run("flagged links are selectable", func(t *testing.T) {
		require.NoError(t, h.store.LinkDuplicates(ctx, 1, 3))
		require.NoError(t, s.Load(ctx))
		assert.NoError(t, s.Select(ctx, 3))
	})
}

func TestSession_LoadUnknownSubject(t *testing.T) {
	h := newHarness()
	err := NewSession(h.deps, 42).Load(context.Background())
	assert.True(t, errors.IsValidationError(err))
	assert.Equal(t, "subject 42 does not exist", UserMessage(err))
}

func TestSession_Compare(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.seed()

	s := NewSession(h.deps, 1)
	require.NoError(t, s.Load(ctx))
	_, err := s.Compare()
	assert.True(t, errors.IsValidationError(err))

	require.NoError(t, s.Select(ctx, 2))
	rows, err := s.Compare()
	require.NoError(t, err)
	assert.Len(t, rows, len(models.DefaultFieldRegistry().Names()))

	byField := make(map[string]FieldComparison, len(rows))
	for _, r := range rows {
		byField[r.Field] = r
	}
	assert.Equal(t, FieldComparison{Field: models.FieldFullName, Primary: "Jonathan Smith", Selected: "Jonathan Smyth", Differs: true}, byField[models.FieldFullName])
	assert.False(t, byField[models.FieldAdministrativeAreaID].Differs)
	assert.False(t, byField[models.FieldContactEmail].Differs)
}

func TestSession_Merge(t *testing.T) {
	ctx := context.Background()

	t.Run("into the selected candidate", func(t *testing.T) {
		h := newHarness()
		h.seed()
		s := NewSession(h.deps, 1)
		require.NoError(t, s.Load(ctx))
		require.NoError(t, s.Select(ctx, 2))

		result, err := s.Merge(ctx, 2, map[string]int64{models.FieldContactPhone: 1})
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.MasterID)
		assert.Equal(t, []int64{1}, result.DuplicateIDs)

		assert.Equal(t, int64(2), s.Primary().ID)
		assert.Equal(t, "111", s.Primary().Attributes[models.FieldContactPhone])
		assert.Nil(t, s.Selected())
		assert.Empty(t, s.Candidates())

		absorbed, err := h.store.ReadOne(ctx, 1)
		require.NoError(t, err)
		assert.True(t, absorbed.IsMergedInto(2))
	})

	t.Run("master outside the pair", func(t *testing.T) {
		h := newHarness()
		h.seed()
		s := NewSession(h.deps, 1)
		require.NoError(t, s.Load(ctx))
		require.NoError(t, s.Select(ctx, 2))

		_, err := s.Merge(ctx, 3, nil)
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("lock held elsewhere", func(t *testing.T) {
		h := newHarness()
		h.seed()
		s := NewSession(h.deps, 1)
		require.NoError(t, s.Load(ctx))
		require.NoError(t, s.Select(ctx, 2))

		held, err := h.locker.Acquire(ctx, locking.SubjectKeys([]int64{1}))
		require.NoError(t, err)
		defer held.Release(ctx)

		_, err = s.Merge(ctx, 1, nil)
		assert.True(t, errors.IsConcurrentMergeConflict(err))
		assert.Equal(t, errors.MessageMergeInProgress, UserMessage(err))
		assert.NotNil(t, s.Selected())
	})

	t.Run("store failure hides detail", func(t *testing.T) {
		h := newHarness()
		h.seed()
		s := NewSession(h.deps, 1)
		require.NoError(t, s.Load(ctx))
		require.NoError(t, s.Select(ctx, 2))
		h.store.FailOn("BulkUpdate", stderrors.New("pq: relation subjects does not exist"))

		_, err := s.Merge(ctx, 1, nil)
		assert.True(t, errors.IsBackendError(err))
		assert.Equal(t, errors.MessageUnavailable, UserMessage(err))
	})
}

func TestSession_Dismiss(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.seed()
	require.NoError(t, h.store.LinkDuplicates(ctx, 1, 2))
	require.NoError(t, h.store.BulkUpdate(ctx, []int64{1, 2}, models.SubjectPatch{Status: models.Ptr(models.SubjectStatusPotentialDuplicate)}))

	s := NewSession(h.deps, 1)
	assert.True(t, errors.IsValidationError(s.Dismiss(ctx)))

	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Select(ctx, 2))
	require.NoError(t, s.Dismiss(ctx))

	assert.Nil(t, s.Selected())
	assert.Empty(t, s.Candidates())
	assert.Empty(t, s.Primary().PotentialDuplicateRefs)
	assert.Equal(t, models.SubjectStatusPendingVerification, s.Primary().Status)
}
