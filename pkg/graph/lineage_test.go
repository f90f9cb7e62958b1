package graph

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/events"
	"github.com/Ramsey-B/thistle/pkg/models"
)

type fakeWriter struct {
	batches [][]Statement
	err     error
}

func (f *fakeWriter) ExecuteWrite(_ context.Context, statements []Statement) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, statements)
	return nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestStatements(t *testing.T) {
	ctx := context.Background()

	t.Run("merge links every duplicate to the master", func(t *testing.T) {
		event := events.NewMergeCompleted(ctx, &models.MergeResult{
			MergeID:      "m-1",
			MasterID:     1,
			DuplicateIDs: []int64{2, 3},
			CompletedAt:  time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
		})

		statements := Statements(event)
		require.Len(t, statements, 7)
		assert.Equal(t, int64(1), statements[0].Params["id"])

		var edges []Statement
		for _, st := range statements {
			if strings.Contains(st.Cypher, RelMergedInto) {
				edges = append(edges, st)
			}
		}
		require.Len(t, edges, 2)
		assert.Equal(t, int64(2), edges[0].Params["duplicate_id"])
		assert.Equal(t, int64(3), edges[1].Params["duplicate_id"])
		assert.Equal(t, "m-1", edges[0].Params["merge_id"])
		assert.Equal(t, "2026-01-10T12:00:00Z", edges[0].Params["merged_at"])
	})

	t.Run("flagged pairs are stored from the lower id", func(t *testing.T) {
		event := events.NewPotentialDuplicateFlagged(ctx, 9, []models.CandidateMatch{
			{SubjectID: 4, Score: 100, MatchedFields: []string{"national_id_number", "contact_phone"}},
		})

		statements := Statements(event)
		require.Len(t, statements, 3)
		edge := statements[2]
		assert.Contains(t, edge.Cypher, RelPossibleDuplicate)
		assert.Equal(t, int64(4), edge.Params["a"])
		assert.Equal(t, int64(9), edge.Params["b"])
		assert.Equal(t, int64(100), edge.Params["score"])
		assert.Equal(t, []string{"contact_phone", "national_id_number"}, edge.Params["matched_fields"])
	})

	t.Run("dismissal removes the pair", func(t *testing.T) {
		statements := Statements(events.NewDuplicateDismissed(ctx, 1, 2, nil))
		require.Len(t, statements, 1)
		assert.Contains(t, statements[0].Cypher, "DELETE r")
		assert.Equal(t, map[string]any{"a": int64(1), "b": int64(2)}, statements[0].Params)
	})
}

func TestLineageSink_Publish(t *testing.T) {
	ctx := context.Background()
	event := events.NewDuplicateDismissed(ctx, 1, 2, nil)

	t.Run("writes one batch per event", func(t *testing.T) {
		w := &fakeWriter{}
		require.NoError(t, NewLineageSink(w, testLogger()).Publish(ctx, event))
		assert.Len(t, w.batches, 1)
	})

	t.Run("returns write failures", func(t *testing.T) {
		w := &fakeWriter{err: stderrors.New("bolt: connection refused")}
		err := NewLineageSink(w, testLogger()).Publish(ctx, event)
		assert.EqualError(t, err, "bolt: connection refused")
	})
}
