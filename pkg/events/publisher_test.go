package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/Ramsey-B/thistle/pkg/context"
	"github.com/Ramsey-B/thistle/pkg/kafka"
	"github.com/Ramsey-B/thistle/pkg/models"
)

type captureWriter struct {
	messages []segkafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...segkafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestNewMergeCompleted(t *testing.T) {
	ctx := appctx.SetCorrelationID(context.Background(), "corr-9")
	ctx = appctx.SetActor(ctx, "reviewer-3")
	completed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	event := NewMergeCompleted(ctx, &models.MergeResult{
		MergeID:      "m-1",
		MasterID:     10,
		DuplicateIDs: []int64{11, 12},
		FieldConflictsResolved: []models.FieldResolution{
			{Field: models.FieldContactPhone, Value: "111", SourceID: 10, Conflict: true},
		},
		CompletedAt: completed,
	})

	assert.Equal(t, EventTypeMergeCompleted, event.EventType)
	assert.Equal(t, SchemaVersion, event.SchemaVersion)
	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, completed, event.Timestamp)
	assert.Equal(t, "corr-9", event.CorrelationID)
	assert.Equal(t, "reviewer-3", event.Actor)
	assert.Equal(t, "10", event.Key())
	assert.Len(t, event.FieldConflictsResolved, 1)
}

func TestKafkaPublisher(t *testing.T) {
	w := &captureWriter{}
	pub := NewKafkaPublisher(kafka.NewProducerWithWriter(w, "dedup-events", testLogger()), testLogger())

	ctx := appctx.SetCorrelationID(context.Background(), "corr-1")
	require.NoError(t, pub.Publish(ctx, NewDuplicateDismissed(ctx, 3, 4, nil)))

	require.Len(t, w.messages, 1)
	assert.Equal(t, "3", string(w.messages[0].Key))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &body))
	assert.Equal(t, string(EventTypeDuplicateDismissed), body["event_type"])
	assert.Equal(t, "corr-1", body["correlation_id"])
	assert.EqualValues(t, 4, body["other_id"])
}

func TestFanout(t *testing.T) {
	ok := NewRecorder()
	failing := NewRecorder()
	failing.FailWith(errors.New("sink down"))

	event := NewPotentialDuplicateFlagged(context.Background(), 1, nil)
	err := Fanout{ok, nil, failing}.Publish(context.Background(), event)

	assert.EqualError(t, err, "sink down")
	assert.Len(t, ok.OfType(EventTypePotentialDuplicateFlagged), 1)
	assert.Empty(t, failing.Events())
}
