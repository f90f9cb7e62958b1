package processor

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/events"
	"github.com/Ramsey-B/thistle/pkg/kafka"
	"github.com/Ramsey-B/thistle/pkg/matching"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
	"github.com/Ramsey-B/thistle/pkg/scoring"
)

type staticConfigs struct{ cfg *models.MatchConfig }

func (s staticConfigs) Current() (*models.MatchConfig, error) { return s.cfg, nil }

func newProcessor() (*SubjectChangeProcessor, *recordstore.MemoryStore, *events.Recorder) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	store := recordstore.NewMemoryStore()
	recorder := events.NewRecorder()
	configs := staticConfigs{cfg: models.DefaultMatchConfig()}
	finder := matching.NewFinder(store, scoring.NewComparator(nil, nil), nil, logger)
	service := matching.NewService(finder, store, configs, recorder, logger)

	store.Put(models.Subject{ID: 1, Status: models.SubjectStatusActive, Active: true, Attributes: models.Attributes{models.FieldNationalIDNumber: "X1"}})
	store.Put(models.Subject{ID: 2, Status: models.SubjectStatusPendingVerification, Active: true, Attributes: models.Attributes{models.FieldNationalIDNumber: "X1"}})
	return NewSubjectChangeProcessor(logger, store, service), store, recorder
}

func message(value string) *kafka.IncomingMessage {
	return &kafka.IncomingMessage{
		Key:     "2",
		Value:   []byte(value),
		Topic:   "registry.subject-changes",
		Headers: map[string]string{kafka.HeaderCorrelationID: "corr-1"},
	}
}

func TestProcessMessage(t *testing.T) {
	tests := []struct {
		name        string
		value       string
		expectFlags bool
	}{
		{name: "create is checked", value: `{"op":"create","subject":{"id":2}}`, expectFlags: true},
		{name: "update touching a trigger field", value: `{"op":"update","subject":{"id":2},"changed_fields":["national_id_number"]}`, expectFlags: true},
		{name: "update without field list", value: `{"op":"update","subject":{"id":2}}`, expectFlags: true},
		{name: "update of other fields", value: `{"op":"update","subject":{"id":2},"changed_fields":["contact_email"]}`},
		{name: "delete is ignored", value: `{"op":"delete","subject":{"id":2}}`},
		{name: "unknown subject", value: `{"op":"create","subject":{"id":99}}`},
		{name: "missing subject id", value: `{"op":"create","subject":{"external_uid":"SUBJ-2"}}`},
		{name: "not json", value: `{"op":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store, recorder := newProcessor()

			err := p.ProcessMessage(context.Background(), message(tt.value))
			require.NoError(t, err)

			saved, err := store.ReadOne(context.Background(), 2)
			require.NoError(t, err)
			if tt.expectFlags {
				assert.Equal(t, []int64{1}, saved.PotentialDuplicateRefs)
				assert.Len(t, recorder.OfType(events.EventTypePotentialDuplicateFlagged), 1)
			} else {
				assert.Empty(t, saved.PotentialDuplicateRefs)
				assert.Empty(t, recorder.Events())
			}
		})
	}
}

func TestProcessMessage_StoreFailureIsRedelivered(t *testing.T) {
	p, store, _ := newProcessor()
	store.FailOn("ReadOne", stderrors.New("connection reset"))

	err := p.ProcessMessage(context.Background(), message(`{"op":"create","subject":{"id":2}}`))
	assert.Error(t, err)
}
