// Package processor consumes subject change notifications and runs the write-path
// duplicate check for each saved subject.
package processor

import (
	"context"
	stderrors "errors"

	"github.com/Gobusters/ectologger"

	appctx "github.com/Ramsey-B/thistle/pkg/context"
	"github.com/Ramsey-B/thistle/pkg/kafka"
	"github.com/Ramsey-B/thistle/pkg/matching"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// SubjectChange is the payload intake channels publish after a subject is saved. The
// embedded subject only identifies the record; the check runs on the stored copy.
type SubjectChange struct {
	Op            string          `json:"op"`
	Subject       *models.Subject `json:"subject"`
	ChangedFields []string        `json:"changed_fields,omitempty"`
	Actor         string          `json:"actor,omitempty"`
}

// SubjectChangeProcessor handles subject change messages
type SubjectChangeProcessor struct {
	logger   ectologger.Logger
	store    recordstore.SubjectStore
	matching *matching.Service
}

func NewSubjectChangeProcessor(logger ectologger.Logger, store recordstore.SubjectStore, service *matching.Service) *SubjectChangeProcessor {
	return &SubjectChangeProcessor{
		logger:   logger,
		store:    store,
		matching: service,
	}
}

// ProcessMessage satisfies kafka.MessageHandler. Only a store failure is returned, so the
// message is redelivered; anything the processor can never handle is logged and committed.
func (p *SubjectChangeProcessor) ProcessMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.ProcessMessage")
	defer span.End()

	if id := msg.Header(kafka.HeaderCorrelationID); id != "" {
		ctx = appctx.SetCorrelationID(ctx, id)
	}

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"key":    msg.Key,
		"topic":  msg.Topic,
		"offset": msg.Offset,
	})

	var change SubjectChange
	if err := msg.Decode(&change); err != nil {
		log.WithError(err).Error("Failed to parse subject change message")
		metrics.RecordChangeMessage("malformed")
		return nil
	}
	if change.Subject == nil || change.Subject.ID <= 0 {
		log.Error("Subject change message has no subject id")
		metrics.RecordChangeMessage("malformed")
		return nil
	}
	if change.Actor != "" {
		ctx = appctx.SetActor(ctx, change.Actor)
	}
	log = log.WithFields(map[string]any{
		"op":         change.Op,
		"subject_id": change.Subject.ID,
	})

	var changedFields []string
	switch change.Op {
	case OpCreate:
	case OpUpdate:
		// an update that omits changed_fields is checked like a create
		changedFields = change.ChangedFields
	default:
		log.Debug("Ignoring subject change")
		metrics.RecordChangeMessage("skipped")
		return nil
	}

	subject, err := p.store.ReadOne(ctx, change.Subject.ID)
	if stderrors.Is(err, recordstore.ErrNotFound) {
		log.Warn("Subject no longer exists, skipping duplicate check")
		metrics.RecordChangeMessage("skipped")
		return nil
	}
	if err != nil {
		log.WithError(err).Error("Failed to read changed subject")
		metrics.RecordChangeMessage("failed")
		return err
	}

	candidates := p.matching.CheckOnSave(ctx, subject, changedFields)
	log.WithField("candidates", len(candidates)).Debug("Duplicate check complete")
	metrics.RecordChangeMessage("processed")
	return nil
}
