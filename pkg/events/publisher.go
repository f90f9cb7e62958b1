// Package events publishes dedup domain events
package events

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/kafka"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// Publisher delivers domain events to a downstream sink
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

func keyFor(id int64) string {
	return strconv.FormatInt(id, 10)
}

// KafkaPublisher writes events to the dedup events topic
type KafkaPublisher struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

func NewKafkaPublisher(producer *kafka.Producer, logger ectologger.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		logger:   logger,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	ctx, span := tracing.StartSpan(ctx, "events.KafkaPublisher.Publish")
	defer span.End()

	base := event.Base()
	headers := map[string]string{
		kafka.HeaderEventType: string(base.EventType),
		"schema_version":      base.SchemaVersion,
	}
	if base.CorrelationID != "" {
		headers[kafka.HeaderCorrelationID] = base.CorrelationID
	}

	if err := p.producer.PublishJSON(ctx, event.Key(), event, headers); err != nil {
		metrics.RecordEventPublish(string(base.EventType), "error")
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": base.EventType,
			"event_id":   base.EventID,
		}).Error("Failed to publish event")
		return err
	}

	metrics.RecordEventPublish(string(base.EventType), "ok")
	return nil
}

// Fanout publishes to every sink and joins their errors
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Noop discards events
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes every later Publish return err without recording
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of what was published
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the published events of type t
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Base().EventType == t {
			out = append(out, e)
		}
	}
	return out
}
