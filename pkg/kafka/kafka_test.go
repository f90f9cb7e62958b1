package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestProducer_PublishJSON(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, "dedup-events", testLogger())

	err := p.PublishJSON(context.Background(), "42", map[string]int64{"master_id": 42}, map[string]string{HeaderEventType: "subject.merged"})
	require.NoError(t, err)

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "dedup-events", msg.Topic)
	assert.Equal(t, "42", string(msg.Key))

	var body map[string]int64
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, int64(42), body["master_id"])
	assert.Contains(t, msg.Headers, kafka.Header{Key: HeaderEventType, Value: []byte("subject.merged")})
}

func TestProducer_PublishJSON_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewProducerWithWriter(w, "dedup-events", testLogger())

	err := p.PublishJSON(context.Background(), "1", struct{}{}, nil)
	assert.EqualError(t, err, "broker down")
}

func TestConsumer_ProcessMessage(t *testing.T) {
	msg := kafka.Message{
		Topic:   "subject-changes",
		Key:     []byte("7"),
		Value:   []byte(`{"op":"update"}`),
		Headers: []kafka.Header{{Key: HeaderCorrelationID, Value: []byte("corr-1")}},
	}

	t.Run("commits after successful handling", func(t *testing.T) {
		r := &fakeReader{}
		var got *IncomingMessage
		c := NewConsumerWithReader(r, "subject-changes", testLogger(), func(_ context.Context, m *IncomingMessage) error {
			got = m
			return nil
		})

		c.processMessage(context.Background(), msg)

		require.NotNil(t, got)
		assert.Equal(t, "7", got.Key)
		assert.Equal(t, "corr-1", got.Header(HeaderCorrelationID))
		var body map[string]string
		require.NoError(t, got.Decode(&body))
		assert.Equal(t, "update", body["op"])
		assert.Len(t, r.committed, 1)
	})

	t.Run("does not commit when handling fails", func(t *testing.T) {
		r := &fakeReader{}
		c := NewConsumerWithReader(r, "subject-changes", testLogger(), func(context.Context, *IncomingMessage) error {
			return errors.New("store unavailable")
		})

		c.processMessage(context.Background(), msg)
		assert.Empty(t, r.committed)
	})
}

func TestConsumer_StartStop(t *testing.T) {
	c := NewConsumerWithReader(&fakeReader{}, "subject-changes", testLogger(), func(context.Context, *IncomingMessage) error { return nil })

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Health())
	assert.NoError(t, c.Stop())
}
