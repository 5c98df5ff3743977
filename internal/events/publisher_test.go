package events

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/prisma-review-service/internal/config"
	"github.com/helixir/prisma-review-service/internal/domain"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func newEvent(t *testing.T, reviewID int64) *domain.Event {
	t.Helper()
	e, err := domain.NewEvent(domain.EventTypeStudiesDeduplicated, reviewID, domain.StudiesDeduplicatedPayload{
		ReviewID: reviewID, Method: domain.DedupMethodExternalID, Duplicates: 3,
	})
	require.NoError(t, err)
	return e.WithOwner("alice")
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, zerolog.Nop())

	e1, e2 := newEvent(t, 7), newEvent(t, 8)
	require.NoError(t, p.Publish(context.Background(), e1, e2))

	require.Len(t, w.msgs, 2)
	msg := w.msgs[0]
	assert.Equal(t, []byte("7"), msg.Key)
	assert.JSONEq(t, `{"review_id":7,"method":"external_id","duplicates":3}`, string(msg.Value))
	assert.Equal(t, e1.EventID, header(msg, HeaderEventID))
	assert.Equal(t, domain.EventTypeStudiesDeduplicated, header(msg, HeaderEventType))
	assert.Equal(t, "1", header(msg, HeaderEventVersion))
	assert.Equal(t, "alice", header(msg, HeaderOwner))
	assert.Equal(t, "prisma-review-service", header(msg, HeaderSource))
	assert.Equal(t, []byte("8"), w.msgs[1].Key)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_Errors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unreachable")}
	p := NewKafkaPublisher(w, zerolog.Nop())

	err := p.Publish(context.Background(), newEvent(t, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")

	assert.NoError(t, p.Publish(context.Background()), "nothing to publish")
}

func TestNew(t *testing.T) {
	p := New(config.KafkaConfig{Enabled: false}, zerolog.Nop())
	assert.IsType(t, NopPublisher{}, p)
	assert.NoError(t, p.Publish(context.Background(), newEvent(t, 1)))
	assert.NoError(t, p.Close())

	p = New(config.KafkaConfig{Enabled: true, Brokers: []string{"localhost:9092"}, Topic: "events"}, zerolog.Nop())
	kp, ok := p.(*KafkaPublisher)
	require.True(t, ok)
	writer, ok := kp.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "events", writer.Topic)
	assert.Equal(t, "localhost:9092", writer.Addr.String())
	require.NoError(t, p.Close())
}
