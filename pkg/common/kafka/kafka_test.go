package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/curation/pkg/common/models"
)

func TestEncodeDecodeEvent(t *testing.T) {
	msg, event, err := encodeEvent("curation.run.completed", "curation-pipeline", map[string]interface{}{
		"run_id": "run-1",
		"cohort": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", string(msg.Key))
	assert.Equal(t, "curation.run.completed", string(msg.Headers[0].Value))

	decoded, err := decodeEvent(msg)
	require.NoError(t, err)
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, "curation-pipeline", decoded.Source)
	assert.EqualValues(t, 2, decoded.Data["cohort"])
}

func TestEncodeEvent_KeyFallsBackToID(t *testing.T) {
	msg, event, err := encodeEvent("curation.source.ingested", "ingestion", map[string]interface{}{"asset": "sex"})
	require.NoError(t, err)
	assert.Equal(t, event.ID, string(msg.Key))
}

func TestDecodeEvent(t *testing.T) {
	event, err := decodeEvent(kafka.Message{
		Value:   []byte(`{"id":"e1","data":{"asset":"sex"}}`),
		Headers: []kafka.Header{{Key: "event-type", Value: []byte("curation.source.ingested")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "curation.source.ingested", event.Type)

	_, err = decodeEvent(kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
}

func TestConsumerWants(t *testing.T) {
	c := &Consumer{types: map[string]struct{}{"curation.source.ingested": {}}}
	assert.True(t, c.wants("curation.source.ingested"))
	assert.False(t, c.wants("curation.run.completed"))

	all := &Consumer{types: map[string]struct{}{}}
	assert.True(t, all.wants("anything"))
}

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	fetchErrs []error
	committed []int64
	fetches   int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	r.fetches++
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.messages) > 0 {
		m := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func message(t *testing.T, offset int64, eventType string) kafka.Message {
	msg, _, err := encodeEvent(eventType, "ingestion", map[string]interface{}{"asset": "sex"})
	require.NoError(t, err)
	msg.Offset = offset
	return msg
}

func testConsumer(reader *fakeReader) *Consumer {
	return &Consumer{
		reader:     reader,
		types:      map[string]struct{}{"curation.source.ingested": {}},
		minBackoff: time.Millisecond,
		maxBackoff: 4 * time.Millisecond,
	}
}

func TestConsume_RetriesFailedEventBeforeMovingOn(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		message(t, 1, "curation.source.ingested"),
		message(t, 2, "curation.run.completed"),
	}}
	c := testConsumer(reader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(context.Context, models.Event) error {
			calls++
			if calls < 3 {
				return errors.New("pipeline run failed")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int64{1, 2}, reader.commits())
}

func TestConsume_StopsRetryingOnCancel(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{message(t, 7, "curation.source.ingested")}}
	c := testConsumer(reader)

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(context.Context, models.Event) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return errors.New("database unavailable")
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, reader.commits())
}

func TestConsume_BacksOffOnFetchErrors(t *testing.T) {
	reader := &fakeReader{
		fetchErrs: []error{errors.New("broker down"), errors.New("broker down")},
		messages:  []kafka.Message{message(t, 3, "curation.source.ingested")},
	}
	c := testConsumer(reader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(context.Context, models.Event) error { return nil })
	}()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []int64{3}, reader.commits())
}

func TestConsumerBackoff(t *testing.T) {
	c := &Consumer{minBackoff: time.Second, maxBackoff: 5 * time.Second}
	assert.Equal(t, 2*time.Second, c.next(time.Second))
	assert.Equal(t, 5*time.Second, c.next(4*time.Second))
}
