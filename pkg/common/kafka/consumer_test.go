package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/fdm/pkg/common/models"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) == 0 {
		r.mu.Unlock()
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	r.mu.Unlock()
	return m, nil
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

func message(t *testing.T, offset int64, id string) kafka.Message {
	t.Helper()
	b, err := json.Marshal(models.Event{ID: id, Type: models.EventBuildRequested})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func testConsumer(r *fakeReader) *Consumer {
	c := newConsumer(r)
	c.backoff = time.Millisecond
	c.maxBackoff = 2 * time.Millisecond
	return c
}

func TestConsumeRetriesFailedMessageBeforeMovingOn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &fakeReader{
		msgs: []kafka.Message{
			message(t, 0, "busy"),
			{Offset: 1, Value: []byte("not json")},
			message(t, 2, "ok"),
		},
		cancel: cancel,
	}

	attempts := map[string]int{}
	var order []string
	err := testConsumer(r).Consume(ctx, func(_ context.Context, e models.Event) error {
		attempts[e.ID]++
		order = append(order, e.ID)
		if e.ID == "busy" && attempts[e.ID] < 3 {
			return errors.New("namespace busy")
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, attempts["busy"])
	assert.Equal(t, 1, attempts["ok"])
	assert.Equal(t, []string{"busy", "busy", "busy", "ok"}, order)
	assert.Equal(t, []int64{0, 1, 2}, r.committed)
}

func TestConsumeLeavesMessageUncommittedWhenStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &fakeReader{msgs: []kafka.Message{message(t, 7, "stuck")}, cancel: cancel}

	calls := 0
	err := testConsumer(r).Consume(ctx, func(context.Context, models.Event) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("still busy")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, calls)
	assert.Empty(t, r.committed)
}
