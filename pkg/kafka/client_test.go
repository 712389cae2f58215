package kafka

import (
	"compliance-chat-go/pkg/events"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommitter struct{ committed []kafka.Message }

func (f *fakeCommitter) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.committed = append(f.committed, msgs...)
	return nil
}

type memAttempts struct {
	counts map[string]int64
	err    error
}

func newMemAttempts() *memAttempts { return &memAttempts{counts: map[string]int64{}} }

func (m *memAttempts) Incr(_ context.Context, id string) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.counts[id]++
	return m.counts[id], nil
}

func (m *memAttempts) Reset(_ context.Context, id string) error {
	delete(m.counts, id)
	return nil
}

type processorFunc func(ctx context.Context, ev events.ConversationEvent) error

func (f processorFunc) Process(ctx context.Context, ev events.ConversationEvent) error {
	return f(ctx, ev)
}

func encode(t *testing.T, ev events.ConversationEvent) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(ev.ConversationID), Value: b}
}

func TestHandleMessage_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	c := &fakeCommitter{}
	att := newMemAttempts()
	att.counts["e1"] = 2

	var got events.ConversationEvent
	ev := events.New(events.ConversationCreated, "c1", "acme", "u1", "")
	ev.EventID = "e1"
	handleMessage(ctx, c, encode(t, ev), processorFunc(func(_ context.Context, e events.ConversationEvent) error {
		got = e
		return nil
	}), att)

	assert.Len(t, c.committed, 1)
	assert.Equal(t, "c1", got.ConversationID)
	assert.NotContains(t, att.counts, "e1")
}

func TestHandleMessage_RetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	c := &fakeCommitter{}
	att := newMemAttempts()
	ev := events.New(events.ConversationDeleted, "c1", "acme", "u1", "")
	msg := encode(t, ev)
	fail := processorFunc(func(context.Context, events.ConversationEvent) error { return errors.New("db down") })

	for i := 1; i < MaxAttempts; i++ {
		handleMessage(ctx, c, msg, fail, att)
		assert.Empty(t, c.committed, "attempt %d should not commit", i)
	}
	handleMessage(ctx, c, msg, fail, att)
	assert.Len(t, c.committed, 1)
}

func TestHandleMessage_CounterUnavailableLeavesOffset(t *testing.T) {
	c := &fakeCommitter{}
	att := newMemAttempts()
	att.err = errors.New("redis down")
	ev := events.New(events.ConversationRenamed, "c1", "acme", "u1", "")
	fail := processorFunc(func(context.Context, events.ConversationEvent) error { return errors.New("boom") })

	for i := 0; i < MaxAttempts+1; i++ {
		handleMessage(context.Background(), c, encode(t, ev), fail, att)
	}
	assert.Empty(t, c.committed)
}

func TestHandleMessage_MalformedPayloadIsCommitted(t *testing.T) {
	c := &fakeCommitter{}
	called := false
	handleMessage(context.Background(), c, kafka.Message{Value: []byte("{not json")},
		processorFunc(func(context.Context, events.ConversationEvent) error {
			called = true
			return nil
		}), nil)

	assert.False(t, called)
	assert.Len(t, c.committed, 1)
}
