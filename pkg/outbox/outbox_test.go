package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ezreply/pkg/trace"
)

type memStore struct {
	events map[int64]*Event
	failed map[int64]int
}

func newMemStore(events ...*Event) *memStore {
	s := &memStore{events: map[int64]*Event{}, failed: map[int64]int{}}
	for _, e := range events {
		s.events[e.ID] = e
	}
	return s
}

func (s *memStore) GetPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	var out []*Event
	for id := int64(1); id <= int64(len(s.events)) && len(out) < limit; id++ {
		if e, ok := s.events[id]; ok && e.Status == StatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) MarkAsSent(_ context.Context, id int64) error {
	s.events[id].Status = StatusSent
	return nil
}

func (s *memStore) MarkAsFailed(_ context.Context, id int64, maxRetries int) error {
	e := s.events[id]
	e.RetryCount++
	s.failed[id]++
	if e.RetryCount >= maxRetries {
		e.Status = StatusFailed
	}
	return nil
}

func (s *memStore) GetEventByID(_ context.Context, id int64) (*Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	return e, nil
}

func (s *memStore) ResetEvent(_ context.Context, id int64) error {
	e := s.events[id]
	e.Status = StatusPending
	e.RetryCount = 0
	return nil
}

type recordingPublisher struct {
	fail     map[string]bool
	keys     []string
	traceIDs []string
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, _ json.RawMessage) error {
	if p.fail[routingKey] {
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, routingKey)
	p.traceIDs = append(p.traceIDs, trace.FromContext(ctx))
	return nil
}

func event(id int64, key, payload string) *Event {
	return &Event{ID: id, RoutingKey: key, Payload: json.RawMessage(payload), Status: StatusPending}
}

func TestDispatcherPublishesAndMarks(t *testing.T) {
	store := newMemStore(
		event(1, "reply.scheduled", `{"trace_id":"abc"}`),
		event(2, "reply.sent", `{}`),
	)
	pub := &recordingPublisher{}
	d := NewDispatcher(store, pub, zap.NewNop())

	assert.Equal(t, 2, d.ProcessPending(context.Background()))
	assert.Equal(t, []string{"reply.scheduled", "reply.sent"}, pub.keys)
	assert.Equal(t, []string{"abc", ""}, pub.traceIDs)
	assert.Equal(t, StatusSent, store.events[1].Status)
	assert.Equal(t, StatusSent, store.events[2].Status)
}

func TestDispatcherGivesUpAfterMaxRetries(t *testing.T) {
	store := newMemStore(event(1, "reminder.fired", `{}`))
	pub := &recordingPublisher{fail: map[string]bool{"reminder.fired": true}}
	d := NewDispatcher(store, pub, zap.NewNop()).WithMaxRetries(2)

	d.ProcessPending(context.Background())
	assert.Equal(t, StatusPending, store.events[1].Status)
	d.ProcessPending(context.Background())
	assert.Equal(t, StatusFailed, store.events[1].Status)
	assert.Equal(t, 0, d.ProcessPending(context.Background()))
	assert.Equal(t, 2, store.failed[1])
}

func TestReplayResetsFailedEvent(t *testing.T) {
	failed := event(1, "reply.failed", `{}`)
	failed.Status = StatusFailed
	failed.RetryCount = 5
	store := newMemStore(failed)

	got, err := NewReplayService(store).ReplayEvent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, store.events[1].RetryCount)

	_, err = NewReplayService(store).ReplayEvent(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}
