package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"anniversary-notifier/pkg/trace"
)

type fakeStore struct {
	due     []*Event
	sent    []int64
	failed  []int64
	claimed int
}

func (s *fakeStore) ClaimDue(_ context.Context, limit int, _ time.Duration) ([]*Event, error) {
	s.claimed = limit
	out := s.due
	s.due = nil
	return out, nil
}

func (s *fakeStore) MarkAsSent(_ context.Context, id int64) error {
	s.sent = append(s.sent, id)
	return nil
}

func (s *fakeStore) MarkAsFailed(_ context.Context, e *Event, maxRetries int) error {
	s.failed = append(s.failed, e.ID)
	e.RetryCount++
	if e.RetryCount >= maxRetries {
		e.Status = StatusFailed
	}
	return nil
}

type fakePublisher struct {
	failKeys map[string]bool
	traces   []string
	bodies   [][]byte
}

func (p *fakePublisher) PublishRaw(ctx context.Context, routingKey string, body []byte) error {
	if p.failKeys[routingKey] {
		return errors.New("channel closed")
	}
	p.traces = append(p.traces, trace.FromContext(ctx))
	p.bodies = append(p.bodies, body)
	return nil
}

func TestRelayProcessOnce(t *testing.T) {
	store := &fakeStore{due: []*Event{
		{ID: 1, RoutingKey: "occurrence.due", Payload: json.RawMessage(`{"trace_id":"t-1"}`), Status: StatusPending},
		{ID: 2, RoutingKey: "broken", Payload: json.RawMessage(`{}`), Status: StatusPending},
		{ID: 3, RoutingKey: "occurrence.due", Payload: json.RawMessage(`[]`), Status: StatusPending},
	}}
	pub := &fakePublisher{failKeys: map[string]bool{"broken": true}}

	relay := NewRelay(store, pub, zap.NewNop()).WithBatchSize(50)
	sent := relay.ProcessOnce(context.Background())

	require.Equal(t, 2, sent)
	require.Equal(t, 50, store.claimed)
	require.Equal(t, []int64{1, 3}, store.sent)
	require.Equal(t, []int64{2}, store.failed)
	require.Equal(t, []string{"t-1", ""}, pub.traces)
	require.JSONEq(t, `{"trace_id":"t-1"}`, string(pub.bodies[0]))
}

func TestRelayGivesUpAfterMaxRetries(t *testing.T) {
	event := &Event{ID: 9, RoutingKey: "broken", Payload: json.RawMessage(`{}`), Status: StatusPending, RetryCount: 1}
	store := &fakeStore{due: []*Event{event}}
	pub := &fakePublisher{failKeys: map[string]bool{"broken": true}}

	NewRelay(store, pub, zap.NewNop()).WithMaxRetries(2).ProcessOnce(context.Background())

	require.Equal(t, StatusFailed, event.Status)
	require.Empty(t, store.sent)
}

func TestRetryDelay(t *testing.T) {
	require.Equal(t, 5*time.Second, RetryDelay(0))
	require.Equal(t, 5*time.Second, RetryDelay(1))
	require.Equal(t, 15*time.Second, RetryDelay(3))
}
