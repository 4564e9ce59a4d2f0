package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type cancelRecorder struct {
	mu   sync.Mutex
	tags []string
	err  error
}

func (r *cancelRecorder) cancel(tag string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tag)
	return r.err
}

func (r *cancelRecorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tags...)
}

func newTestConsumer(rec *cancelRecorder) *Consumer {
	return &Consumer{
		queue:  amqp091.Queue{Name: "occurrence.due.q"},
		tag:    "occurrence.due.q-1",
		logger: zap.NewNop(),
		cancel: rec.cancel,
	}
}

func TestShutdownCancelsSubscription(t *testing.T) {
	rec := &cancelRecorder{}
	c := newTestConsumer(rec)

	ctx, cancel := context.WithCancel(context.Background())
	release := c.stopWhenDone(ctx)
	defer release()
	require.Empty(t, rec.calls())

	cancel()
	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"occurrence.due.q-1"}, rec.calls())
}

func TestReleasedWatcherDoesNotCancel(t *testing.T) {
	rec := &cancelRecorder{}
	c := newTestConsumer(rec)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, c.stopWhenDone(ctx)())
	cancel()

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, rec.calls())
}

func TestStopToleratesCancelError(t *testing.T) {
	rec := &cancelRecorder{err: errors.New("channel closed")}
	c := newTestConsumer(rec)

	c.Stop()
	require.Len(t, rec.calls(), 1)

	(&Consumer{logger: zap.NewNop()}).Stop()
}
