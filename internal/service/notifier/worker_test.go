package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "anniversary-notifier/contracts/mq"
	"anniversary-notifier/internal/model"
	"anniversary-notifier/internal/service/dispatch"
	"anniversary-notifier/internal/service/guard"
	"anniversary-notifier/internal/service/servicetest"
	"anniversary-notifier/internal/sink"
	"anniversary-notifier/pkg/util"
)

type scriptedSender struct {
	mu      sync.Mutex
	results []error
	sent    []sink.Message
	keys    []string
}

func (s *scriptedSender) Send(_ context.Context, key string, msg sink.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if len(s.results) > 0 {
		err, s.results = s.results[0], s.results[1:]
	}
	if err == nil {
		s.sent = append(s.sent, msg)
		s.keys = append(s.keys, key)
	}
	return err
}

func (s *scriptedSender) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type memLease struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLease) AcquireOnce(_ context.Context, scope, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[scope+key] {
		return false
	}
	l.held[scope+key] = true
	return true
}

func (l *memLease) Release(_ context.Context, scope, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, scope+key)
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (c *memCounter) IncrementAndGet(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int64{}
	}
	c.counts[key]++
	return c.counts[key], nil
}

func (c *memCounter) value(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

func (c *memCounter) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
	return nil
}

type fixture struct {
	store   *servicetest.Store
	sender  *scriptedSender
	lease   *memLease
	counter *memCounter
	worker  *Worker
	event   *model.RecurringEvent
	msg     mqcontracts.OccurrenceDuePayload
}

func newFixture(t *testing.T, kind model.EventKind, results ...error) *fixture {
	t.Helper()
	store := servicetest.NewStore()
	u := &model.User{ID: uuid.New(), Email: "dewi@example.com", FirstName: "Dewi", LastName: "Lestari", Timezone: "Asia/Jakarta"}
	events := store.AddUser(u, map[model.EventKind]string{kind: "1990-01-01"})

	occ := model.Occurrence{
		UserID: u.ID, EventID: events[0].ID, Kind: kind, Year: 2026,
		Email: u.Email, FirstName: u.FirstName, LastName: u.LastName,
		Timezone: u.Timezone, EventDate: events[0].EventDate,
	}
	_, err := store.TryClaim(context.Background(), u.ID, events[0].ID, 2026, time.Hour)
	require.NoError(t, err)

	sender := &scriptedSender{results: results}
	lease := &memLease{}
	counter := &memCounter{}
	w := NewWorker(
		guard.NewGuard(store, time.Hour, zap.NewNop()),
		sender,
		lease,
		counter,
		store.Events(),
		Config{TargetHour: 9, RetryBaseDelay: time.Minute, RetryMaxDelay: time.Hour, MaxAttempts: 3},
		zap.NewNop(),
	)
	w.now = func() time.Time { return time.Date(2026, 1, 1, 2, 1, 0, 0, time.UTC) }

	return &fixture{
		store:   store,
		sender:  sender,
		lease:   lease,
		counter: counter,
		worker:  w,
		event:   events[0],
		msg:     dispatch.ToPayload(occ, "trace-1", time.Now()),
	}
}

func (f *fixture) status(t *testing.T) model.SentStatus {
	t.Helper()
	row, ok := f.store.SentLog(f.event.UserID, f.event.ID, 2026)
	require.True(t, ok)
	return row.Status
}

func TestHandleFailureThenSuccess(t *testing.T) {
	f := newFixture(t, model.KindBirthday, &sink.StatusError{StatusCode: 500}, nil)
	ctx := context.Background()

	out := f.worker.Handle(ctx, f.msg)
	require.Equal(t, Retry, out.Kind)
	require.Equal(t, time.Minute, out.Delay)
	require.Equal(t, model.StatusFailed, f.status(t))

	out = f.worker.Handle(ctx, f.msg)
	require.Equal(t, Success, out.Kind)
	require.Equal(t, model.StatusSent, f.status(t))

	row, _ := f.store.SentLog(f.event.UserID, f.event.ID, 2026)
	require.Equal(t, 2, row.Attempts)
	require.Equal(t, 1, f.store.SentLogCount(f.event.UserID, f.event.ID))

	require.Equal(t, 1, f.sender.calls())
	require.Equal(t, "Hey, Dewi Lestari it's your birthday", f.sender.sent[0].Message)
	require.Equal(t, "dewi@example.com", f.sender.sent[0].Email)
	require.Equal(t, model.OccurrenceKey(f.event.UserID, f.event.ID, 2026), f.sender.keys[0])

	// redelivery after success sends nothing
	out = f.worker.Handle(ctx, f.msg)
	require.Equal(t, Success, out.Kind)
	require.Equal(t, "already sent", out.Reason)
	require.Equal(t, 1, f.sender.calls())
}

func TestHandleAdvancesNextTrigger(t *testing.T) {
	f := newFixture(t, model.KindAnniversary)

	out := f.worker.Handle(context.Background(), f.msg)
	require.Equal(t, Success, out.Kind)
	require.Equal(t, "Hey, Dewi Lestari it's your anniversary!", f.sender.sent[0].Message)

	e, err := f.store.Events().GetByID(context.Background(), f.event.ID)
	require.NoError(t, err)
	require.True(t, time.Date(2027, 1, 1, 2, 0, 0, 0, time.UTC).Equal(e.NextNotifyAt))
	require.Equal(t, 2, e.Version)
}

func TestHandleBackoffAndGiveUp(t *testing.T) {
	boom := errors.New("connection refused")
	f := newFixture(t, model.KindBirthday, boom, boom, boom)
	ctx := context.Background()

	require.Equal(t, Outcome{Kind: Retry, Delay: time.Minute, Reason: boom.Error()}, f.worker.Handle(ctx, f.msg))
	require.Equal(t, 2*time.Minute, f.worker.Handle(ctx, f.msg).Delay)

	out := f.worker.Handle(ctx, f.msg)
	require.Equal(t, Fatal, out.Kind)
	require.Equal(t, model.StatusFailed, f.status(t))
}

func TestHandleRestartsBackoffAfterReclaim(t *testing.T) {
	boom := errors.New("connection refused")
	f := newFixture(t, model.KindBirthday, boom, boom, boom, boom, nil)
	ctx := context.Background()
	counterKey := util.FormatRetryKey(leaseScope, model.OccurrenceKey(f.event.UserID, f.event.ID, 2026))

	f.worker.Handle(ctx, f.msg)
	f.worker.Handle(ctx, f.msg)
	require.Equal(t, Fatal, f.worker.Handle(ctx, f.msg).Kind)
	require.Zero(t, f.counter.value(counterKey))

	// the failed row is picked up again by a catch-up pass
	res, err := f.store.TryClaim(ctx, f.event.UserID, f.event.ID, 2026, -time.Hour)
	require.NoError(t, err)
	require.True(t, res.Reclaimed)
	require.Equal(t, model.StatusPending, f.status(t))

	require.Equal(t, Outcome{Kind: Retry, Delay: time.Minute, Reason: boom.Error()}, f.worker.Handle(ctx, f.msg))
	require.Equal(t, Success, f.worker.Handle(ctx, f.msg).Kind)
	require.Equal(t, model.StatusSent, f.status(t))
}

func TestHandleDeadLettersPermanentRejection(t *testing.T) {
	f := newFixture(t, model.KindBirthday, &sink.StatusError{StatusCode: 400, Body: "invalid email"})

	out := f.worker.Handle(context.Background(), f.msg)
	require.Equal(t, Fatal, out.Kind)
	require.Contains(t, out.Reason, "400")
	require.Equal(t, model.StatusFailed, f.status(t))
	require.Zero(t, f.counter.value(util.FormatRetryKey(leaseScope, model.OccurrenceKey(f.event.UserID, f.event.ID, 2026))))
}

func TestHandleRetriesThrottledSink(t *testing.T) {
	f := newFixture(t, model.KindBirthday, &sink.StatusError{StatusCode: 429})

	out := f.worker.Handle(context.Background(), f.msg)
	require.Equal(t, Retry, out.Kind)
	require.Equal(t, time.Minute, out.Delay)
}

func TestHandleMissingRowIsDropped(t *testing.T) {
	f := newFixture(t, model.KindBirthday)
	f.msg.ProcessYear = 2031

	out := f.worker.Handle(context.Background(), f.msg)
	require.Equal(t, Success, out.Kind)
	require.Zero(t, f.sender.calls())
}

func TestHandleSkipsWhenLeaseHeld(t *testing.T) {
	f := newFixture(t, model.KindBirthday)
	key := model.OccurrenceKey(f.event.UserID, f.event.ID, 2026)
	require.True(t, f.lease.AcquireOnce(context.Background(), leaseScope, key))

	out := f.worker.Handle(context.Background(), f.msg)
	require.Equal(t, Success, out.Kind)
	require.Equal(t, "lease held", out.Reason)
	require.Zero(t, f.sender.calls())
	require.Equal(t, model.StatusPending, f.status(t))
}

func TestHandleFinalizeFailureIsRetried(t *testing.T) {
	f := newFixture(t, model.KindBirthday)
	f.store.FailFinalize = errors.New("db down")

	out := f.worker.Handle(context.Background(), f.msg)
	require.Equal(t, Retry, out.Kind)
	require.Equal(t, "finalize sent failed", out.Reason)

	// the lease is released so the redelivery can proceed
	key := model.OccurrenceKey(f.event.UserID, f.event.ID, 2026)
	require.True(t, f.lease.AcquireOnce(context.Background(), leaseScope, key))
}

func TestHandleMalformedIDs(t *testing.T) {
	f := newFixture(t, model.KindBirthday)
	f.msg.UserID = "not-a-uuid"

	require.Equal(t, Fatal, f.worker.Handle(context.Background(), f.msg).Kind)
}

func TestHandleUnknownKindFails(t *testing.T) {
	f := newFixture(t, model.KindBirthday)
	f.msg.EventType = "graduation"

	out := f.worker.Handle(context.Background(), f.msg)
	require.Equal(t, Fatal, out.Kind)
	require.Equal(t, model.StatusFailed, f.status(t))
	require.Zero(t, f.sender.calls())
}

func TestRender(t *testing.T) {
	msg, err := Render(model.KindBirthday, "Ada", "Lovelace")
	require.NoError(t, err)
	require.Equal(t, "Hey, Ada Lovelace it's your birthday", msg)

	msg, err = Render(model.KindAnniversary, "Ada", "Lovelace")
	require.NoError(t, err)
	require.Equal(t, "Hey, Ada Lovelace it's your anniversary!", msg)

	_, err = Render("graduation", "Ada", "Lovelace")
	require.Error(t, err)
}
