package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"anniversary-notifier/internal/model"
	"anniversary-notifier/internal/service/discovery"
	"anniversary-notifier/internal/service/dispatch"
	"anniversary-notifier/internal/service/guard"
	"anniversary-notifier/internal/service/servicetest"
	"anniversary-notifier/internal/timezone"
)

type harness struct {
	store     *servicetest.Store
	publisher *servicetest.Publisher
	scheduler *Scheduler
}

func newHarness(t *testing.T, zones ...string) *harness {
	t.Helper()
	catalog, err := timezone.NewStaticCatalog(zones...)
	require.NoError(t, err)

	log := zap.NewNop()
	store := servicetest.NewStore()
	pub := &servicetest.Publisher{}
	s := NewScheduler(
		timezone.NewScanner(catalog, 2),
		discovery.NewDiscoverer(store.Events(), log),
		guard.NewGuard(store, time.Hour, log),
		dispatch.NewDispatcher(pub, &servicetest.Outbox{}, 100, log),
		9,
		4,
		log,
	)
	return &harness{store: store, publisher: pub, scheduler: s}
}

func (h *harness) addUser(tz, birthday string) *model.User {
	u := &model.User{ID: uuid.New(), Email: "a@example.com", FirstName: "Budi", LastName: "Santoso", Timezone: tz}
	h.store.AddUser(u, map[model.EventKind]string{model.KindBirthday: birthday})
	return u
}

func TestTickNotifiesOnceAtTargetHour(t *testing.T) {
	h := newHarness(t, "Asia/Jakarta", "Europe/London")
	u := h.addUser("Asia/Jakarta", "1990-01-01")
	h.addUser("Europe/London", "1990-01-01")
	ctx := context.Background()

	// 09:00 in Jakarta
	report, err := h.scheduler.Tick(ctx, time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, report.ActiveZones)
	require.Equal(t, 1, report.Claimed)
	require.Equal(t, 1, report.Published)
	require.NotEmpty(t, report.TraceID)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, u.ID.String(), msgs[0].UserID)
	require.Equal(t, 2026, msgs[0].ProcessYear)
	require.Equal(t, report.TraceID, msgs[0].TraceID)

	// a later tick in the same hour finds the claim
	report, err = h.scheduler.Tick(ctx, time.Date(2026, 1, 1, 2, 15, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, report.Discovered)
	require.Zero(t, report.Claimed)
	require.Len(t, h.publisher.Messages(), 1)
}

func TestTickCatchUpAfterMissedHour(t *testing.T) {
	h := newHarness(t, "Asia/Jakarta", "Asia/Tokyo")
	jakarta := h.addUser("Asia/Jakarta", "1990-01-01")
	h.addUser("Asia/Tokyo", "1990-01-01")

	// 10:00 Jakarta (H+1), 12:00 Tokyo (H+3): only Jakarta is recovered.
	report, err := h.scheduler.Tick(context.Background(), time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Zero(t, report.ActiveZones)
	require.Equal(t, 1, report.CatchUpZones)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, jakarta.ID.String(), msgs[0].UserID)
}

func TestTickDateLineBuckets(t *testing.T) {
	h := newHarness(t, "Pacific/Honolulu", "Pacific/Kiritimati")
	honolulu := h.addUser("Pacific/Honolulu", "1990-03-01")
	kiritimati := h.addUser("Pacific/Kiritimati", "1990-03-02")
	h.addUser("Pacific/Kiritimati", "1990-03-01")

	report, err := h.scheduler.Tick(context.Background(), time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 2, report.Buckets)

	var users []string
	for _, m := range h.publisher.Messages() {
		users = append(users, m.UserID)
	}
	require.ElementsMatch(t, []string{honolulu.ID.String(), kiritimati.ID.String()}, users)
}

func TestTickLeapDayInNonLeapYear(t *testing.T) {
	h := newHarness(t, "Asia/Jakarta")
	leapling := h.addUser("Asia/Jakarta", "2000-02-29")

	report, err := h.scheduler.Tick(context.Background(), time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, report.Published)
	require.Equal(t, leapling.ID.String(), h.publisher.Messages()[0].UserID)

	// 2028 is a leap year: Mar 1 is not the leapling's day
	report, err = h.scheduler.Tick(context.Background(), time.Date(2028, 3, 1, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Zero(t, report.Discovered)
}

func TestConcurrentTicksEnqueueOnce(t *testing.T) {
	h := newHarness(t, "Asia/Jakarta")
	h.addUser("Asia/Jakarta", "1990-01-01")
	now := time.Date(2026, 1, 1, 2, 5, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.scheduler.Tick(context.Background(), now)
		}()
	}
	wg.Wait()

	require.Len(t, h.publisher.Messages(), 1)
}

func TestTickWithNoActiveZones(t *testing.T) {
	h := newHarness(t, "Asia/Jakarta")
	h.addUser("Asia/Jakarta", "1990-01-01")

	report, err := h.scheduler.Tick(context.Background(), time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Zero(t, report.Buckets)
	require.Empty(t, h.publisher.Messages())
}

func TestTickReportsClaimErrors(t *testing.T) {
	h := newHarness(t, "Asia/Jakarta")
	h.addUser("Asia/Jakarta", "1990-01-01")
	h.store.FailClaims = context.DeadlineExceeded

	_, err := h.scheduler.Tick(context.Background(), time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, h.publisher.Messages())
}

func TestRegisterRejectsBadSpec(t *testing.T) {
	h := newHarness(t, "UTC")
	c := NewCron(zap.NewNop())

	_, err := h.scheduler.Register(context.Background(), c, "not a spec")
	require.Error(t, err)

	_, err = h.scheduler.Register(context.Background(), c, "@every 15m")
	require.NoError(t, err)
	require.Len(t, c.Entries(), 1)
}
