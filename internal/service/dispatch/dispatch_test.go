package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "anniversary-notifier/contracts/mq"
	"anniversary-notifier/internal/model"
	"anniversary-notifier/internal/service/servicetest"
	"anniversary-notifier/pkg/trace"
)

func occurrences(n int) []model.Occurrence {
	out := make([]model.Occurrence, n)
	for i := range out {
		out[i] = model.Occurrence{
			UserID:    uuid.New(),
			EventID:   uuid.New(),
			Kind:      model.KindBirthday,
			Year:      2026,
			Email:     "u@example.com",
			FirstName: "Sri",
			LastName:  "Wahyuni",
			Timezone:  "Asia/Jakarta",
			EventDate: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return out
}

func TestEnqueueSplitsIntoBatchesOfAtMost100(t *testing.T) {
	pub := &servicetest.Publisher{}
	d := NewDispatcher(pub, &servicetest.Outbox{}, 500, zap.NewNop())

	ctx := trace.WithContext(context.Background(), "tick-1")
	res, err := d.Enqueue(ctx, occurrences(250))
	require.NoError(t, err)
	require.Equal(t, Result{Published: 250}, res)

	require.Len(t, pub.Batches, 3)
	require.Len(t, pub.Batches[0], 100)
	require.Len(t, pub.Batches[1], 100)
	require.Len(t, pub.Batches[2], 50)

	msg := pub.Batches[0][0]
	require.Equal(t, "birthday", msg.EventType)
	require.Equal(t, 2026, msg.ProcessYear)
	require.Equal(t, "1990-01-01", msg.EventDate)
	require.Equal(t, "tick-1", msg.TraceID)
	require.NoError(t, msg.Validate())
}

func TestEnqueueParksWhenBrokerDown(t *testing.T) {
	pub := &servicetest.Publisher{Fail: true}
	box := &servicetest.Outbox{}
	d := NewDispatcher(pub, box, 10, zap.NewNop())

	occs := occurrences(15)
	res, err := d.Enqueue(context.Background(), occs)
	require.NoError(t, err)
	require.Equal(t, Result{Parked: 15}, res)
	require.Len(t, box.Events, 15)

	var parked mqcontracts.OccurrenceDuePayload
	require.NoError(t, json.Unmarshal(box.Events[0].Payload, &parked))
	require.Equal(t, occs[0].UserID.String(), parked.UserID)
	require.Equal(t, mqcontracts.RoutingKeyOccurrenceDue, box.Events[0].RoutingKey)
	require.Equal(t, occs[0].Key(), box.Events[0].AggregateID)
}

func TestEnqueueReturnsErrorWhenParkingFails(t *testing.T) {
	pub := &servicetest.Publisher{Fail: true}
	box := &servicetest.Outbox{Fail: true}
	d := NewDispatcher(pub, box, 100, zap.NewNop())

	_, err := d.Enqueue(context.Background(), occurrences(3))
	require.ErrorIs(t, err, servicetest.ErrBrokerDown)
}

func TestEnqueueNothing(t *testing.T) {
	pub := &servicetest.Publisher{}
	res, err := NewDispatcher(pub, &servicetest.Outbox{}, 0, zap.NewNop()).Enqueue(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, res.Published)
	require.Empty(t, pub.Batches)
}
