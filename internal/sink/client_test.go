package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"anniversary-notifier/pkg/circuitbreaker"
	"anniversary-notifier/pkg/trace"
	"anniversary-notifier/pkg/util"
)

func TestSendPostsMessageWithHeaders(t *testing.T) {
	var got Message
	var key, traceID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		key = r.Header.Get(IdempotencyHeader)
		traceID = r.Header.Get("X-Trace-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, Timeout: time.Second}, zap.NewNop())
	ctx := trace.WithContext(context.Background(), "trace-42")

	err := c.Send(ctx, "u:e:2026", Message{Email: "a@example.com", Message: "Hey, A B it's your birthday"})
	require.NoError(t, err)
	require.Equal(t, "u:e:2026", key)
	require.Equal(t, "trace-42", traceID)
	require.Equal(t, "a@example.com", got.Email)
	require.Equal(t, "Hey, A B it's your birthday", got.Message)
}

func TestSendNon2xxIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewClient(Config{URL: srv.URL}, zap.NewNop()).Send(context.Background(), "k", Message{})
	require.ErrorIs(t, err, ErrRejected)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	require.Equal(t, "upstream down", statusErr.Body)

	retryable, kind := util.IsRetryableError(err)
	require.True(t, retryable)
	require.Equal(t, "remote_error", kind)
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := NewClient(Config{URL: srv.URL, Timeout: 50 * time.Millisecond}, zap.NewNop()).Send(context.Background(), "k", Message{})
	require.Error(t, err)
	retryable, _ := util.IsRetryableError(err)
	require.True(t, retryable)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{
		URL:     srv.URL,
		Breaker: circuitbreaker.Config{FailureThreshold: 2, OpenTimeout: time.Hour},
	}, zap.NewNop())

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, c.Send(context.Background(), "k", Message{}), ErrRejected)
	}
	require.ErrorIs(t, c.Send(context.Background(), "k", Message{}), circuitbreaker.ErrOpen)
	require.Equal(t, int32(2), calls.Load())
}

func TestStatusErrorRetryable(t *testing.T) {
	require.True(t, (&StatusError{StatusCode: 503}).Retryable())
	require.True(t, (&StatusError{StatusCode: 429}).Retryable())
	require.False(t, (&StatusError{StatusCode: 400}).Retryable())
}
