package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type remoteErr struct{ retry bool }

func (e remoteErr) Error() string   { return "remote" }
func (e remoteErr) Retryable() bool { return e.retry }

func TestIsRetryableError(t *testing.T) {
	var syntaxErr error
	syntaxErr = json.Unmarshal([]byte("{"), &struct{}{})

	tests := []struct {
		name      string
		err       error
		retryable bool
		errType   string
	}{
		{"nil", nil, false, ""},
		{"json", syntaxErr, false, "json_decode_error"},
		{"no rows", fmt.Errorf("get status: %w", pgx.ErrNoRows), false, "not_found"},
		{"unique", &pgconn.PgError{Code: "23505"}, false, "duplicate_key"},
		{"serialization", &pgconn.PgError{Code: "40001"}, true, "serialization_failure"},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true, "db_unavailable"},
		{"remote retryable", fmt.Errorf("send: %w", remoteErr{retry: true}), true, "remote_error"},
		{"remote rejected", remoteErr{retry: false}, false, "remote_rejected"},
		{"deadline", context.DeadlineExceeded, true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"url", &url.Error{Op: "Post", URL: "http://x", Err: errors.New("refused")}, true, "network_error"},
		{"other", errors.New("boom"), false, "unknown_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, errType := IsRetryableError(tt.err)
			require.Equal(t, tt.retryable, retryable)
			require.Equal(t, tt.errType, errType)
		})
	}
}

func TestBackoff(t *testing.T) {
	base := time.Minute
	max := time.Hour

	require.Equal(t, time.Minute, Backoff(0, base, max))
	require.Equal(t, time.Minute, Backoff(1, base, max))
	require.Equal(t, 2*time.Minute, Backoff(2, base, max))
	require.Equal(t, 16*time.Minute, Backoff(5, base, max))
	require.Equal(t, time.Hour, Backoff(7, base, max))
	require.Equal(t, time.Hour, Backoff(500, base, max))
}

func TestFormatRetryKey(t *testing.T) {
	require.Equal(t, "retry:notify:u:e:2026", FormatRetryKey("notify", "u:e:2026"))
}
