package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"anniversary-notifier/pkg/circuitbreaker"
	"anniversary-notifier/pkg/metrics"
	"anniversary-notifier/pkg/trace"
)

const IdempotencyHeader = "Idempotency-Key"

// ErrRejected matches every non-2xx answer from the sink.
var ErrRejected = errors.New("sink rejected message")

// Message is the body the email sink expects.
type Message struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

// StatusError carries the sink's non-2xx answer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sink returned %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool { return target == ErrRejected }

// Retryable reports whether a later attempt may succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

type Config struct {
	URL        string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Breaker    circuitbreaker.Config
}

type Client struct {
	url     string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		url:     cfg.URL,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.NewCircuitBreaker(cfg.Breaker),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger,
	}
}

// Send posts msg once. Success means a 2xx answer; everything else,
// including an open breaker, is an error.
func (c *Client) Send(ctx context.Context, idempotencyKey string, msg Message) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sink rate limit: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal sink message: %w", err)
	}

	start := time.Now()
	status := "error"
	err = c.breaker.Execute(func() error {
		code, err := c.post(ctx, idempotencyKey, body)
		if code > 0 {
			status = strconv.Itoa(code)
		}
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		status = "breaker_open"
	}
	metrics.RecordSinkCallLatency(status, time.Since(start))

	if err != nil {
		c.logger.Warn("Sink call failed",
			zap.String("idempotency_key", idempotencyKey),
			zap.String("status", status),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (c *Client) post(ctx context.Context, idempotencyKey string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build sink request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, idempotencyKey)
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName(), traceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post to sink: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
}
