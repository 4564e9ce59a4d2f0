package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"anniversary-notifier/internal/model"
	"anniversary-notifier/internal/service/scheduler"
	"anniversary-notifier/pkg/logger"
	"anniversary-notifier/pkg/outbox"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

type Scanner interface {
	Tick(ctx context.Context, now time.Time) (scheduler.TickReport, error)
}

type UpcomingLister interface {
	ListUpcoming(ctx context.Context, from, to time.Time, limit int) ([]model.UpcomingEvent, error)
}

type FailedLister interface {
	ListFailed(ctx context.Context, limit int) ([]model.SentLog, error)
}

type Replayer interface {
	ReplayFailed(ctx context.Context, limit int) (int, error)
}

type OutboxAdmin interface {
	GetFailedEvents(ctx context.Context, limit int) ([]*outbox.Event, error)
	ReplayEvent(ctx context.Context, eventID int64) error
}

type AdminHandler struct {
	scanner  Scanner
	upcoming UpcomingLister
	failed   FailedLister
	replayer Replayer
	outbox   OutboxAdmin
	logger   *zap.Logger
	now      func() time.Time
}

func NewAdminHandler(
	scanner Scanner,
	upcoming UpcomingLister,
	failed FailedLister,
	replayer Replayer,
	outboxAdmin OutboxAdmin,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		scanner:  scanner,
		upcoming: upcoming,
		failed:   failed,
		replayer: replayer,
		outbox:   outboxAdmin,
		logger:   logger,
		now:      time.Now,
	}
}

// TriggerScan 立即执行一次扫描
// POST /admin/scan?at=2025-03-01T02:00:00Z
func (h *AdminHandler) TriggerScan(c *gin.Context) {
	at := h.now()
	if raw := c.Query("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid at parameter, want RFC3339"})
			return
		}
		at = parsed
	}

	report, err := h.scanner.Tick(c.Request.Context(), at)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Manual scan failed",
			zap.Time("at", at),
			zap.Error(err),
		)
		// 部分 bucket 可能已经成功，报告照样返回
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "scan failed",
			"details": err.Error(),
			"report":  report,
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// ListUpcoming GET /admin/events/upcoming?within=24h&limit=100
func (h *AdminHandler) ListUpcoming(c *gin.Context) {
	within := 24 * time.Hour
	if raw := c.Query("within"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid within parameter"})
			return
		}
		within = d
	}
	limit := queryLimit(c)

	from := h.now()
	events, err := h.upcoming.ListUpcoming(c.Request.Context(), from, from.Add(within), limit)
	if err != nil {
		h.internalError(c, "failed to list upcoming events", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"from":   from,
		"to":     from.Add(within),
		"events": events,
	})
}

// ListFailedOccurrences GET /admin/occurrences/failed?limit=100
func (h *AdminHandler) ListFailedOccurrences(c *gin.Context) {
	rows, err := h.failed.ListFailed(c.Request.Context(), queryLimit(c))
	if err != nil {
		h.internalError(c, "failed to list failed occurrences", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"occurrences": rows})
}

// ReplayFailedOccurrences 把 failed 的 occurrence 重新入队
// POST /admin/occurrences/replay-failed?limit=100
func (h *AdminHandler) ReplayFailedOccurrences(c *gin.Context) {
	limit := queryLimit(c)
	n, err := h.replayer.ReplayFailed(c.Request.Context(), limit)
	if err != nil {
		h.internalError(c, "failed to replay occurrences", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "completed",
		"replayed": n,
		"limit":    limit,
	})
}

// ListFailedOutbox GET /admin/outbox/failed?limit=100
func (h *AdminHandler) ListFailedOutbox(c *gin.Context) {
	events, err := h.outbox.GetFailedEvents(c.Request.Context(), queryLimit(c))
	if err != nil {
		h.internalError(c, "failed to list outbox events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ReplayOutboxEvent 重放指定的 Outbox 事件
// POST /admin/outbox/:id/replay
func (h *AdminHandler) ReplayOutboxEvent(c *gin.Context) {
	eventID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id parameter"})
		return
	}

	if err := h.outbox.ReplayEvent(c.Request.Context(), eventID); err != nil {
		if errors.Is(err, outbox.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no failed outbox event with this id"})
			return
		}
		h.internalError(c, "failed to replay event", err)
		return
	}

	logger.WithTrace(c.Request.Context(), h.logger).Info("Outbox event replayed", zap.Int64("event_id", eventID))
	c.JSON(http.StatusOK, gin.H{
		"status":   "replayed",
		"event_id": eventID,
	})
}

func (h *AdminHandler) internalError(c *gin.Context, msg string, err error) {
	logger.WithTrace(c.Request.Context(), h.logger).Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	return min(limit, maxLimit)
}
