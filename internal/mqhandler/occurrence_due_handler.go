package mqhandler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	mqcontracts "anniversary-notifier/contracts/mq"
	"anniversary-notifier/internal/service/notifier"
	"anniversary-notifier/pkg/mq"
	"anniversary-notifier/pkg/trace"
)

type Deliverer interface {
	Handle(ctx context.Context, msg mqcontracts.OccurrenceDuePayload) notifier.Outcome
}

type OccurrenceDueHandler struct {
	worker Deliverer
	logger *zap.Logger
}

func NewOccurrenceDueHandler(worker Deliverer, logger *zap.Logger) *OccurrenceDueHandler {
	return &OccurrenceDueHandler{
		worker: worker,
		logger: logger,
	}
}

// HandleOccurrenceDue -- 解析消息并把 worker 的结果映射成 ack / 延迟重投 / 死信
func (h *OccurrenceDueHandler) HandleOccurrenceDue(ctx context.Context, raw json.RawMessage) mq.Outcome {
	var p mqcontracts.OccurrenceDuePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal occurrence payload", zap.Error(err))
		return mq.DeadLetter("malformed payload: " + err.Error())
	}
	if err := p.Validate(); err != nil {
		h.logger.Error("Invalid occurrence payload",
			zap.String("user_id", p.UserID),
			zap.String("event_id", p.EventID),
			zap.Error(err),
		)
		return mq.DeadLetter(err.Error())
	}

	// header 里没有 trace_id 时用 payload 里的
	if trace.FromContext(ctx) == "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}

	return ToMQOutcome(h.worker.Handle(ctx, p))
}

func ToMQOutcome(out notifier.Outcome) mq.Outcome {
	switch out.Kind {
	case notifier.Success:
		return mq.Ack()
	case notifier.Retry:
		return mq.Retry(out.Delay, out.Reason)
	default:
		return mq.DeadLetter(out.Reason)
	}
}
