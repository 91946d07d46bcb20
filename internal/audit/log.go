package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes audit events to the structured log.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.With(zap.String("component", "audit"))}
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("conversation_id", ev.ConversationID),
		zap.String("turn_id", ev.TurnID),
	}
	switch ev.Kind {
	case KindVerificationReport:
		if ev.Report == nil {
			break
		}
		fields = append(fields,
			zap.String("cache_key", ev.Report.CacheKey),
			zap.String("status", string(ev.Report.Status)),
			zap.Int("claims", len(ev.Report.Claims)),
			zap.Int("issues", len(ev.Report.Issues)),
		)
		if len(ev.Report.Issues) > 0 {
			p.logger.Warn("verification issues", append(fields, zap.Any("issues", ev.Report.Issues))...)
			return nil
		}
		p.logger.Info("verification report", fields...)
	case KindBoundaryRejection:
		categories := make([]string, 0, len(ev.Rejections))
		for _, r := range ev.Rejections {
			categories = append(categories, r.Category)
		}
		p.logger.Info("boundary rejections", append(fields, zap.Strings("categories", categories))...)
	default:
		p.logger.Info("audit event", fields...)
	}
	return nil
}
