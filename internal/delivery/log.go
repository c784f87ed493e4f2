package delivery

import (
	"context"

	"school-backend/internal/observability"
)

// LogSender writes codes to the application log. It is meant for local
// development only; configuration refuses it in production.
type LogSender struct {
	logger *observability.Logger
}

func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Channel() string {
	return "log"
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("otp_dev_delivery", map[string]any{
		"email":   msg.Email,
		"phone":   msg.Phone,
		"purpose": msg.Purpose,
		"code":    msg.Code,
	})
	return nil
}
