package sink

import (
	"context"

	"notifyd/internal/engine"
	"notifyd/pkg/logx"
)

// logSink writes deliveries to the structured log. Default sink; also handy
// as a stand-in during development.
type logSink struct {
	log logx.Logger
}

func NewLog(log logx.Logger) engine.Sink {
	return &logSink{log: log.With(logx.String("sink", "log"))}
}

func (s *logSink) Deliver(_ context.Context, n engine.Notification) error {
	s.log.Info("notification delivered",
		logx.String("id", n.ID),
		logx.String("kind", string(n.Kind)),
		logx.String("category", string(n.Category)),
		logx.String("priority", n.Priority.String()),
		logx.String("title", n.Title))
	return nil
}
