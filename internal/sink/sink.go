// Package sink provides delivery sink implementations: the final hand-off of
// a notification to the outside world. The engine only sees engine.Sink; the
// concrete transport is chosen by configuration.
package sink

import (
	"errors"
	"strings"

	"notifyd/internal/config"
	"notifyd/internal/engine"
	"notifyd/pkg/logx"
)

// Open builds the configured sink.
//
// Driver values: "log" (default), "redis", "kafka", "telegram".
func Open(cfg config.SinkConfig, log logx.Logger) (engine.Sink, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "log":
		return NewLog(log), nil
	case "redis":
		return NewRedis(cfg.Redis, log)
	case "kafka":
		return NewKafka(cfg.Kafka, log)
	case "telegram":
		return NewTelegram(cfg.Telegram, log)
	default:
		return nil, errors.New("unknown sink driver: " + driver)
	}
}
