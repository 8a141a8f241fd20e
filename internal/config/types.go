package config

import (
	"fmt"
	"time"

	"notifyd/internal/engine"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Engine  EngineConfig  `json:"engine"`
	HTTP    HTTPConfig    `json:"http,omitempty"`
	Sink    SinkConfig    `json:"sink,omitempty"`
	Storage StorageConfig `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig mirrors engine.Config with file-friendly field types.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
// Quiet hours bounds are "HH:MM" clock values; a window whose start is later
// than its end wraps past midnight.
type EngineConfig struct {
	MaxBatchSize int    `json:"max_batch_size,omitempty"`
	MaxWaitTime  string `json:"max_wait_time,omitempty"`

	// PriorityBypassThreshold is "high" or "critical".
	PriorityBypassThreshold string      `json:"priority_bypass_threshold,omitempty"`
	BypassCategories        []string    `json:"bypass_categories,omitempty"`
	QuietHours              *QuietHours `json:"quiet_hours,omitempty"`
	WeekendSuppression      bool        `json:"weekend_suppression,omitempty"`

	SizeCheckInterval string `json:"size_check_interval,omitempty"`
	SweepInterval     string `json:"sweep_interval,omitempty"`

	ChunkSize  int    `json:"chunk_size,omitempty"`
	ChunkPause string `json:"chunk_pause,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type QuietHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"
	CORS    bool   `json:"cors,omitempty"`
}

// SinkConfig selects the delivery sink.
//
// Driver values: "log" (default), "redis", "kafka", "telegram".
type SinkConfig struct {
	Driver   string             `json:"driver,omitempty"`
	Redis    RedisSinkConfig    `json:"redis,omitempty"`
	Kafka    KafkaSinkConfig    `json:"kafka,omitempty"`
	Telegram TelegramSinkConfig `json:"telegram,omitempty"`
}

type RedisSinkConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"` // list key, default "notifyd:deliveries"
}

type KafkaSinkConfig struct {
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"` // default "notifications"
}

type TelegramSinkConfig struct {
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
}

// StorageConfig controls the optional delivery audit store.
//
// Driver values: "none" (default), "file", "sqlite".
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// BuildEngine converts the file representation into a validated engine.Config.
func (c EngineConfig) BuildEngine() (engine.Config, error) {
	var (
		out engine.Config
		err error
	)
	out.MaxBatchSize = c.MaxBatchSize
	if out.MaxWaitTime, err = ParseDurationField("engine.max_wait_time", c.MaxWaitTime); err != nil {
		return out, err
	}
	if c.PriorityBypassThreshold != "" {
		p, perr := engine.ParsePriority(c.PriorityBypassThreshold)
		if perr != nil {
			return out, fmt.Errorf("engine.priority_bypass_threshold: %w", perr)
		}
		if p < engine.PriorityHigh {
			return out, fmt.Errorf("engine.priority_bypass_threshold: must be high or critical, got %q", c.PriorityBypassThreshold)
		}
		out.PriorityBypassThreshold = p
	}
	for _, cat := range c.BypassCategories {
		out.BypassCategories = append(out.BypassCategories, engine.Category(cat))
	}
	if c.QuietHours != nil {
		start, cerr := engine.ParseClock(c.QuietHours.Start)
		if cerr != nil {
			return out, fmt.Errorf("engine.quiet_hours.start: %w", cerr)
		}
		end, cerr := engine.ParseClock(c.QuietHours.End)
		if cerr != nil {
			return out, fmt.Errorf("engine.quiet_hours.end: %w", cerr)
		}
		out.QuietHours = &engine.QuietWindow{Start: start, End: end}
	}
	out.WeekendSuppression = c.WeekendSuppression
	if out.SizeCheckInterval, err = ParseDurationField("engine.size_check_interval", c.SizeCheckInterval); err != nil {
		return out, err
	}
	if out.SweepInterval, err = ParseDurationField("engine.sweep_interval", c.SweepInterval); err != nil {
		return out, err
	}
	out.ChunkSize = c.ChunkSize
	if out.ChunkPause, err = ParseDurationField("engine.chunk_pause", c.ChunkPause); err != nil {
		return out, err
	}
	out.RetryMax = c.RetryMax
	if out.RetryBase, err = ParseDurationField("engine.retry_base", c.RetryBase); err != nil {
		return out, err
	}
	out.RatePerSec = c.RatePerSec
	return out, nil
}

// BusyTimeoutDuration parses the sqlite busy timeout, defaulting to def.
func (c StorageConfig) BusyTimeoutDuration(def time.Duration) (time.Duration, error) {
	return ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, def)
}
