package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"notifyd/internal/engine"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
logging:
  level: debug
  console: true
engine:
  max_batch_size: 5
  max_wait_time: 45s
  priority_bypass_threshold: critical
  bypass_categories: [compliance]
  quiet_hours:
    start: "22:00"
    end: "08:00"
  weekend_suppression: true
  retry_max: 2
  retry_base: 500ms
sink:
  driver: log
storage:
  driver: file
  path: /tmp/notifyd-audit
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Sink.Driver != "log" || cfg.Storage.Driver != "file" {
		t.Fatalf("sink/storage = %q/%q", cfg.Sink.Driver, cfg.Storage.Driver)
	}

	ec, err := cfg.Engine.BuildEngine()
	if err != nil {
		t.Fatalf("BuildEngine: %v", err)
	}
	if ec.MaxBatchSize != 5 || ec.MaxWaitTime != 45*time.Second {
		t.Fatalf("batching = %d/%v", ec.MaxBatchSize, ec.MaxWaitTime)
	}
	if ec.PriorityBypassThreshold != engine.PriorityCritical {
		t.Fatalf("threshold = %v, want critical", ec.PriorityBypassThreshold)
	}
	if len(ec.BypassCategories) != 1 || ec.BypassCategories[0] != engine.CategoryCompliance {
		t.Fatalf("bypass categories = %v", ec.BypassCategories)
	}
	if ec.QuietHours == nil || ec.QuietHours.Start != 22*60 || ec.QuietHours.End != 8*60 {
		t.Fatalf("quiet hours = %+v", ec.QuietHours)
	}
	if !ec.WeekendSuppression {
		t.Fatal("weekend suppression not set")
	}
	if ec.RetryMax != 2 || ec.RetryBase != 500*time.Millisecond {
		t.Fatalf("retry = %d/%v", ec.RetryMax, ec.RetryBase)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
logging:
  level: info
engine:
  max_batch_sizee: 5
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestBuildEngineRejectsLowThreshold(t *testing.T) {
	t.Parallel()
	ec := EngineConfig{PriorityBypassThreshold: "medium"}
	if _, err := ec.BuildEngine(); err == nil {
		t.Fatal("expected error for threshold below high")
	}
}

func TestBuildEngineRejectsBadValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ec   EngineConfig
	}{
		{"bad duration", EngineConfig{MaxWaitTime: "soon"}},
		{"bad threshold", EngineConfig{PriorityBypassThreshold: "severe"}},
		{"bad quiet start", EngineConfig{QuietHours: &QuietHours{Start: "25:00", End: "08:00"}}},
		{"bad quiet end", EngineConfig{QuietHours: &QuietHours{Start: "22:00", End: "8"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.ec.BuildEngine(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", "250ms"); err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
}

func TestPublishKeepsNewestForSlowSubscriber(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	older := &Config{Logging: LoggingConfig{Level: "info"}}
	newer := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(older)
	m.publish(newer)

	select {
	case got := <-ch:
		if got.Logging.Level != "debug" {
			t.Fatalf("received level %q, want the newest config", got.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no config received")
	}
}

func TestCommitAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	if m.Get() != nil {
		t.Fatal("Get before Commit should be nil")
	}
	cfg := &Config{Logging: LoggingConfig{Level: "warn"}}
	m.Commit(cfg)
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}
