package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"notifyd/internal/audit"
	"notifyd/internal/config"
	"notifyd/internal/engine"
	"notifyd/internal/eventbus"
	"notifyd/internal/httpapi"
	"notifyd/internal/sink"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

func main() {
	// Best-effort: local .env files are a dev convenience, not a requirement.
	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logConfig(cfg.Logging))
	defer logSvc.Close()
	mgr.SetLogger(log)
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err := c.Engine.BuildEngine()
		return err
	})

	bus := eventbus.New()

	busyTimeout, err := cfg.Storage.BusyTimeoutDuration(5 * time.Second)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	snk, err := sink.Open(cfg.Sink, log)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}

	engCfg, err := cfg.Engine.BuildEngine()
	if err != nil {
		return err
	}
	eng := engine.New(engCfg, snk, log, bus)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	var rec *audit.Recorder
	if store != nil {
		rec = audit.NewRecorder(store, log)
		rec.Start(ctx, bus)
	}

	var api *httpapi.Server
	if cfg.HTTP.Enabled {
		api = httpapi.New(cfg.HTTP, cfg.Engine, eng, log)
		api.Start()
	}

	// Hot reload: re-apply logging and engine config when the file changes.
	go func() { _ = mgr.Watch(ctx) }()
	updates := mgr.Subscribe(4)
	defer mgr.Unsubscribe(updates)
	go func() {
		for c := range updates {
			logSvc.Apply(logConfig(c.Logging))
			ec, err := c.Engine.BuildEngine()
			if err != nil {
				log.Warn("reloaded config rejected", logx.Err(err))
				continue
			}
			if err := eng.Apply(ec); err != nil {
				log.Warn("engine config apply failed", logx.Err(err))
				continue
			}
			if api != nil {
				api.SetEngineConfig(c.Engine)
			}
			log.Info("engine config applied")
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("notifyd up", logx.String("config", cfgPath), logx.String("sink", cfg.Sink.Driver))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Flush outstanding batches, give the queue a moment to drain, then stop.
	eng.ForceDeliverAll()
	waitForDrain(eng, 5*time.Second)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if api != nil {
		api.Stop(stopCtx)
	}
	eng.Stop(stopCtx)
	if rec != nil {
		rec.Stop()
	}
	return nil
}

func waitForDrain(eng *engine.Engine, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st := eng.Stats()
		if st.PendingCount == 0 && st.QueueLength == 0 && !st.IsProcessing {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}
