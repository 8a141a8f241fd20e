package storage

import (
	"context"
	"errors"
	"strings"

	"notifyd/pkg/logx"
)

// Store is the minimal audit persistence API used by the daemon. It is an
// append-only operability trail; nothing is ever read back for redelivery.
type Store interface {
	AppendDelivery(ctx context.Context, e DeliveryEntry) error
	AppendBatch(ctx context.Context, e BatchEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
