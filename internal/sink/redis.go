package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"notifyd/internal/config"
	"notifyd/internal/engine"
	"notifyd/pkg/logx"
)

const defaultRedisKey = "notifyd:deliveries"

// redisSink pushes delivered notifications onto a Redis list. Consumers pop
// with BRPOP, so the list behaves as a FIFO hand-off queue.
type redisSink struct {
	client *redis.Client
	key    string
	log    logx.Logger
}

func NewRedis(cfg config.RedisSinkConfig, log logx.Logger) (engine.Sink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Ping to surface obvious misconfiguration early, but don't fail hard:
	// the engine retries deliveries and Redis may come up later.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis sink not reachable yet", logx.String("addr", cfg.Addr), logx.Err(err))
	}

	key := cfg.Key
	if key == "" {
		key = defaultRedisKey
	}
	return &redisSink{client: rdb, key: key, log: log}, nil
}

func (s *redisSink) Deliver(ctx context.Context, n engine.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.client.LPush(ctx, s.key, payload).Err()
}
