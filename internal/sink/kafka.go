package sink

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/IBM/sarama"

	"notifyd/internal/config"
	"notifyd/internal/engine"
	"notifyd/pkg/logx"
)

const defaultKafkaTopic = "notifications"

// kafkaSink publishes delivered notifications to a Kafka topic, keyed by
// notification id so redeliveries of the same record land in one partition.
type kafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	log      logx.Logger
}

func NewKafka(cfg config.KafkaSinkConfig, log logx.Logger) (engine.Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink: at least one broker is required")
	}
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}

	topic := cfg.Topic
	if topic == "" {
		topic = defaultKafkaTopic
	}
	return &kafkaSink{producer: producer, topic: topic, log: log}, nil
}

func (s *kafkaSink) Deliver(ctx context.Context, n engine.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(n.ID),
		Value: sarama.ByteEncoder(payload),
	}

	// SendMessage has no context support; bridge it so a canceled engine
	// doesn't hang on a dead broker.
	done := make(chan error, 1)
	go func() {
		_, _, err := s.producer.SendMessage(msg)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (s *kafkaSink) Close() error { return s.producer.Close() }
