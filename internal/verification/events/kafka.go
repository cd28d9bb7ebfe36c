package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"humanscore/internal/platform/config"
)

// KafkaSink writes events to one topic, keyed by wallet id.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaSink connects to the brokers in cfg and makes sure the topic exists.
func NewKafkaSink(ctx context.Context, cfg config.Events, logger *slog.Logger) (*KafkaSink, error) {
	if !cfg.Enabled() {
		return nil, errors.New("no kafka brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping kafka: %w", err)
	}
	if err := ensureTopic(ctx, kadm.NewClient(client), cfg.Topic, cfg.Partitions); err != nil {
		client.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("publishing verification events to kafka", "topic", cfg.Topic, "brokers", len(cfg.Brokers))
	}
	return &KafkaSink{client: client, topic: cfg.Topic}, nil
}

func ensureTopic(ctx context.Context, adm *kadm.Client, topic string, partitions int) error {
	if partitions <= 0 {
		partitions = 1
	}
	// -1 takes the broker's default replication factor.
	resp, err := adm.CreateTopics(ctx, int32(partitions), -1, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Write produces batch synchronously and returns the first failure.
func (s *KafkaSink) Write(ctx context.Context, batch []Event) error {
	records := make([]*kgo.Record, 0, len(batch))
	for _, e := range batch {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", e.Type, err)
		}
		records = append(records, &kgo.Record{
			Topic: s.topic,
			Key:   []byte(e.Key()),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "type", Value: []byte(e.Type)},
				{Key: "provider", Value: []byte(e.Provider)},
			},
			Timestamp: e.OccurredAt,
		})
	}
	return s.client.ProduceSync(ctx, records...).FirstErr()
}

// Close flushes buffered records and closes the client.
func (s *KafkaSink) Close(ctx context.Context) error {
	err := s.client.Flush(ctx)
	s.client.Close()
	return err
}
