package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"reqshield/internal/config"
	"reqshield/internal/model"
	"reqshield/internal/storage"
)

// KafkaSink publishes each event as JSON, keyed by client id so one
// client's events stay on one partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(cfg config.KafkaConfig) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Write(ctx context.Context, events []model.SecurityEvent) error {
	msgs, err := encodeMessages(events)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

func encodeMessages(events []model.SecurityEvent) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.ClientID),
			Value: value,
			Time:  ev.Timestamp,
		})
	}
	return msgs, nil
}

type StorageSink struct {
	store storage.Store
}

func NewStorageSink(st storage.Store) *StorageSink {
	return &StorageSink{store: st}
}

func (s *StorageSink) Name() string { return "storage" }

func (s *StorageSink) Write(ctx context.Context, events []model.SecurityEvent) error {
	return s.store.SaveEvents(ctx, events)
}
