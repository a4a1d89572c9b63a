package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/fleetops/logkeeper/internal/config"
	"github.com/fleetops/logkeeper/pkg/types"
)

// KafkaSink publishes alerts to a Kafka topic, keyed by dedupe key so
// repeats of the same alert land on the same partition.
type KafkaSink struct {
	topic    string
	producer sarama.SyncProducer
}

// NewKafkaSink creates a Kafka sink.
func NewKafkaSink(cfg config.KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("no topic specified")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.ClientID = "logkeeper"

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &KafkaSink{topic: cfg.Topic, producer: producer}, nil
}

func (s *KafkaSink) Dispatch(ctx context.Context, alert *types.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(alert.DedupeKey),
		Value: sarama.ByteEncoder(data),
	}

	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send alert to Kafka: %w", err)
	}
	return nil
}

func (s *KafkaSink) Name() string { return "kafka" }

// Close shuts down the producer.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
