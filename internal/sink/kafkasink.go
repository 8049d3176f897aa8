package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog/log"

	"github.com/shortontech/previewguard/internal/event"
)

// KafkaConfig holds configuration for Kafka producer
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Acks        string
	Compression string

	// SASL config
	SASLMechanism string
	SASLUser      string
	SASLPassword  string

	// TLS config
	TLSCAPath     string
	TLSSkipVerify bool
}

// KafkaSink produces audit records to Kafka with key=record id so a
// replayed record lands on the same partition.
type KafkaSink struct {
	config   KafkaConfig
	producer *kafka.Producer
}

// NewKafkaSinkFromEnv creates a KafkaSink from environment variables
func NewKafkaSinkFromEnv() *KafkaSink {
	brokersStr := getEnvOr("KAFKA_BROKERS", "localhost:9092")
	brokers := strings.Split(brokersStr, ",")
	for i, broker := range brokers {
		brokers[i] = strings.TrimSpace(broker)
	}

	config := KafkaConfig{
		Brokers:       brokers,
		Topic:         getEnvOr("KAFKA_TOPIC", "previewguard.audit"),
		Acks:          getEnvOr("KAFKA_ACKS", "all"),
		Compression:   getEnvOr("KAFKA_COMPRESSION", ""),
		SASLMechanism: os.Getenv("KAFKA_SASL_MECHANISM"),
		SASLUser:      os.Getenv("KAFKA_SASL_USER"),
		SASLPassword:  os.Getenv("KAFKA_SASL_PASSWORD"),
		TLSCAPath:     os.Getenv("KAFKA_TLS_CA"),
		TLSSkipVerify: getBoolEnv("KAFKA_TLS_SKIP_VERIFY", false),
	}

	return &KafkaSink{config: config}
}

// NewKafkaSink creates a KafkaSink with explicit configuration
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		config: KafkaConfig{
			Brokers: brokers,
			Topic:   topic,
			Acks:    "all",
		},
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

// configMap builds the librdkafka settings for s.config.
func (s *KafkaSink) configMap() kafka.ConfigMap {
	configMap := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(s.config.Brokers, ","),
		"acks":              s.config.Acks,
		"retries":           10,
		"retry.backoff.ms":  100,
		"batch.size":        16384,
		"linger.ms":         10,
	}
	if s.config.Acks == "" {
		configMap["acks"] = "all"
	}

	if s.config.Compression != "" {
		configMap["compression.type"] = s.config.Compression
	}

	if s.config.SASLMechanism != "" {
		configMap["security.protocol"] = "SASL_SSL"
		configMap["sasl.mechanism"] = s.config.SASLMechanism
		if s.config.SASLUser != "" {
			configMap["sasl.username"] = s.config.SASLUser
		}
		if s.config.SASLPassword != "" {
			configMap["sasl.password"] = s.config.SASLPassword
		}
	}

	if s.config.TLSCAPath != "" {
		if s.config.SASLMechanism == "" {
			configMap["security.protocol"] = "SSL"
		}
		configMap["ssl.ca.location"] = s.config.TLSCAPath
	}

	if s.config.TLSSkipVerify {
		configMap["ssl.endpoint.identification.algorithm"] = "none"
	}
	return configMap
}

func (s *KafkaSink) Start(ctx context.Context) error {
	configMap := s.configMap()
	producer, err := kafka.NewProducer(&configMap)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	s.producer = producer
	go s.handleDeliveryReports(ctx)

	log.Info().Strs("brokers", s.config.Brokers).Str("topic", s.config.Topic).Msg("kafka sink started")
	return nil
}

func (s *KafkaSink) Enqueue(r event.Record) error {
	if s.producer == nil {
		return fmt.Errorf("kafka producer not initialized: %w", ErrNotStarted)
	}
	msg, err := s.message(r)
	if err != nil {
		return err
	}
	if err := s.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

func (s *KafkaSink) message(r event.Record) (*kafka.Message, error) {
	value, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", r.RecordKind(), err)
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &s.config.Topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(r.RecordID()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(r.RecordKind())},
			{Key: "type", Value: []byte(r.RecordType())},
			{Key: "schema", Value: []byte("v1")},
		},
	}, nil
}

func (s *KafkaSink) Close() error {
	if s.producer == nil {
		return nil
	}

	// Wait up to 10 seconds for outstanding deliveries.
	remaining := s.producer.Flush(10 * 1000)
	s.producer.Close()
	s.producer = nil
	if remaining > 0 {
		return fmt.Errorf("failed to flush %d remaining messages", remaining)
	}
	return nil
}

// handleDeliveryReports logs failed deliveries until ctx is done.
func (s *KafkaSink) handleDeliveryReports(ctx context.Context) {
	events := s.producer.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case *kafka.Message:
				if e.TopicPartition.Error != nil {
					log.Error().Err(e.TopicPartition.Error).Str("key", string(e.Key)).Msg("kafka delivery failed")
				}
			case kafka.Error:
				log.Error().Err(e).Msg("kafka client error")
			}
		}
	}
}
