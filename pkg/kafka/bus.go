package kafka

import (
	"context"

	"github.com/syntor/querybot/pkg/models"
)

// OutcomeHandler is a function type for handling consumed query outcomes
type OutcomeHandler func(ctx context.Context, outcome models.QueryOutcome) error

// Publisher announces resolved queries to the chat layer
type Publisher interface {
	PublishOutcome(ctx context.Context, outcome models.QueryOutcome) error
	Close() error
}

// OutcomeBus is the full Kafka surface used by the worker and the CLI
type OutcomeBus interface {
	Publisher

	// Subscribing
	Subscribe(ctx context.Context, topics []string, handler OutcomeHandler) error

	// Topic management
	EnsureTopics(ctx context.Context, config TopicConfig) error

	// Lifecycle
	Connect(ctx context.Context) error
	Health() models.HealthStatus
}

// TopicConfig holds configuration for Kafka topic creation
type TopicConfig struct {
	NumPartitions     int   `json:"num_partitions"`
	ReplicationFactor int   `json:"replication_factor"`
	RetentionMs       int64 `json:"retention_ms"`
}

// ProducerConfig holds configuration for Kafka producer
type ProducerConfig struct {
	Acks            string `json:"acks"` // "0", "1", "all"
	BatchSize       int    `json:"batch_size"`
	LingerMs        int    `json:"linger_ms"`
	CompressionType string `json:"compression_type"` // none, gzip, snappy, lz4, zstd
}

// ConsumerConfig holds configuration for Kafka consumer
type ConsumerConfig struct {
	GroupID         string `json:"group_id"`
	AutoOffsetReset string `json:"auto_offset_reset"` // earliest, latest
}

// BusConfig holds complete Kafka configuration
type BusConfig struct {
	Brokers  []string       `json:"brokers"`
	Producer ProducerConfig `json:"producer"`
	Consumer ConsumerConfig `json:"consumer"`
}

// Topics carrying query outcomes
const (
	TopicQueryCompleted = "querybot.queries.completed"
	TopicQueryFailed    = "querybot.queries.failed"
)

// OutcomeTopics lists every outcome topic
var OutcomeTopics = []string{TopicQueryCompleted, TopicQueryFailed}

// TopicFor routes an outcome by its event type
func TopicFor(outcome models.QueryOutcome) string {
	if outcome.Type == models.EventQueryFailed {
		return TopicQueryFailed
	}
	return TopicQueryCompleted
}

// DefaultTopicConfig returns default topic configuration
func DefaultTopicConfig() TopicConfig {
	return TopicConfig{
		NumPartitions:     3,
		ReplicationFactor: 1,         // Use 3 in production
		RetentionMs:       604800000, // 7 days
	}
}

// DefaultProducerConfig returns default producer configuration
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Acks:            "all",
		BatchSize:       100,
		LingerMs:        10,
		CompressionType: "snappy",
	}
}

// DefaultConsumerConfig returns default consumer configuration
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		GroupID:         "querybot-outcomes",
		AutoOffsetReset: "latest",
	}
}

// NopPublisher drops every outcome. It is used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishOutcome(context.Context, models.QueryOutcome) error { return nil }
func (NopPublisher) Close() error                                              { return nil }

// ConnectionError represents a Kafka connection error
type ConnectionError struct {
	Message string
}

func (e *ConnectionError) Error() string {
	return "kafka connection error: " + e.Message
}
