package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/syntor/querybot/pkg/logging"
	"github.com/syntor/querybot/pkg/models"
)

// messageWriter is the subset of kafka.Writer the client needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Client implements OutcomeBus using Kafka
type Client struct {
	config    BusConfig
	logger    logging.Logger
	writer    messageWriter
	readers   []*kafka.Reader
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connected bool
	health    models.HealthStatus
}

// NewClient creates a new Kafka client
func NewClient(config BusConfig, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		config: config,
		logger: logger.With(logging.String("component", "kafka")),
		health: models.HealthUnknown,
	}
}

// Connect prepares the producer. kafka-go dials lazily, so broker problems
// surface on the first write.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if len(c.config.Brokers) == 0 {
		return &ConnectionError{Message: "no brokers configured"}
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	if c.writer == nil {
		c.writer = &kafka.Writer{
			Addr:         kafka.TCP(c.config.Brokers...),
			Balancer:     &kafka.Hash{},
			BatchSize:    c.config.Producer.BatchSize,
			BatchTimeout: time.Duration(c.config.Producer.LingerMs) * time.Millisecond,
			Async:        false, // Synchronous writes for reliability
			Compression:  compressionCodec(c.config.Producer.CompressionType),
			RequiredAcks: requiredAcks(c.config.Producer.Acks),
		}
	}

	c.connected = true
	c.health = models.HealthHealthy
	return nil
}

// PublishOutcome writes outcome to its topic keyed by task id so every
// outcome of one task lands on the same partition.
func (c *Client) PublishOutcome(ctx context.Context, outcome models.QueryOutcome) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return fmt.Errorf("kafka client not connected")
	}
	writer := c.writer
	c.mu.RUnlock()

	msg, err := buildMessage(outcome)
	if err != nil {
		return err
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		c.setHealth(models.HealthDegraded)
		return fmt.Errorf("failed to publish outcome: %w", err)
	}
	c.setHealth(models.HealthHealthy)
	return nil
}

func buildMessage(outcome models.QueryOutcome) (kafka.Message, error) {
	if err := outcome.Validate(); err != nil {
		return kafka.Message{}, fmt.Errorf("invalid outcome: %w", err)
	}

	value, err := outcome.ToJSON()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to serialize outcome: %w", err)
	}

	msg := kafka.Message{
		Topic: TopicFor(outcome),
		Key:   []byte(outcome.TaskID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(outcome.Type)},
			{Key: "source", Value: []byte(outcome.Source)},
			{Key: "timestamp", Value: []byte(outcome.Timestamp.Format(time.RFC3339Nano))},
		},
	}
	if outcome.Correlation != "" {
		msg.Headers = append(msg.Headers, kafka.Header{
			Key:   "correlation_id",
			Value: []byte(outcome.Correlation),
		})
	}
	return msg, nil
}

// Subscribe consumes outcomes from topics until Close. Each topic gets its
// own reader in the configured consumer group.
func (c *Client) Subscribe(ctx context.Context, topics []string, handler OutcomeHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("kafka client not connected")
	}

	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        c.config.Brokers,
			Topic:          topic,
			GroupID:        c.config.Consumer.GroupID,
			MinBytes:       1,
			MaxBytes:       10e6, // 10MB
			MaxWait:        500 * time.Millisecond,
			CommitInterval: time.Second,
			StartOffset:    startOffset(c.config.Consumer.AutoOffsetReset),
		})
		c.readers = append(c.readers, reader)

		c.wg.Add(1)
		go c.consume(topic, reader, handler)
	}
	return nil
}

// consume reads messages from a topic and invokes the handler
func (c *Client) consume(topic string, reader *kafka.Reader, handler OutcomeHandler) {
	defer c.wg.Done()
	logger := c.logger.With(logging.String("topic", topic))

	for {
		msg, err := reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			logger.Warn("Fetch failed", logging.Err(err))
			continue
		}

		outcome, err := models.OutcomeFromJSON(msg.Value)
		if err != nil {
			logger.Warn("Skipping malformed outcome", logging.Int64("offset", msg.Offset), logging.Err(err))
		} else if err := handler(c.ctx, outcome); err != nil {
			// leave uncommitted so the group redelivers it
			logger.Error("Outcome handler failed", logging.String("task_id", outcome.TaskID), logging.Err(err))
			continue
		}

		if err := reader.CommitMessages(c.ctx, msg); err != nil && c.ctx.Err() == nil {
			logger.Warn("Commit failed", logging.Err(err))
		}
	}
}

// EnsureTopics creates the outcome topics when they do not exist yet
func (c *Client) EnsureTopics(ctx context.Context, config TopicConfig) error {
	if len(c.config.Brokers) == 0 {
		return &ConnectionError{Message: "no brokers configured"}
	}

	conn, err := kafka.DialContext(ctx, "tcp", c.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get controller: %w", err)
	}

	controllerConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	topics := make([]kafka.TopicConfig, 0, len(OutcomeTopics))
	for _, topic := range OutcomeTopics {
		topics = append(topics, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     config.NumPartitions,
			ReplicationFactor: config.ReplicationFactor,
			ConfigEntries: []kafka.ConfigEntry{
				{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(config.RetentionMs, 10)},
			},
		})
	}

	if err := controllerConn.CreateTopics(topics...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topics: %w", err)
	}
	return nil
}

// Close stops consumers and flushes the producer
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	var errs []error
	for _, reader := range c.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close reader for topic %s: %w", reader.Config().Topic, err))
		}
	}
	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close writer: %w", err))
		}
	}

	c.connected = false
	c.health = models.HealthUnknown
	c.readers = nil
	return errors.Join(errs...)
}

// Health returns the current health status
func (c *Client) Health() models.HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

func (c *Client) setHealth(h models.HealthStatus) {
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
}

// Helper functions

func compressionCodec(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0 // No compression
	}
}

func requiredAcks(acks string) kafka.RequiredAcks {
	switch acks {
	case "0":
		return kafka.RequireNone
	case "1":
		return kafka.RequireOne
	default:
		return kafka.RequireAll
	}
}

func startOffset(offset string) int64 {
	if offset == "earliest" {
		return kafka.FirstOffset
	}
	return kafka.LastOffset
}
