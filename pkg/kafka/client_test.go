package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/querybot/pkg/models"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func connected(t *testing.T, w *fakeWriter) *Client {
	t.Helper()
	c := NewClient(BusConfig{Brokers: []string{"localhost:9092"}}, nil)
	c.writer = w
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func outcome() models.QueryOutcome {
	o := models.NewQueryOutcome("querybot-worker", "task-1", models.QueryRequest{
		UserID: "U1", ChannelID: "C1", ThreadTS: "1700000000.000100",
	})
	o.Success = true
	o.Message = "Found 3 records"
	return o
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestPublishOutcomeRoutesByType(t *testing.T) {
	w := &fakeWriter{}
	c := connected(t, w)

	ok := outcome()
	ok.Correlation = "corr-9"
	require.NoError(t, c.PublishOutcome(context.Background(), ok))

	failed := outcome().Failed(models.FailureNoData, "nothing found")
	require.NoError(t, c.PublishOutcome(context.Background(), failed))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, TopicQueryCompleted, w.msgs[0].Topic)
	assert.Equal(t, "task-1", string(w.msgs[0].Key))
	assert.Equal(t, "query.completed", header(w.msgs[0], "event_type"))
	assert.Equal(t, "corr-9", header(w.msgs[0], "correlation_id"))

	assert.Equal(t, TopicQueryFailed, w.msgs[1].Topic)
	assert.Empty(t, header(w.msgs[1], "correlation_id"))

	decoded, err := models.OutcomeFromJSON(w.msgs[1].Value)
	require.NoError(t, err)
	assert.Equal(t, models.FailureNoData, decoded.Failure)
	assert.Equal(t, "C1", decoded.ChannelID)

	require.NoError(t, c.Close())
	assert.True(t, w.closed)
}

func TestPublishOutcomeErrors(t *testing.T) {
	c := NewClient(BusConfig{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, c.PublishOutcome(context.Background(), outcome()), "not connected")

	w := &fakeWriter{}
	c = connected(t, w)
	invalid := outcome()
	invalid.TaskID = ""
	assert.Error(t, c.PublishOutcome(context.Background(), invalid))
	assert.Empty(t, w.msgs)

	w.err = errors.New("broker down")
	err := c.PublishOutcome(context.Background(), outcome())
	assert.ErrorContains(t, err, "broker down")
	assert.Equal(t, models.HealthDegraded, c.Health())
}

func TestConnectRequiresBrokers(t *testing.T) {
	c := NewClient(BusConfig{}, nil)
	var connErr *ConnectionError
	assert.ErrorAs(t, c.Connect(context.Background()), &connErr)
	assert.Equal(t, models.HealthUnknown, c.Health())
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.PublishOutcome(context.Background(), outcome()))
	assert.NoError(t, p.Close())
}

func TestConfigHelpers(t *testing.T) {
	assert.Equal(t, kafka.Snappy, compressionCodec("snappy"))
	assert.Equal(t, kafka.Compression(0), compressionCodec("none"))
	assert.Equal(t, kafka.RequireOne, requiredAcks("1"))
	assert.Equal(t, kafka.RequireAll, requiredAcks("bogus"))
	assert.Equal(t, kafka.FirstOffset, startOffset("earliest"))
	assert.Equal(t, kafka.LastOffset, startOffset("latest"))
}
