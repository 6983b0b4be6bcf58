package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
)

// Queue names
const (
	GradingQueueName = "mecaflow.gradings"
	VerdictQueueName = "mecaflow.verdicts"
)

type queueSpec struct {
	name string
	ttl  time.Duration
}

// Grading jobs expire if no worker picks them up; verdict events live longer so
// a restarting daemon can still persist them.
var queueSpecs = []queueSpec{
	{name: GradingQueueName, ttl: 5 * time.Minute},
	{name: VerdictQueueName, ttl: 30 * time.Minute},
}

const maxReconnectAttempts = 10

// GradingJob carries a raw grading payload to be interpreted by a worker.
type GradingJob struct {
	ID           uuid.UUID       `json:"id"`
	SubmissionID string          `json:"submission_id"`
	LearnerID    string          `json:"learner_id,omitempty"`
	Exercise     domain.Exercise `json:"exercise"`
	Course       *domain.Course  `json:"course,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// VerdictEvent announces an evaluated submission.
type VerdictEvent struct {
	ID           uuid.UUID      `json:"id"`
	JobID        uuid.UUID      `json:"job_id,omitzero"`
	SubmissionID string         `json:"submission_id"`
	LearnerID    string         `json:"learner_id,omitempty"`
	CourseID     string         `json:"course_id,omitempty"`
	Verdict      domain.Verdict `json:"verdict"`
	PublishedAt  time.Time      `json:"published_at"`
}

// Connection manages the RabbitMQ connection with automatic reconnection
type Connection struct {
	url        string
	conn       *amqp.Connection
	channel    *amqp.Channel
	mu         sync.RWMutex
	closed     bool
	reconnects int
}

// NewConnection dials RabbitMQ and declares the mecaflow queues.
func NewConnection(url string) (*Connection, error) {
	c := &Connection{url: url}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareQueues(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.conn = conn
	c.channel = ch
	go c.handleReconnect(conn.NotifyClose(make(chan *amqp.Error, 1)))

	slog.Info("connected to RabbitMQ", "url", sanitizeURL(c.url))
	return nil
}

func declareQueues(ch *amqp.Channel) error {
	for _, q := range queueSpecs {
		_, err := ch.QueueDeclare(
			q.name,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			amqp.Table{"x-message-ttl": int32(q.ttl / time.Millisecond)},
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

func (c *Connection) handleReconnect(notifyClose <-chan *amqp.Error) {
	err, ok := <-notifyClose
	if !ok || err == nil {
		return
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	slog.Warn("RabbitMQ connection closed, attempting to reconnect",
		"error", err,
		"reconnects", c.reconnects,
	)

	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		c.reconnects++
		time.Sleep(reconnectDelay(attempt))

		if err := c.connect(); err != nil {
			slog.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}
		slog.Info("reconnected to RabbitMQ", "attempts", attempt+1)
		return
	}

	slog.Error("failed to reconnect to RabbitMQ", "attempts", maxReconnectAttempts)
}

// reconnectDelay doubles from one second and caps at thirty.
func reconnectDelay(attempt int) time.Duration {
	if attempt >= 5 {
		return 30 * time.Second
	}
	d := time.Duration(1<<attempt) * time.Second
	return min(d, 30*time.Second)
}

// Channel returns the current channel (thread-safe)
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// Close closes the connection
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected checks if the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// PublishJSON publishes a persistent JSON message to a queue.
func (c *Connection) PublishJSON(ctx context.Context, queue string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ch := c.Channel()
	if ch == nil {
		return fmt.Errorf("publish to %s: %w", queue, amqp.ErrClosed)
	}

	return ch.PublishWithContext(
		ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// sanitizeURL hides the password of an AMQP URL for logging.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<redacted>"
	}
	return u.Redacted()
}
