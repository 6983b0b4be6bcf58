package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
)

// Evaluator interprets a raw grading payload. *validation.Engine implements it.
type Evaluator interface {
	EvaluateJSON(exercise *domain.Exercise, course *domain.Course, data []byte) domain.Verdict
}

var errInvalidJob = errors.New("invalid grading job")

// Consumer evaluates grading jobs from the queue and publishes their verdicts.
type Consumer struct {
	conn       *Connection
	engine     Evaluator
	producer   *Producer
	workers    int
	prefetch   int
	now        func() time.Time
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Workers  int // Number of concurrent workers
	Prefetch int // Prefetch count per worker
}

// DefaultConsumerConfig returns sensible defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:  3,
		Prefetch: 1,
	}
}

// NewConsumer creates a grading consumer. Verdicts are published on the same
// connection.
func NewConsumer(conn *Connection, engine Evaluator, cfg ConsumerConfig) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		conn:     conn,
		engine:   engine,
		producer: NewProducer(conn),
		workers:  cfg.Workers,
		prefetch: cfg.Prefetch,
		now:      time.Now,
	}
}

func (cfg ConsumerConfig) withDefaults() ConsumerConfig {
	def := DefaultConsumerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = def.Prefetch
	}
	return cfg
}

// Start begins consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancelFunc = context.WithCancel(ctx)

	ch := c.conn.Channel()
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		GradingQueueName,
		"",    // consumer tag (auto-generated)
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	slog.Info("starting grading consumer", "workers", c.workers, "prefetch", c.prefetch)

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, msgs)
	}
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping", "worker_id", id)
			return
		case msg, ok := <-msgs:
			if !ok {
				slog.Info("message channel closed", "worker_id", id)
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage evaluates one delivery. Undecodable jobs are rejected without
// requeue; a failed verdict publish is requeued once.
func (c *Consumer) processMessage(ctx context.Context, workerID int, msg amqp.Delivery) {
	job, err := decodeJob(msg.Body)
	if err != nil {
		slog.Error("rejecting grading job", "worker_id", workerID, "error", err)
		_ = msg.Reject(false)
		return
	}

	start := time.Now()
	event := c.evaluate(job)

	slog.Info("grading job evaluated",
		"worker_id", workerID,
		"job_id", job.ID,
		"submission_id", job.SubmissionID,
		"state", event.Verdict.State,
		"duration", time.Since(start),
	)

	if err := c.producer.PublishVerdict(ctx, event); err != nil {
		slog.Error("failed to publish verdict",
			"worker_id", workerID,
			"job_id", job.ID,
			"error", err,
		)
		_ = msg.Nack(false, !msg.Redelivered)
		return
	}

	if err := msg.Ack(false); err != nil {
		slog.Error("failed to ack message", "worker_id", workerID, "job_id", job.ID, "error", err)
	}
}

func (c *Consumer) evaluate(job *GradingJob) *VerdictEvent {
	verdict := c.engine.EvaluateJSON(&job.Exercise, job.Course, job.Payload).WithSubmission(job.SubmissionID)
	verdict.EvaluatedAt = c.now()

	courseID := job.Exercise.CourseID
	if job.Course != nil && job.Course.ID != "" {
		courseID = job.Course.ID
	}
	return &VerdictEvent{
		JobID:        job.ID,
		SubmissionID: job.SubmissionID,
		LearnerID:    job.LearnerID,
		CourseID:     courseID,
		Verdict:      verdict,
	}
}

func decodeJob(body []byte) (*GradingJob, error) {
	var job GradingJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidJob, err)
	}
	if job.Exercise.ID == "" {
		return nil, fmt.Errorf("%w: missing exercise", errInvalidJob)
	}
	if job.SubmissionID == "" {
		job.SubmissionID = job.ID.String()
	}
	return &job, nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()
	slog.Info("grading consumer stopped")
}

// VerdictHandler receives verdict events.
type VerdictHandler func(ctx context.Context, event *VerdictEvent) error

// VerdictConsumer drains the verdict queue into a handler, typically the
// verdict history store.
type VerdictConsumer struct {
	conn       *Connection
	handler    VerdictHandler
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewVerdictConsumer creates a verdict consumer
func NewVerdictConsumer(conn *Connection, handler VerdictHandler) *VerdictConsumer {
	return &VerdictConsumer{conn: conn, handler: handler}
}

// Start begins consuming verdict events
func (vc *VerdictConsumer) Start(ctx context.Context) error {
	ctx, vc.cancelFunc = context.WithCancel(ctx)

	msgs, err := vc.conn.Channel().Consume(
		VerdictQueueName,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start verdict consumer: %w", err)
	}

	vc.wg.Add(1)
	go vc.consume(ctx, msgs)
	return nil
}

func (vc *VerdictConsumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer vc.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			vc.deliver(ctx, msg)
		}
	}
}

func (vc *VerdictConsumer) deliver(ctx context.Context, msg amqp.Delivery) {
	var event VerdictEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		slog.Error("failed to unmarshal verdict event", "error", err)
		_ = msg.Reject(false)
		return
	}

	if err := vc.handler(ctx, &event); err != nil {
		slog.Error("verdict handler failed", "submission_id", event.SubmissionID, "error", err)
		_ = msg.Nack(false, !msg.Redelivered)
		return
	}
	_ = msg.Ack(false)
}

// Stop stops the verdict consumer
func (vc *VerdictConsumer) Stop() {
	if vc.cancelFunc != nil {
		vc.cancelFunc()
	}
	vc.wg.Wait()
}
