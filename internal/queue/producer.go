package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Publisher sends JSON messages to a named queue. *Connection implements it.
type Publisher interface {
	PublishJSON(ctx context.Context, queue string, data any) error
}

// Producer publishes grading jobs and verdict events.
type Producer struct {
	pub Publisher
	now func() time.Time
}

// NewProducer creates a new queue producer
func NewProducer(pub Publisher) *Producer {
	return &Producer{pub: pub, now: time.Now}
}

// PublishGradingJob queues a payload for asynchronous evaluation.
func (p *Producer) PublishGradingJob(ctx context.Context, job *GradingJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.SubmissionID == "" {
		job.SubmissionID = job.ID.String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = p.now()
	}

	if err := p.pub.PublishJSON(ctx, GradingQueueName, job); err != nil {
		return fmt.Errorf("failed to publish grading job: %w", err)
	}

	slog.Info("published grading job",
		"job_id", job.ID,
		"submission_id", job.SubmissionID,
		"exercise_id", job.Exercise.ID,
	)
	return nil
}

// PublishVerdict announces an evaluated submission.
func (p *Producer) PublishVerdict(ctx context.Context, event *VerdictEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.SubmissionID == "" {
		event.SubmissionID = event.Verdict.SubmissionID
	}
	if event.PublishedAt.IsZero() {
		event.PublishedAt = p.now()
	}

	if err := p.pub.PublishJSON(ctx, VerdictQueueName, event); err != nil {
		return fmt.Errorf("failed to publish verdict: %w", err)
	}

	slog.Info("published verdict",
		"event_id", event.ID,
		"submission_id", event.SubmissionID,
		"exercise_id", event.Verdict.ExerciseID,
		"state", event.Verdict.State,
		"allow_next", event.Verdict.AllowNext,
	)
	return nil
}
