package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/validation"
)

type fakeAck struct {
	acked    bool
	nacked   bool
	requeued bool
	rejected bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error { a.acked = true; return nil }
func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}
func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	a.rejected, a.requeued = true, requeue
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	err      error
	queues   []string
	messages []any
}

func (p *recordingPublisher) PublishJSON(ctx context.Context, queue string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.queues = append(p.queues, queue)
	p.messages = append(p.messages, data)
	return nil
}

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestConsumer(pub Publisher) *Consumer {
	prod := NewProducer(pub)
	prod.now = func() time.Time { return fixedNow }
	return &Consumer{
		engine:   validation.NewEngine(nil),
		producer: prod,
		now:      func() time.Time { return fixedNow },
	}
}

func delivery(t *testing.T, ack amqp.Acknowledger, v any) amqp.Delivery {
	t.Helper()
	body, ok := v.([]byte)
	if !ok {
		var err error
		body, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}
}

func TestConsumer_ProcessMessage_PublishesVerdict(t *testing.T) {
	pub := &recordingPublisher{}
	c := newTestConsumer(pub)
	ack := &fakeAck{}

	job := GradingJob{
		ID:           uuid.New(),
		SubmissionID: "sub-1",
		LearnerID:    "learner-1",
		Exercise:     domain.Exercise{ID: "ex-1", CourseID: "course-1", Order: 2},
		Course:       &domain.Course{ID: "course-1", Level: domain.LevelBeginner},
		Payload:      json.RawMessage(`{"submission":{"score":92,"cad_comparison":{"volume":{"ok":true}}}}`),
	}

	c.processMessage(context.Background(), 0, delivery(t, ack, job))

	if !ack.acked {
		t.Fatal("message was not acked")
	}
	if len(pub.queues) != 1 || pub.queues[0] != VerdictQueueName {
		t.Fatalf("published to %v; want [%s]", pub.queues, VerdictQueueName)
	}
	event := pub.messages[0].(*VerdictEvent)
	if event.SubmissionID != "sub-1" || event.Verdict.SubmissionID != "sub-1" {
		t.Errorf("submission id = %q / %q", event.SubmissionID, event.Verdict.SubmissionID)
	}
	if event.JobID != job.ID {
		t.Errorf("JobID = %v; want %v", event.JobID, job.ID)
	}
	if event.CourseID != "course-1" || event.LearnerID != "learner-1" {
		t.Errorf("event ids = %q/%q", event.CourseID, event.LearnerID)
	}
	if !event.Verdict.Success || event.Verdict.State != domain.VerdictGraded {
		t.Errorf("verdict = %+v; want graded success", event.Verdict)
	}
	if !event.Verdict.EvaluatedAt.Equal(fixedNow) || !event.PublishedAt.Equal(fixedNow) {
		t.Errorf("timestamps = %v / %v", event.Verdict.EvaluatedAt, event.PublishedAt)
	}
}

func TestConsumer_ProcessMessage_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"not json", []byte("{nope")},
		{"missing exercise", GradingJob{ID: uuid.New(), Payload: json.RawMessage(`{}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			c := newTestConsumer(pub)
			ack := &fakeAck{}

			c.processMessage(context.Background(), 0, delivery(t, ack, tt.body))

			if !ack.rejected || ack.requeued {
				t.Errorf("rejected=%v requeued=%v; want rejected without requeue", ack.rejected, ack.requeued)
			}
			if len(pub.messages) != 0 {
				t.Errorf("published %d messages; want 0", len(pub.messages))
			}
		})
	}
}

func TestConsumer_ProcessMessage_PublishFailureRequeuesOnce(t *testing.T) {
	job := GradingJob{ID: uuid.New(), Exercise: domain.Exercise{ID: "ex-1"}, Payload: json.RawMessage(`{}`)}

	for _, redelivered := range []bool{false, true} {
		pub := &recordingPublisher{err: errors.New("channel closed")}
		c := newTestConsumer(pub)
		ack := &fakeAck{}
		msg := delivery(t, ack, job)
		msg.Redelivered = redelivered

		c.processMessage(context.Background(), 0, msg)

		if !ack.nacked {
			t.Fatalf("redelivered=%v: message was not nacked", redelivered)
		}
		if ack.requeued == redelivered {
			t.Errorf("redelivered=%v: requeue=%v", redelivered, ack.requeued)
		}
	}
}

func TestConsumer_Evaluate_MalformedPayloadStillProducesVerdict(t *testing.T) {
	c := newTestConsumer(&recordingPublisher{})
	job := &GradingJob{
		ID:       uuid.New(),
		Exercise: domain.Exercise{ID: "ex-asm", CourseID: "c-adv", Order: 14},
		Course:   &domain.Course{ID: "c-adv", Level: domain.LevelAdvanced},
		Payload:  json.RawMessage(`{"cad_comparison":{"components_match":"oops"}}`),
	}
	job.SubmissionID = job.ID.String()

	event := c.evaluate(job)

	if event.Verdict.State != domain.VerdictMalformed {
		t.Errorf("state = %q; want %q", event.Verdict.State, domain.VerdictMalformed)
	}
	if event.Verdict.AllowNext {
		t.Error("malformed verdict must not allow next")
	}
}

func TestNewConsumer_AppliesDefaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  ConsumerConfig
		want ConsumerConfig
	}{
		{"zero", ConsumerConfig{}, ConsumerConfig{Workers: 3, Prefetch: 1}},
		{"custom", ConsumerConfig{Workers: 10, Prefetch: 5}, ConsumerConfig{Workers: 10, Prefetch: 5}},
		{"negative", ConsumerConfig{Workers: -1, Prefetch: 2}, ConsumerConfig{Workers: 3, Prefetch: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConsumer(nil, validation.NewEngine(nil), tt.cfg)
			if c.workers != tt.want.Workers || c.prefetch != tt.want.Prefetch {
				t.Errorf("workers=%d prefetch=%d; want %+v", c.workers, c.prefetch, tt.want)
			}
		})
	}
}

func TestVerdictConsumer_Deliver(t *testing.T) {
	event := VerdictEvent{ID: uuid.New(), SubmissionID: "sub-9", Verdict: domain.Verdict{ExerciseID: "ex-9"}}

	t.Run("handled", func(t *testing.T) {
		var got *VerdictEvent
		vc := NewVerdictConsumer(nil, func(ctx context.Context, e *VerdictEvent) error {
			got = e
			return nil
		})
		ack := &fakeAck{}
		vc.deliver(context.Background(), delivery(t, ack, event))
		if !ack.acked {
			t.Error("event was not acked")
		}
		if got == nil || got.SubmissionID != "sub-9" {
			t.Errorf("handler got %+v", got)
		}
	})

	t.Run("handler error requeues", func(t *testing.T) {
		vc := NewVerdictConsumer(nil, func(ctx context.Context, e *VerdictEvent) error {
			return errors.New("disk full")
		})
		ack := &fakeAck{}
		vc.deliver(context.Background(), delivery(t, ack, event))
		if !ack.nacked || !ack.requeued {
			t.Errorf("nacked=%v requeued=%v; want requeue", ack.nacked, ack.requeued)
		}
	})

	t.Run("garbage rejected", func(t *testing.T) {
		vc := NewVerdictConsumer(nil, func(ctx context.Context, e *VerdictEvent) error {
			t.Error("handler must not be called")
			return nil
		})
		ack := &fakeAck{}
		vc.deliver(context.Background(), delivery(t, ack, []byte("[")))
		if !ack.rejected || ack.requeued {
			t.Error("garbage should be rejected without requeue")
		}
	})
}

func TestStop_NilCancelFunc(t *testing.T) {
	(&Consumer{}).Stop()
	(&VerdictConsumer{}).Stop()
}
