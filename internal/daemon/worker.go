package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/mecaflow/internal/queue"
	"github.com/felixgeelhaar/mecaflow/internal/storage"
)

func (s *Server) setupQueue() error {
	conn, err := queue.NewConnection(s.cfg.Queue.URL)
	if err != nil {
		return fmt.Errorf("connect queue: %w", err)
	}
	s.queueConn = conn
	s.producer = queue.NewProducer(conn)
	s.consumer = queue.NewConsumer(conn, s.engine, queue.ConsumerConfig{Workers: s.cfg.Queue.Workers})
	if s.history != nil {
		s.verdictConsumer = queue.NewVerdictConsumer(conn, s.persistVerdict)
	}
	return nil
}

func (s *Server) startQueue(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("start grading consumer: %w", err)
	}
	if s.verdictConsumer != nil {
		if err := s.verdictConsumer.Start(ctx); err != nil {
			return fmt.Errorf("start verdict consumer: %w", err)
		}
	}
	return nil
}

func (s *Server) stopQueue() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	if s.verdictConsumer != nil {
		s.verdictConsumer.Stop()
	}
	if s.queueConn != nil {
		if err := s.queueConn.Close(); err != nil {
			slog.Warn("failed to close queue connection", "error", err)
		}
	}
}

// persistVerdict stores verdict events in the history. Saving is an upsert, so
// events for submissions this daemon already recorded are harmless.
func (s *Server) persistVerdict(ctx context.Context, event *queue.VerdictEvent) error {
	v := event.Verdict
	if v.SubmissionID == "" {
		v.SubmissionID = event.SubmissionID
	}
	return s.history.Save(ctx, storage.VerdictRecord{
		Verdict:   v,
		CourseID:  event.CourseID,
		LearnerID: event.LearnerID,
	})
}
