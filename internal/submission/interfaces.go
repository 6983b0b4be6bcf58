package submission

import (
	"context"
	"encoding/json"

	"github.com/felixgeelhaar/mecaflow/internal/client"
	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/queue"
	"github.com/felixgeelhaar/mecaflow/internal/storage"
)

// Backend is the grading service. *client.Client implements it.
type Backend interface {
	// Submit uploads a file and returns the raw grading payload
	Submit(ctx context.Context, exerciseID string, up client.Upload) (json.RawMessage, error)

	// Me returns the authoritative learner record
	Me(ctx context.Context) (*domain.LearnerRecord, error)
}

// History stores evaluated verdicts. Every storage.VerdictStore implements it.
type History interface {
	Save(ctx context.Context, rec storage.VerdictRecord) error
}

// Publisher announces evaluated verdicts. *queue.Producer implements it.
type Publisher interface {
	PublishVerdict(ctx context.Context, event *queue.VerdictEvent) error
}

var (
	_ Backend   = (*client.Client)(nil)
	_ History   = storage.VerdictStore(nil)
	_ Publisher = (*queue.Producer)(nil)
)
