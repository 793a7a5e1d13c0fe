package bus

import (
	"context"

	"github.com/studyforge/coursegen-backend/internal/sse"
)

// Bus fans SSE messages across instances: a job may execute on one instance
// while the owner's SSE stream is connected to another.
type Bus interface {
	Publish(ctx context.Context, msg sse.Message) error
	StartForwarder(ctx context.Context, onMsg func(msg sse.Message)) error
	Close() error
}
