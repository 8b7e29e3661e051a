package queue

import (
	"context"

	"github.com/nexoriau/modelforu-sub001/internal/domain"
)

// Producer sends generation jobs to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, job domain.GenerationJob) error
}

// Consumer receives generation jobs and executes handlers. The backend owns
// attempt counting, backoff scheduling and dead-lettering; a handler error
// consumes one attempt.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.GenerationJob) error) error
}

// ExhaustedFunc runs once when a job has burned its final attempt, before the
// job is dropped to the dead-letter stream.
type ExhaustedFunc func(ctx context.Context, job domain.GenerationJob, cause error)
