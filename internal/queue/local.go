package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexoriau/modelforu-sub001/internal/domain"
)

// LocalQueue is a fallback queue used when Redis is not configured. It keeps
// the same retry, exhaustion and DLQ semantics in process memory, which also
// makes it the worker harness for tests.
type LocalQueue struct {
	ch          chan domain.GenerationJob
	maxAttempts int
	retryDelay  time.Duration
	onExhausted ExhaustedFunc
	logger      zerolog.Logger

	dlqMu sync.Mutex
	dlq   []domain.GenerationJob
}

type LocalConfig struct {
	BufferSize  int
	MaxAttempts int
	RetryDelay  time.Duration
	OnExhausted ExhaustedFunc
	Logger      zerolog.Logger
}

func NewLocalQueue(cfg LocalConfig) *LocalQueue {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 512
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &LocalQueue{
		ch:          make(chan domain.GenerationJob, cfg.BufferSize),
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		onExhausted: cfg.OnExhausted,
		logger:      cfg.Logger,
		dlq:         make([]domain.GenerationJob, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, job domain.GenerationJob) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- job:
		return nil
	}
}

func (q *LocalQueue) EnqueueBatch(ctx context.Context, jobs []domain.GenerationJob) error {
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case q.ch <- job:
		}
	}
	return nil
}

func (q *LocalQueue) Consume(ctx context.Context, handler func(context.Context, domain.GenerationJob) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-q.ch:
			err := handler(ctx, job)
			if err == nil {
				continue
			}

			job.Attempt++
			if job.Attempt >= q.maxAttempts {
				if q.onExhausted != nil {
					q.onExhausted(ctx, job, err)
				}
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, job)
				q.dlqMu.Unlock()
				q.logger.Warn().
					Str("job_id", job.ID).
					Str("generation_id", job.GenerationID).
					Err(err).
					Msg("local queue moved job to DLQ")
				continue
			}

			delay := time.Duration(job.Attempt) * q.retryDelay
			go func(retryJob domain.GenerationJob) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
					q.ch <- retryJob
				}
			}(job)
		}
	}
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}
