package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexoriau/modelforu-sub001/internal/domain"
)

func TestLocalQueueRetriesThenSucceeds(t *testing.T) {
	q := NewLocalQueue(LocalConfig{
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		Logger:      zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int64
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, job domain.GenerationJob) error {
			if atomic.AddInt64(&attempts, 1) < 2 {
				return errors.New("transient")
			}
			close(done)
			return nil
		})
	}()

	if err := q.Enqueue(ctx, domain.GenerationJob{ID: "job-1", GenerationID: "gen-1"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("job was not redelivered")
	}

	if got := atomic.LoadInt64(&attempts); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	if q.DLQSize() != 0 {
		t.Fatalf("expected empty DLQ, got %d", q.DLQSize())
	}
}

func TestLocalQueueExhaustionRunsHookOnce(t *testing.T) {
	var hookCalls int64
	var hookAttempt int64
	q := NewLocalQueue(LocalConfig{
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
		OnExhausted: func(_ context.Context, job domain.GenerationJob, cause error) {
			atomic.AddInt64(&hookCalls, 1)
			atomic.StoreInt64(&hookAttempt, int64(job.Attempt))
		},
		Logger: zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = q.Consume(ctx, func(context.Context, domain.GenerationJob) error {
			return errors.New("permanent")
		})
	}()

	if err := q.Enqueue(ctx, domain.GenerationJob{ID: "job-1", GenerationID: "gen-1"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for q.DLQSize() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("job never dead-lettered")
		}
		time.Sleep(time.Millisecond)
	}

	if got := atomic.LoadInt64(&hookCalls); got != 1 {
		t.Fatalf("expected exhaustion hook to run once, ran %d times", got)
	}
	if got := atomic.LoadInt64(&hookAttempt); got != 2 {
		t.Fatalf("expected exhausted job to carry attempt=2, got %d", got)
	}
}

func TestRedeliveryPolicyDelays(t *testing.T) {
	policy := RedeliveryPolicy{Base: time.Second, Max: 10 * time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{9, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := policy.delay(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}
