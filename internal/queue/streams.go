package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexoriau/modelforu-sub001/internal/domain"
)

// RedeliveryPolicy shapes the backoff applied before a failed job becomes
// visible again. The delay doubles per attempt from Base, capped at Max.
type RedeliveryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

func (p RedeliveryPolicy) delay(attempt int) time.Duration {
	if p.Base <= 0 {
		p.Base = 5 * time.Second
	}
	if p.Max <= 0 {
		p.Max = 2 * time.Minute
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

type StreamsConfig struct {
	Addr        string
	Password    string
	DB          int
	Stream      string
	DLQStream   string
	DelaySet    string
	Group       string
	Consumer    string
	MaxAttempts int
	Redelivery  RedeliveryPolicy
	OnExhausted ExhaustedFunc
}

// StreamsQueue implements Producer+Consumer backed by Redis Streams. The
// consumer group gives single-delivery lease semantics; failed jobs are parked
// in a sorted set scored by their redelivery deadline and moved back onto the
// stream by MoveDue.
type StreamsQueue struct {
	client      *redis.Client
	stream      string
	dlqStream   string
	delaySet    string
	group       string
	consumer    string
	maxAttempts int
	redelivery  RedeliveryPolicy
	onExhausted ExhaustedFunc
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "generation_jobs"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "generation_jobs_dlq"
	}
	if cfg.DelaySet == "" {
		cfg.DelaySet = "generation_jobs_delayed"
	}
	if cfg.Group == "" {
		cfg.Group = "generation_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := &StreamsQueue{
		client:      client,
		stream:      cfg.Stream,
		dlqStream:   cfg.DLQStream,
		delaySet:    cfg.DelaySet,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxAttempts: cfg.MaxAttempts,
		redelivery:  cfg.Redelivery,
		onExhausted: cfg.OnExhausted,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

func (q *StreamsQueue) Enqueue(ctx context.Context, job domain.GenerationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"payload": string(payload),
			"attempt": job.Attempt,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

// EnqueueBatch pushes the independent size-1 jobs of one generation request in
// a single round trip.
func (q *StreamsQueue) EnqueueBatch(ctx context.Context, jobs []domain.GenerationJob) error {
	if len(jobs) == 0 {
		return nil
	}

	pipeline := q.client.Pipeline()
	for _, job := range jobs {
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", job.ID, err)
		}
		pipeline.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: map[string]any{
				"payload": string(payload),
				"attempt": job.Attempt,
			},
		})
	}

	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue batch to stream: %w", err)
	}
	return nil
}

// Consume reads one job at a time for this worker slot and runs the handler.
// It is safe to call from several goroutines sharing the consumer name; the
// group delivers each entry to exactly one reader.
func (q *StreamsQueue) Consume(ctx context.Context, handler func(context.Context, domain.GenerationJob) error) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				job, parseErr := parseStreamJob(item)
				if parseErr != nil {
					_ = q.sendToDLQ(ctx, domain.GenerationJob{}, item, parseErr.Error())
					_ = q.ackAndDelete(ctx, item.ID)
					continue
				}

				handleErr := handler(ctx, job)
				if handleErr == nil {
					_ = q.ackAndDelete(ctx, item.ID)
					continue
				}

				job.Attempt++
				if job.Attempt >= q.maxAttempts {
					if q.onExhausted != nil {
						q.onExhausted(ctx, job, handleErr)
					}
					_ = q.sendToDLQ(ctx, job, item, handleErr.Error())
					_ = q.ackAndDelete(ctx, item.ID)
					continue
				}

				if delayErr := q.scheduleRedelivery(ctx, job); delayErr != nil {
					_ = q.sendToDLQ(ctx, job, item, fmt.Sprintf("schedule redelivery failed: %v", delayErr))
				}
				_ = q.ackAndDelete(ctx, item.ID)
			}
		}
	}
}

func (q *StreamsQueue) scheduleRedelivery(ctx context.Context, job domain.GenerationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	due := time.Now().UTC().Add(q.redelivery.delay(job.Attempt))
	if err := q.client.ZAdd(ctx, q.delaySet, redis.Z{
		Score:  float64(due.Unix()),
		Member: string(payload),
	}).Err(); err != nil {
		return fmt.Errorf("park delayed job: %w", err)
	}
	return nil
}

// MoveDue shifts parked jobs whose backoff has elapsed back onto the stream.
// Intended to run on a short schedule from the worker main.
func (q *StreamsQueue) MoveDue(ctx context.Context, now time.Time, batch int64) error {
	members, err := q.client.ZRangeByScore(ctx, q.delaySet, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.Unix(), 10),
		Offset: 0,
		Count:  batch,
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}

	pipeline := q.client.TxPipeline()
	for _, member := range members {
		attempt := 0
		var job domain.GenerationJob
		if err := json.Unmarshal([]byte(member), &job); err == nil {
			attempt = job.Attempt
		}
		pipeline.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: map[string]any{
				"payload": member,
				"attempt": attempt,
			},
		})
		pipeline.ZRem(ctx, q.delaySet, member)
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("move due jobs: %w", err)
	}
	return nil
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(
	ctx context.Context,
	job domain.GenerationJob,
	item redis.XMessage,
	errorMessage string,
) error {
	payload, _ := json.Marshal(job)
	values := map[string]any{
		"stream_id":     item.ID,
		"job_id":        job.ID,
		"generation_id": job.GenerationID,
		"payload":       string(payload),
		"attempt":       job.Attempt,
		"error":         errorMessage,
		"moved_at":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		return fmt.Errorf("send to dlq: %w", err)
	}
	return nil
}

func parseStreamJob(item redis.XMessage) (domain.GenerationJob, error) {
	raw, ok := item.Values["payload"]
	if !ok {
		return domain.GenerationJob{}, errors.New("missing field payload")
	}

	var payload string
	switch casted := raw.(type) {
	case string:
		payload = casted
	case []byte:
		payload = string(casted)
	default:
		payload = fmt.Sprintf("%v", casted)
	}

	var job domain.GenerationJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return domain.GenerationJob{}, fmt.Errorf("decode job payload: %w", err)
	}
	if job.GenerationID == "" {
		return domain.GenerationJob{}, errors.New("job payload missing generationId")
	}

	if rawAttempt, ok := item.Values["attempt"]; ok {
		switch casted := rawAttempt.(type) {
		case string:
			if attempt, err := strconv.Atoi(casted); err == nil && attempt > job.Attempt {
				job.Attempt = attempt
			}
		case int64:
			if int(casted) > job.Attempt {
				job.Attempt = int(casted)
			}
		}
	}

	return job, nil
}
