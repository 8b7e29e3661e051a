package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexoriau/modelforu-sub001/internal/domain"
	"github.com/nexoriau/modelforu-sub001/internal/genapi"
	"github.com/nexoriau/modelforu-sub001/internal/queue"
	"github.com/nexoriau/modelforu-sub001/internal/service"
)

// Generator is the slice of the external generation client the processor
// drives. Submit absorbs the provider's busy sentinel internally.
type Generator interface {
	Submit(ctx context.Context, payload genapi.SubmitPayload) (string, error)
	PollStatus(ctx context.Context, jobID string) (genapi.Status, error)
	FetchResult(ctx context.Context, jobID string) ([]byte, string, error)
}

// MediaStore uploads result bytes and inlines stored source images.
type MediaStore interface {
	UploadMedia(ctx context.Context, data []byte, contentType string) (string, error)
	SourceImageToInline(ctx context.Context, url string) (string, error)
}

// ResultSink commits one finished batch item.
type ResultSink interface {
	ApplyResult(ctx context.Context, result service.Result) error
}

// PollPolicy is the status-poll cadence and ceiling. Hitting the ceiling is a
// hard timeout failure.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// Processor consumes generation jobs and drives each one through
// submit, poll, download, upload and persist. Any error aborts the attempt
// and is handed back to the queue's retry mechanism.
type Processor struct {
	consumer queue.Consumer
	gen      Generator
	media    MediaStore
	results  ResultSink
	poll     PollPolicy
	logger   zerolog.Logger
}

func NewProcessor(
	consumer queue.Consumer,
	gen Generator,
	media MediaStore,
	results ResultSink,
	poll PollPolicy,
	logger zerolog.Logger,
) *Processor {
	if poll.Interval <= 0 {
		poll.Interval = 2500 * time.Millisecond
	}
	if poll.MaxAttempts <= 0 {
		poll.MaxAttempts = 240
	}
	return &Processor{
		consumer: consumer,
		gen:      gen,
		media:    media,
		results:  results,
		poll:     poll,
		logger:   logger,
	}
}

func (p *Processor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.ProcessJob)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.Error().Err(err).Msg("worker consume loop error")

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ProcessJob runs one job attempt end to end. A returned error consumes one
// queue attempt; persistence is the only step with partial-write risk and it
// is transactional inside the sink.
func (p *Processor) ProcessJob(ctx context.Context, job domain.GenerationJob) error {
	started := time.Now()
	p.logger.Info().
		Str("job_id", job.ID).
		Str("generation_id", job.GenerationID).
		Str("type", string(job.Type)).
		Int("attempt", job.Attempt).
		Msg("job received")

	payload, err := p.buildPayload(ctx, job)
	if err != nil {
		return err
	}

	externalID, err := p.gen.Submit(ctx, payload)
	if err != nil {
		return fmt.Errorf("submit generation: %w", err)
	}

	if err := p.awaitCompletion(ctx, job, externalID); err != nil {
		return err
	}

	data, contentType, err := p.gen.FetchResult(ctx, externalID)
	if err != nil {
		return fmt.Errorf("fetch result: %w", err)
	}

	mediaURL, err := p.media.UploadMedia(ctx, data, contentType)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}

	err = p.results.ApplyResult(ctx, service.Result{
		GenerationID:   job.GenerationID,
		UserID:         job.UserID,
		ModelID:        job.ModelID,
		Type:           job.Type,
		Prompt:         job.Description,
		MediaURL:       mediaURL,
		GenerationTime: time.Since(started).Seconds(),
		BatchSize:      job.Batch.Total,
	})
	if err != nil {
		return err
	}

	p.logger.Info().
		Str("job_id", job.ID).
		Str("generation_id", job.GenerationID).
		Dur("took", time.Since(started)).
		Msg("job processed")
	return nil
}

func (p *Processor) buildPayload(ctx context.Context, job domain.GenerationJob) (genapi.SubmitPayload, error) {
	payload := genapi.SubmitPayload{
		Type:        job.Type,
		Prompt:      job.Description,
		Resolution:  job.Resolution,
		FPS:         job.FPS,
		Quality:     job.Quality,
		VideoLength: job.VideoLength,
	}

	if job.Type == domain.GenerationTypeVideo && job.ImageURL != "" {
		inline, err := p.media.SourceImageToInline(ctx, job.ImageURL)
		if err != nil {
			return genapi.SubmitPayload{}, fmt.Errorf("inline source image: %w", err)
		}
		payload.Image = inline
	}
	return payload, nil
}

// awaitCompletion polls on a fixed interval until the provider reports a
// terminal state or the ceiling is hit.
func (p *Processor) awaitCompletion(ctx context.Context, job domain.GenerationJob, externalID string) error {
	for attempt := 0; attempt < p.poll.MaxAttempts; attempt++ {
		status, err := p.gen.PollStatus(ctx, externalID)
		if err != nil {
			return fmt.Errorf("poll status: %w", err)
		}

		switch status {
		case genapi.StatusSucceeded:
			return nil
		case genapi.StatusFailed:
			return fmt.Errorf("generation %s rejected by provider for job %s", externalID, job.ID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.poll.Interval):
		}
	}
	return fmt.Errorf("generation %s timed out after %d polls", externalID, p.poll.MaxAttempts)
}
