package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/nexoriau/modelforu-sub001/internal/domain"
	"github.com/nexoriau/modelforu-sub001/internal/repository"
)

// ExhaustedRequest describes a job whose outer retries have run out.
// RefundHint, when set, overrides the type-based refund fallback.
type ExhaustedRequest struct {
	GenerationID string
	UserID       string
	Type         domain.GenerationType
	ErrorMessage string
	ItemsLength  int
	RefundHint   *int
}

// Compensator marks exhausted generations failed and returns the consumed
// credits. Every error inside it is logged and swallowed: a failed refund
// must never crash the worker, but it must be loud enough for manual
// reconciliation.
type Compensator struct {
	repo   repository.GenerationsRepository
	logger zerolog.Logger
}

func NewCompensator(repo repository.GenerationsRepository, logger zerolog.Logger) *Compensator {
	return &Compensator{repo: repo, logger: logger}
}

// OnExhausted runs once per dropped job: status=FAILED plus the refund,
// inside one transaction. An already-terminal generation is left untouched
// and not refunded again.
func (c *Compensator) OnExhausted(ctx context.Context, req ExhaustedRequest) {
	refund := c.refundAmount(req)

	updated, err := c.repo.Fail(ctx, repository.FailParams{
		GenerationID: req.GenerationID,
		UserID:       req.UserID,
		ErrorMessage: req.ErrorMessage,
		Refund:       refund,
	})
	if err != nil {
		c.logger.Error().Err(err).
			Str("generation_id", req.GenerationID).
			Str("user_id", req.UserID).
			Int("refund", refund).
			Msg("COMPENSATION FAILED, manual reconciliation required")
		return
	}
	if !updated {
		c.logger.Debug().
			Str("generation_id", req.GenerationID).
			Msg("generation already terminal, compensation skipped")
		return
	}

	c.logger.Warn().
		Str("generation_id", req.GenerationID).
		Str("user_id", req.UserID).
		Int("refund", refund).
		Str("error", req.ErrorMessage).
		Msg("generation failed, credits refunded")
}

// HandleJobExhausted adapts a dropped queue job into a compensation request.
// Wired as the queue's exhaustion hook.
func (c *Compensator) HandleJobExhausted(ctx context.Context, job domain.GenerationJob, cause error) {
	c.OnExhausted(ctx, ExhaustedRequest{
		GenerationID: job.GenerationID,
		UserID:       job.UserID,
		Type:         job.Type,
		ErrorMessage: cause.Error(),
		ItemsLength:  job.Batch.Total,
	})
}

func (c *Compensator) refundAmount(req ExhaustedRequest) int {
	if req.RefundHint != nil {
		return *req.RefundHint
	}
	if req.Type == domain.GenerationTypePhoto {
		return req.ItemsLength
	}
	return 0
}
