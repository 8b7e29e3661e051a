package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexoriau/modelforu-sub001/internal/repository"
	"github.com/nexoriau/modelforu-sub001/internal/service"
)

// Sweeper fails generations stuck in a non-terminal status past the stale
// cutoff. Covers jobs lost outside normal retry accounting, for example a
// worker killed mid-attempt after the queue entry was already dead-lettered.
type Sweeper struct {
	repo       repository.GenerationsRepository
	comp       *service.Compensator
	staleAfter time.Duration
	batch      int
	logger     zerolog.Logger
}

func NewSweeper(
	repo repository.GenerationsRepository,
	comp *service.Compensator,
	staleAfter time.Duration,
	batch int,
	logger zerolog.Logger,
) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		repo:       repo,
		comp:       comp,
		staleAfter: staleAfter,
		batch:      batch,
		logger:     logger,
	}
}

// Sweep routes each stale generation through the compensator. The refund hint
// is the count of batch items that never arrived.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	stale, err := s.repo.ListStale(ctx, cutoff, s.batch)
	if err != nil {
		s.logger.Error().Err(err).Msg("stale generation scan failed")
		return
	}
	if len(stale) == 0 {
		return
	}

	s.logger.Warn().Int("count", len(stale)).Msg("stale generations found")
	for _, generation := range stale {
		refund := generation.Remaining
		s.comp.OnExhausted(ctx, service.ExhaustedRequest{
			GenerationID: generation.ID,
			UserID:       generation.UserID,
			ErrorMessage: "generation timed out waiting for results",
			RefundHint:   &refund,
		})
	}
}
