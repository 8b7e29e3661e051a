package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nexoriau/modelforu-sub001/internal/domain"
	"github.com/nexoriau/modelforu-sub001/internal/notify"
	"github.com/nexoriau/modelforu-sub001/internal/repository"
)

const promptPrefixLen = 80

// Result carries one finished batch item from the worker into the aggregate.
type Result struct {
	GenerationID   string
	UserID         string
	ModelID        string
	Type           domain.GenerationType
	Prompt         string
	MediaURL       string
	GenerationTime float64
	BatchSize      int
}

// Aggregator applies results to the Generation aggregate and fires the
// completion side effects exactly once per generation. The exclusivity comes
// from the repository's decrement-and-check transaction: only the call that
// observes the remaining counter hit zero proceeds past the persistence step.
type Aggregator struct {
	repo               repository.GenerationsRepository
	notifier           notify.Notifier
	activity           notify.ActivityTracker
	lowCreditThreshold int
	logger             zerolog.Logger
}

type AggregatorDependencies struct {
	Repo               repository.GenerationsRepository
	Notifier           notify.Notifier
	Activity           notify.ActivityTracker
	LowCreditThreshold int
	Logger             zerolog.Logger
}

func NewAggregator(deps AggregatorDependencies) *Aggregator {
	if deps.LowCreditThreshold <= 0 {
		deps.LowCreditThreshold = 5
	}
	return &Aggregator{
		repo:               deps.Repo,
		notifier:           deps.Notifier,
		activity:           deps.Activity,
		lowCreditThreshold: deps.LowCreditThreshold,
		logger:             deps.Logger,
	}
}

// ApplyResult commits one batch item. The persistence step either fully
// commits or fully rolls back; a persistence error is returned for the
// queue's outer retry. Side effects run after the commit inside their own
// error boundary and can never abort it.
func (a *Aggregator) ApplyResult(ctx context.Context, result Result) error {
	outcome, err := a.repo.ApplyResult(ctx, repository.ApplyResultParams{
		GenerationID:   result.GenerationID,
		Type:           result.Type,
		MediaURL:       result.MediaURL,
		GenerationTime: result.GenerationTime,
	})
	if err != nil {
		return fmt.Errorf("apply result for generation %s: %w", result.GenerationID, err)
	}

	if outcome.AlreadyComplete {
		a.logger.Debug().
			Str("generation_id", result.GenerationID).
			Str("status", string(outcome.Status)).
			Msg("result redelivered after terminal status, skipped")
		return nil
	}

	a.logger.Info().
		Str("generation_id", result.GenerationID).
		Str("status", string(outcome.Status)).
		Int("items_length", outcome.ItemsLength).
		Int("remaining", outcome.Remaining).
		Msg("generation result applied")

	if !outcome.Completed {
		return nil
	}

	a.finish(ctx, result)
	return nil
}

// finish runs the completion side effects: low-credit check, completion and
// conditional low-credit notifications, one activity-log entry. Each call is
// fire-and-forget; a failure here is logged and swallowed.
func (a *Aggregator) finish(ctx context.Context, result Result) {
	balance, err := a.repo.UserTokens(ctx, result.UserID)
	if err != nil {
		a.logger.Error().Err(err).
			Str("user_id", result.UserID).
			Msg("low-credit check skipped, balance read failed")
		balance = -1
	}

	modelName, err := a.repo.ModelName(ctx, result.ModelID)
	if err != nil {
		a.logger.Warn().Err(err).
			Str("model_id", result.ModelID).
			Msg("model name lookup failed, using id")
		modelName = result.ModelID
	}

	if err := a.notifier.GenerationComplete(ctx, result.UserID, result.Type, modelName); err != nil {
		a.logger.Error().Err(err).
			Str("generation_id", result.GenerationID).
			Msg("generation-complete notification failed")
	}

	if balance >= 0 && balance < a.lowCreditThreshold {
		if err := a.notifier.LowCredits(ctx, result.UserID, balance); err != nil {
			a.logger.Error().Err(err).
				Str("user_id", result.UserID).
				Msg("low-credits notification failed")
		}
	}

	entry := notify.ActivityEntry{
		UserID:       result.UserID,
		ActivityType: "generation_completed",
		EntityID:     result.GenerationID,
		Description:  fmt.Sprintf("%s generation completed with %s", result.Type, modelName),
		Metadata: map[string]any{
			"generation_time": result.GenerationTime,
			"model_name":      modelName,
			"prompt":          promptPrefix(result.Prompt),
			"batch_size":      result.BatchSize,
		},
	}
	if err := a.activity.Track(ctx, entry); err != nil {
		a.logger.Error().Err(err).
			Str("generation_id", result.GenerationID).
			Msg("activity tracking failed")
	}
}

func promptPrefix(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= promptPrefixLen {
		return prompt
	}
	return string(runes[:promptPrefixLen])
}
