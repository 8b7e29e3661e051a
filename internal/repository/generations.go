package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nexoriau/modelforu-sub001/internal/domain"
)

var ErrNotFound = errors.New("resource not found")

// ApplyResultParams carries one finished batch item into the aggregate.
type ApplyResultParams struct {
	GenerationID   string
	Type           domain.GenerationType
	MediaURL       string
	GenerationTime float64
}

// ApplyOutcome reports what the transaction did. Completed is true for
// exactly one caller per generation: the one whose decrement observed the
// remaining counter reach zero. AlreadyComplete marks a redelivered result
// that found the generation already terminal and wrote nothing.
type ApplyOutcome struct {
	Completed       bool
	AlreadyComplete bool
	Status          domain.GenerationStatus
	ItemsLength     int
	Remaining       int
}

// FailParams marks a generation failed and credits the refund in the same
// transaction. Refund is applied as an arithmetic increment, never
// read-modify-write.
type FailParams struct {
	GenerationID string
	UserID       string
	ErrorMessage string
	Refund       int
}

// GenerationsRepository is everything the pipeline reads or writes. The
// Generation aggregate is mutated exclusively through ApplyResult and Fail.
type GenerationsRepository interface {
	// ApplyResult runs inside one transaction: decrement-and-check the
	// remaining counter, update status/media/items, and for photo items
	// insert one GeneratedImage row. Full commit or full rollback.
	ApplyResult(ctx context.Context, params ApplyResultParams) (ApplyOutcome, error)

	// Fail transitions a non-terminal generation to FAILED and applies the
	// refund atomically. Returns false when the generation was already
	// terminal, in which case no refund happens either.
	Fail(ctx context.Context, params FailParams) (bool, error)

	// UserTokens reads the current balance for the low-credit check.
	UserTokens(ctx context.Context, userID string) (int, error)

	// ModelName resolves a model's display name for notifications.
	ModelName(ctx context.Context, modelID string) (string, error)

	// ListStale returns non-terminal generations untouched since the cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Generation, error)
}
