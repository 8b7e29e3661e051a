package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexoriau/modelforu-sub001/internal/domain"
)

// MemoryGenerationsRepository mirrors the Postgres semantics in memory for
// local development and tests, including the decrement-and-check completion
// guard and atomic balance updates.
type MemoryGenerationsRepository struct {
	mu          sync.Mutex
	generations map[string]*domain.Generation
	images      map[string][]domain.GeneratedImage
	tokens      map[string]int
	modelNames  map[string]string
}

func NewMemoryGenerationsRepository() *MemoryGenerationsRepository {
	return &MemoryGenerationsRepository{
		generations: make(map[string]*domain.Generation),
		images:      make(map[string][]domain.GeneratedImage),
		tokens:      make(map[string]int),
		modelNames:  make(map[string]string),
	}
}

// PutGeneration seeds an aggregate, normally done by the out-of-scope
// producer when the request is accepted.
func (r *MemoryGenerationsRepository) PutGeneration(generation domain.Generation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := generation
	clone.MediaURLs = append([]string(nil), generation.MediaURLs...)
	if clone.Status == "" {
		clone.Status = domain.GenerationStatusQueued
	}
	r.generations[generation.ID] = &clone
}

func (r *MemoryGenerationsRepository) PutUserTokens(userID string, balance int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[userID] = balance
}

func (r *MemoryGenerationsRepository) PutModelName(modelID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelNames[modelID] = name
}

func (r *MemoryGenerationsRepository) Generation(generationID string) (domain.Generation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	generation, ok := r.generations[generationID]
	if !ok {
		return domain.Generation{}, false
	}
	clone := *generation
	clone.MediaURLs = append([]string(nil), generation.MediaURLs...)
	return clone, true
}

func (r *MemoryGenerationsRepository) Images(generationID string) []domain.GeneratedImage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.GeneratedImage(nil), r.images[generationID]...)
}

func (r *MemoryGenerationsRepository) ApplyResult(_ context.Context, params ApplyResultParams) (ApplyOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	generation, ok := r.generations[params.GenerationID]
	if !ok {
		return ApplyOutcome{}, ErrNotFound
	}

	terminal := generation.Status == domain.GenerationStatusCompleted ||
		generation.Status == domain.GenerationStatusFailed
	if terminal || generation.Remaining <= 0 {
		return ApplyOutcome{
			AlreadyComplete: true,
			Status:          generation.Status,
			ItemsLength:     generation.ItemsLength,
		}, nil
	}

	generation.Remaining--
	if generation.Remaining == 0 {
		generation.Status = domain.GenerationStatusCompleted
	} else {
		generation.Status = domain.GenerationStatusProcessing
	}
	generation.GenerationTime = params.GenerationTime
	generation.UpdatedAt = time.Now().UTC()

	if params.Type == domain.GenerationTypePhoto {
		generation.ItemsLength++
		r.images[generation.ID] = append(r.images[generation.ID], domain.GeneratedImage{
			ID:         uuid.NewString(),
			GenerateID: generation.ID,
			ImageURL:   params.MediaURL,
			CreatedAt:  time.Now().UTC(),
		})
	} else {
		generation.MediaURLs = []string{params.MediaURL}
	}

	return ApplyOutcome{
		Completed:   generation.Remaining == 0,
		Status:      generation.Status,
		ItemsLength: generation.ItemsLength,
		Remaining:   generation.Remaining,
	}, nil
}

func (r *MemoryGenerationsRepository) Fail(_ context.Context, params FailParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	generation, ok := r.generations[params.GenerationID]
	if !ok {
		return false, ErrNotFound
	}
	if generation.Status == domain.GenerationStatusCompleted ||
		generation.Status == domain.GenerationStatusFailed {
		return false, nil
	}

	generation.Status = domain.GenerationStatusFailed
	generation.ErrorMessage = params.ErrorMessage
	generation.UpdatedAt = time.Now().UTC()

	if params.Refund > 0 {
		r.tokens[params.UserID] += params.Refund
	}
	return true, nil
}

func (r *MemoryGenerationsRepository) UserTokens(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.tokens[userID]
	if !ok {
		return 0, ErrNotFound
	}
	return balance, nil
}

func (r *MemoryGenerationsRepository) ModelName(_ context.Context, modelID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.modelNames[modelID]
	if !ok {
		return "", ErrNotFound
	}
	return name, nil
}

func (r *MemoryGenerationsRepository) ListStale(_ context.Context, cutoff time.Time, limit int) ([]domain.Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stale := make([]domain.Generation, 0)
	for _, generation := range r.generations {
		if generation.Status != domain.GenerationStatusQueued &&
			generation.Status != domain.GenerationStatusProcessing {
			continue
		}
		if generation.UpdatedAt.After(cutoff) {
			continue
		}
		clone := *generation
		clone.MediaURLs = append([]string(nil), generation.MediaURLs...)
		stale = append(stale, clone)
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}
