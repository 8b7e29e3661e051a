package repository

import (
	"context"
	"testing"
	"time"

	"github.com/nexoriau/modelforu-sub001/internal/domain"
)

func TestApplyResultDecrementGuard(t *testing.T) {
	repo := NewMemoryGenerationsRepository()
	repo.PutGeneration(domain.Generation{
		ID:        "gen-1",
		UserID:    "user-1",
		Status:    domain.GenerationStatusQueued,
		Remaining: 2,
	})

	first, err := repo.ApplyResult(context.Background(), ApplyResultParams{
		GenerationID: "gen-1",
		Type:         domain.GenerationTypePhoto,
		MediaURL:     "https://cdn.example.com/i/1.png",
	})
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	if first.Completed || first.Status != domain.GenerationStatusProcessing {
		t.Fatalf("expected PROCESSING after first item, got %+v", first)
	}

	second, err := repo.ApplyResult(context.Background(), ApplyResultParams{
		GenerationID: "gen-1",
		Type:         domain.GenerationTypePhoto,
		MediaURL:     "https://cdn.example.com/i/2.png",
	})
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if !second.Completed || second.Status != domain.GenerationStatusCompleted {
		t.Fatalf("expected completion on final item, got %+v", second)
	}

	third, err := repo.ApplyResult(context.Background(), ApplyResultParams{
		GenerationID: "gen-1",
		Type:         domain.GenerationTypePhoto,
		MediaURL:     "https://cdn.example.com/i/2.png",
	})
	if err != nil {
		t.Fatalf("redelivered apply failed: %v", err)
	}
	if !third.AlreadyComplete || third.Completed {
		t.Fatalf("expected no-op on redelivery, got %+v", third)
	}
	if images := repo.Images("gen-1"); len(images) != 2 {
		t.Fatalf("expected 2 image rows, got %d", len(images))
	}
}

func TestFailIsTerminalOnce(t *testing.T) {
	repo := NewMemoryGenerationsRepository()
	repo.PutGeneration(domain.Generation{
		ID:        "gen-1",
		UserID:    "user-1",
		Status:    domain.GenerationStatusProcessing,
		Remaining: 1,
	})
	repo.PutUserTokens("user-1", 5)

	updated, err := repo.Fail(context.Background(), FailParams{
		GenerationID: "gen-1",
		UserID:       "user-1",
		ErrorMessage: "boom",
		Refund:       2,
	})
	if err != nil || !updated {
		t.Fatalf("expected first fail to apply, updated=%v err=%v", updated, err)
	}

	updated, err = repo.Fail(context.Background(), FailParams{
		GenerationID: "gen-1",
		UserID:       "user-1",
		ErrorMessage: "boom again",
		Refund:       2,
	})
	if err != nil || updated {
		t.Fatalf("expected second fail to be a no-op, updated=%v err=%v", updated, err)
	}

	balance, err := repo.UserTokens(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance != 7 {
		t.Fatalf("expected balance 7, got %d", balance)
	}
}

func TestListStaleFiltersTerminalRows(t *testing.T) {
	repo := NewMemoryGenerationsRepository()
	old := time.Now().UTC().Add(-time.Hour)
	repo.PutGeneration(domain.Generation{
		ID: "gen-stuck", UserID: "u", Status: domain.GenerationStatusProcessing,
		Remaining: 1, UpdatedAt: old,
	})
	repo.PutGeneration(domain.Generation{
		ID: "gen-done", UserID: "u", Status: domain.GenerationStatusCompleted,
		UpdatedAt: old,
	})
	repo.PutGeneration(domain.Generation{
		ID: "gen-fresh", UserID: "u", Status: domain.GenerationStatusProcessing,
		Remaining: 1, UpdatedAt: time.Now().UTC(),
	})

	stale, err := repo.ListStale(context.Background(), time.Now().UTC().Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "gen-stuck" {
		t.Fatalf("expected only gen-stuck, got %+v", stale)
	}
}
