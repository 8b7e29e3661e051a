package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexoriau/modelforu-sub001/internal/domain"
)

type PostgresGenerationsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresGenerationsRepository(ctx context.Context, databaseURL string) (*PostgresGenerationsRepository, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresGenerationsRepository{pool: pool}, nil
}

func (r *PostgresGenerationsRepository) Close() {
	r.pool.Close()
}

func (r *PostgresGenerationsRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// ApplyResult performs the decrement-and-check update and the child insert in
// one transaction. The WHERE guard makes the final decrement exclusive: a
// concurrent or redelivered result finds remaining already at zero, matches
// no row, and is reported as AlreadyComplete without writing anything.
func (r *PostgresGenerationsRepository) ApplyResult(ctx context.Context, params ApplyResultParams) (ApplyOutcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ApplyOutcome{}, fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		remaining   int
		itemsLength int
		status      string
	)
	err = tx.QueryRow(ctx, `
		UPDATE generations
		SET remaining = remaining - 1,
			status = CASE WHEN remaining <= 1 THEN 'COMPLETED' ELSE 'PROCESSING' END,
			items_length = CASE WHEN $2 = 'photo' THEN items_length + 1 ELSE items_length END,
			media_urls = CASE WHEN $2 <> 'photo' THEN ARRAY[$3::text] ELSE media_urls END,
			generation_time = $4,
			updated_at = now()
		WHERE id = $1
			AND status IN ('QUEUED','PROCESSING')
			AND remaining > 0
		RETURNING remaining, items_length, status
	`, params.GenerationID, string(params.Type), params.MediaURL, params.GenerationTime).
		Scan(&remaining, &itemsLength, &status)

	if errors.Is(err, pgx.ErrNoRows) {
		return r.terminalOutcome(ctx, params.GenerationID)
	}
	if err != nil {
		return ApplyOutcome{}, fmt.Errorf("apply result update: %w", err)
	}

	if params.Type == domain.GenerationTypePhoto {
		_, err = tx.Exec(ctx, `
			INSERT INTO generated_images (id, generate_id, image_url, is_discarded, is_selected, created_at)
			VALUES ($1, $2, $3, false, false, now())
		`, uuid.NewString(), params.GenerationID, params.MediaURL)
		if err != nil {
			return ApplyOutcome{}, fmt.Errorf("insert generated image: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyOutcome{}, fmt.Errorf("commit apply tx: %w", err)
	}

	return ApplyOutcome{
		Completed:   remaining == 0,
		Status:      domain.GenerationStatus(status),
		ItemsLength: itemsLength,
		Remaining:   remaining,
	}, nil
}

func (r *PostgresGenerationsRepository) terminalOutcome(ctx context.Context, generationID string) (ApplyOutcome, error) {
	var (
		status      string
		itemsLength int
	)
	err := r.pool.QueryRow(ctx,
		`SELECT status, items_length FROM generations WHERE id = $1`,
		generationID,
	).Scan(&status, &itemsLength)
	if errors.Is(err, pgx.ErrNoRows) {
		return ApplyOutcome{}, ErrNotFound
	}
	if err != nil {
		return ApplyOutcome{}, fmt.Errorf("read generation: %w", err)
	}
	return ApplyOutcome{
		AlreadyComplete: true,
		Status:          domain.GenerationStatus(status),
		ItemsLength:     itemsLength,
	}, nil
}

func (r *PostgresGenerationsRepository) Fail(ctx context.Context, params FailParams) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	command, err := tx.Exec(ctx, `
		UPDATE generations
		SET status = 'FAILED',
			error_message = $2,
			updated_at = now()
		WHERE id = $1
			AND status IN ('QUEUED','PROCESSING')
	`, params.GenerationID, params.ErrorMessage)
	if err != nil {
		return false, fmt.Errorf("mark generation failed: %w", err)
	}
	if command.RowsAffected() == 0 {
		return false, nil
	}

	if params.Refund > 0 {
		_, err = tx.Exec(ctx,
			`UPDATE users SET tokens = tokens + $2 WHERE id = $1`,
			params.UserID, params.Refund,
		)
		if err != nil {
			return false, fmt.Errorf("refund tokens: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit fail tx: %w", err)
	}
	return true, nil
}

func (r *PostgresGenerationsRepository) UserTokens(ctx context.Context, userID string) (int, error) {
	var balance int
	err := r.pool.QueryRow(ctx, `SELECT tokens FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read user tokens: %w", err)
	}
	return balance, nil
}

func (r *PostgresGenerationsRepository) ModelName(ctx context.Context, modelID string) (string, error) {
	var name string
	err := r.pool.QueryRow(ctx, `SELECT name FROM models WHERE id = $1`, modelID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read model name: %w", err)
	}
	return name, nil
}

func (r *PostgresGenerationsRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Generation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, model_id, COALESCE(sub_model_id, ''), status,
			media_urls, items_length, remaining,
			COALESCE(generation_time, 0), COALESCE(error_message, ''),
			created_at, updated_at
		FROM generations
		WHERE status IN ('QUEUED','PROCESSING')
			AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale generations: %w", err)
	}
	defer rows.Close()

	generations := make([]domain.Generation, 0)
	for rows.Next() {
		var generation domain.Generation
		if err := rows.Scan(
			&generation.ID,
			&generation.UserID,
			&generation.ModelID,
			&generation.SubModelID,
			&generation.Status,
			&generation.MediaURLs,
			&generation.ItemsLength,
			&generation.Remaining,
			&generation.GenerationTime,
			&generation.ErrorMessage,
			&generation.CreatedAt,
			&generation.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stale generation: %w", err)
		}
		generations = append(generations, generation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale generations: %w", err)
	}
	return generations, nil
}
