package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogGeneration(ctx context.Context, rec *GenerationRecord) error {
	query := `
		INSERT INTO generations (user_id, request_id, prompt, image_url, model, tokens_spent,
			aspect_ratio, resolution, output_format, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.UserID, rec.RequestID, rec.Prompt, rec.ImageURL, rec.Model, rec.TokensSpent,
		rec.AspectRatio, rec.Resolution, rec.OutputFormat, rec.LatencyMs,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log generation: %w", err)
	}

	return nil
}

func (s *PostgresStore) RecentGenerations(ctx context.Context, userID int64, limit int) ([]*GenerationRecord, error) {
	query := `
		SELECT id, user_id, request_id, prompt, image_url, model, tokens_spent,
			aspect_ratio, resolution, output_format, latency_ms, created_at
		FROM generations
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query generations: %w", err)
	}
	defer rows.Close()

	var recs []*GenerationRecord
	for rows.Next() {
		var r GenerationRecord
		err := rows.Scan(
			&r.ID, &r.UserID, &r.RequestID, &r.Prompt, &r.ImageURL, &r.Model, &r.TokensSpent,
			&r.AspectRatio, &r.Resolution, &r.OutputFormat, &r.LatencyMs, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		recs = append(recs, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating generations: %w", err)
	}

	return recs, nil
}

func (s *PostgresStore) LogAdminAction(ctx context.Context, action *AdminAction) error {
	query := `
		INSERT INTO admin_actions (admin_id, target_user_id, action, amount, note)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		action.AdminID, action.TargetUserID, action.Action, action.Amount, action.Note,
	).Scan(&action.ID, &action.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log admin action: %w", err)
	}

	return nil
}
