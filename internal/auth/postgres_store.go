package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*APIToken, error) {
	query := `
		SELECT id, user_id, token_hash, token_prefix, scope, expires_at, active, created_at
		FROM api_tokens
		WHERE token_hash = $1 AND active = true
	`

	var t APIToken
	err := s.db.QueryRow(ctx, query, HashKey(key)).Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.TokenPrefix, &t.Scope, &t.ExpiresAt, &t.Active, &t.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get api token: %w", err)
	}

	return &t, nil
}

func (s *PostgresStore) Create(ctx context.Context, token *APIToken) error {
	if token.TokenHash == "" {
		return fmt.Errorf("token_hash is required")
	}

	query := `
		INSERT INTO api_tokens (user_id, token_hash, token_prefix, scope, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := s.db.QueryRow(ctx, query,
		token.UserID, token.TokenHash, token.TokenPrefix, token.Scope, token.ExpiresAt, token.Active,
	).Scan(&token.ID, &token.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create api token: %w", err)
	}

	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, tokenID string) (*APIToken, error) {
	query := `
		UPDATE api_tokens SET active = false
		WHERE id = $1
		RETURNING id, user_id, token_hash, token_prefix, scope, expires_at, active, created_at
	`

	var t APIToken
	err := s.db.QueryRow(ctx, query, tokenID).Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.TokenPrefix, &t.Scope, &t.ExpiresAt, &t.Active, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to revoke api token: %w", err)
	}

	return &t, nil
}
