package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/nanogen/internal/account"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store keeps accounts in the telegram_users table. Compare-and-swap is a
// single UPDATE filtered on the expected balance: under READ COMMITTED a
// concurrent writer blocks on the row lock and then re-checks the filter
// against the committed value, so exactly one of two racing writes lands.
type Store struct {
	db DB
}

var _ account.Backend = (*Store)(nil)

func NewStore(db DB) *Store {
	return &Store{db: db}
}

const selectColumns = `id, COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(last_name, ''), balance, created_at, updated_at`

func (s *Store) Read(ctx context.Context, userID int64) (account.Account, bool, error) {
	a, err := s.get(ctx, userID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.Account{}, false, nil
		}
		return account.Account{}, false, err
	}
	return *a, true, nil
}

func (s *Store) ConditionalWrite(ctx context.Context, userID int64, expected, next int64) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if expected == 0 {
		// The row may not exist yet; a missing row counts as balance 0.
		query := `
			INSERT INTO telegram_users (id, balance)
			VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE
				SET balance = EXCLUDED.balance, updated_at = now()
				WHERE telegram_users.balance = 0
		`
		tag, err = s.db.Exec(ctx, query, userID, next)
	} else {
		query := `
			UPDATE telegram_users
			SET balance = $3, updated_at = now()
			WHERE id = $1 AND balance = $2
		`
		tag, err = s.db.Exec(ctx, query, userID, expected, next)
	}
	if err != nil {
		return false, fmt.Errorf("failed to write balance: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UnconditionalWrite(ctx context.Context, userID int64, next int64) (bool, error) {
	query := `
		INSERT INTO telegram_users (id, balance)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
			SET balance = EXCLUDED.balance, updated_at = now()
	`
	tag, err := s.db.Exec(ctx, query, userID, next)
	if err != nil {
		return false, fmt.Errorf("failed to set balance: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Register(ctx context.Context, p account.Profile) error {
	query := `
		INSERT INTO telegram_users (id, username, first_name, last_name, balance)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), 0)
		ON CONFLICT (id) DO UPDATE
			SET username = EXCLUDED.username,
				first_name = EXCLUDED.first_name,
				last_name = EXCLUDED.last_name,
				updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, p.UserID, p.Username, p.FirstName, p.LastName); err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, userID int64) (*account.Account, error) {
	return s.get(ctx, userID)
}

func (s *Store) get(ctx context.Context, userID int64) (*account.Account, error) {
	query := `SELECT ` + selectColumns + ` FROM telegram_users WHERE id = $1`

	var a account.Account
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&a.UserID, &a.Username, &a.FirstName, &a.LastName, &a.Balance, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, account.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &a, nil
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]account.Account, error) {
	query := `SELECT ` + selectColumns + ` FROM telegram_users ORDER BY created_at DESC LIMIT $1`
	return s.list(ctx, query, limit)
}

func (s *Store) Search(ctx context.Context, q string, limit int) ([]account.Account, error) {
	q = account.NormalizeQuery(q)
	if id, err := strconv.ParseInt(q, 10, 64); err == nil {
		query := `SELECT ` + selectColumns + ` FROM telegram_users WHERE id = $2 LIMIT $1`
		return s.list(ctx, query, limit, id)
	}

	query := `
		SELECT ` + selectColumns + `
		FROM telegram_users
		WHERE username ILIKE $2 OR first_name ILIKE $2 OR last_name ILIKE $2
		ORDER BY created_at DESC
		LIMIT $1
	`
	return s.list(ctx, query, limit, "%"+escapeLike(q)+"%")
}

func (s *Store) list(ctx context.Context, query string, limit int, args ...any) ([]account.Account, error) {
	rows, err := s.db.Query(ctx, query, append([]any{limit}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	accounts := []account.Account{}
	for rows.Next() {
		var a account.Account
		if err := rows.Scan(
			&a.UserID, &a.Username, &a.FirstName, &a.LastName, &a.Balance, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return accounts, nil
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
