// Package account defines the store the balance ledger runs against.
package account

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("account: not found")

// Account is one user's balance row. Balance is in tokens and never negative.
type Account struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName joins first and last name, falling back to the username.
func (a Account) DisplayName() string {
	name := strings.TrimSpace(a.FirstName + " " + a.LastName)
	if name != "" {
		return name
	}
	if a.Username != "" {
		return "@" + a.Username
	}
	return "no name"
}

// Profile is what the messaging front-end knows about a user.
type Profile struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Store is the compare-and-swap surface the ledger needs.
//
// ConditionalWrite succeeds only if the stored balance still equals expected;
// an absent account counts as balance 0 and is created on a successful write.
// It reports false, with no side effect, when the expectation does not hold.
// UnconditionalWrite is reserved for administrative overrides.
type Store interface {
	Read(ctx context.Context, userID int64) (Account, bool, error)
	ConditionalWrite(ctx context.Context, userID int64, expected, next int64) (bool, error)
	UnconditionalWrite(ctx context.Context, userID int64, next int64) (bool, error)
}

// Directory covers user registration and the admin user list.
type Directory interface {
	// Register creates the account with balance 0 or refreshes its names.
	Register(ctx context.Context, p Profile) error
	Get(ctx context.Context, userID int64) (*Account, error)
	ListRecent(ctx context.Context, limit int) ([]Account, error)
	// Search matches an exact numeric id, or a case-insensitive substring of
	// username, first name or last name.
	Search(ctx context.Context, query string, limit int) ([]Account, error)
}

// Backend is a store that also serves the directory.
type Backend interface {
	Store
	Directory
}

// NormalizeQuery trims whitespace and a leading @ from a search query.
func NormalizeQuery(q string) string {
	return strings.TrimPrefix(strings.TrimSpace(q), "@")
}

// Matches reports whether a non-numeric query matches a's names.
func (a Account) Matches(query string) bool {
	q := strings.ToLower(query)
	if q == "" {
		return false
	}
	for _, field := range []string{a.Username, a.FirstName, a.LastName} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}
