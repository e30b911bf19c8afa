package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrTokenNotFound = errors.New("api token not found")

const (
	TokenPrefix  = "ps_"
	DefaultScope = "photoshop"
	DefaultTTL   = 90 * 24 * time.Hour

	cacheTTL = 5 * time.Minute
)

type APIToken struct {
	ID          string     `json:"id"`
	UserID      int64      `json:"user_id"`
	TokenHash   string     `json:"token_hash"`
	TokenPrefix string     `json:"token_prefix"`
	Scope       string     `json:"scope"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (t *APIToken) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (t *APIToken) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, t)
}

func (t *APIToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIToken, error)
	Create(ctx context.Context, token *APIToken) error
	// Revoke deactivates a token and returns it as it was stored.
	Revoke(ctx context.Context, tokenID string) (*APIToken, error)
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	tokenIDKey   contextKey = "token_id"
	requestIDKey contextKey = "request_id"
)

func HashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// GenerateKey returns a new plaintext token. Only its hash is ever stored.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue creates a token for userID and returns the plaintext key, which is
// shown to the user once. A zero ttl issues a token that never expires.
func Issue(ctx context.Context, store Store, userID int64, scope string, ttl time.Duration) (string, *APIToken, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", nil, err
	}
	if scope == "" {
		scope = DefaultScope
	}

	token := &APIToken{
		UserID:      userID,
		TokenHash:   HashKey(key),
		TokenPrefix: key[:8],
		Scope:       scope,
		Active:      true,
	}
	if ttl > 0 {
		expires := time.Now().UTC().Add(ttl).Truncate(time.Second)
		token.ExpiresAt = &expires
	}

	if err := store.Create(ctx, token); err != nil {
		return "", nil, err
	}
	return key, token, nil
}

func cacheKey(tokenHash string) string {
	return fmt.Sprintf("auth:%s", tokenHash)
}

// Revoke deactivates tokenID and evicts it from the middleware cache, so the
// next request carrying it is rejected. cache may be nil.
func Revoke(ctx context.Context, store Store, cache *redis.Client, tokenID string) (*APIToken, error) {
	token, err := store.Revoke(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		if err := cache.Del(ctx, cacheKey(token.TokenHash)).Err(); err != nil {
			return token, fmt.Errorf("failed to evict revoked token: %w", err)
		}
	}
	return token, nil
}

func NewMiddleware(store Store, cache *redis.Client, logger zerolog.Logger) Middleware {
	logger = logger.With().Str("component", "auth").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// Generate RequestID
			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			// Extract Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")
			redisKey := cacheKey(HashKey(key))

			var token APIToken
			err := cache.Get(ctx, redisKey).Scan(&token)
			if err == nil {
				// Cache hit
				if token.Expired(time.Now()) {
					http.Error(w, "Unauthorized: token expired", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(withToken(ctx, &token)))
				return
			} else if err != redis.Nil {
				logger.Warn().Err(err).Msg("redis error, falling back to store")
			}

			// Cache miss or error: lookup in store
			found, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrTokenNotFound) {
					http.Error(w, "Unauthorized: invalid API token", http.StatusUnauthorized)
					return
				}
				logger.Error().Err(err).Msg("token lookup failed")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if found.Expired(time.Now()) {
				http.Error(w, "Unauthorized: token expired", http.StatusUnauthorized)
				return
			}

			// Cache the result for 5 minutes
			_ = cache.Set(ctx, redisKey, found, cacheTTL).Err()

			next.ServeHTTP(w, r.WithContext(withToken(ctx, found)))
		})
	}
}

// RequireAdmin rejects callers whose user id is not in admins. It must run
// after the token middleware.
func RequireAdmin(admins map[int64]bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := GetUserID(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !admins[userID] {
				http.Error(w, "Forbidden: admin only", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func withToken(ctx context.Context, token *APIToken) context.Context {
	ctx = context.WithValue(ctx, userIDKey, token.UserID)
	return context.WithValue(ctx, tokenIDKey, token.ID)
}

// Helpers to extract from context
func GetUserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

func GetTokenID(ctx context.Context) string {
	if id, ok := ctx.Value(tokenIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithTokenID(ctx context.Context, tokenID string) context.Context {
	return context.WithValue(ctx, tokenIDKey, tokenID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
