package seeder

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/nanogen/internal/auth"
)

// DevAdminToken is a fixed token for local development only.
const DevAdminToken = "ps_dev-admin-token-12345"

// SeedAdminToken stores DevAdminToken for adminID. It is a no-op when the
// token already exists.
func SeedAdminToken(ctx context.Context, store auth.Store, adminID int64, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "seeder").Logger()

	if _, err := store.GetByKey(ctx, DevAdminToken); err == nil {
		logger.Info().Int64("user_id", adminID).Msg("dev admin token already present, skipping")
		return nil
	}

	token := &auth.APIToken{
		UserID:      adminID,
		TokenHash:   auth.HashKey(DevAdminToken),
		TokenPrefix: DevAdminToken[:8],
		Scope:       "admin",
		Active:      true,
	}
	if err := store.Create(ctx, token); err != nil {
		logger.Warn().Err(err).Msg("dev admin token may already exist, skipping")
		return err
	}

	logger.Info().
		Int64("user_id", adminID).
		Str("token", DevAdminToken).
		Msg("dev admin token created")
	return nil
}
