package auth

import (
	"context"
	"fmt"

	"github.com/inkwell-labs/creditd/internal/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(ctx context.Context, cfg config.AuthConfig, users Users) (Provider, error) {
	switch cfg.Provider {
	case "builtin", "":
		return NewService(users, cfg), nil
	case "firebase":
		return NewFirebaseProvider(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile)
	case "jwks":
		return NewJWKSProvider(ctx, cfg.JWKSIssuer)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
