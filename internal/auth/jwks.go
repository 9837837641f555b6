package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSProvider validates JWTs from an OIDC issuer using its JWKS.
type JWKSProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSProvider creates a JWKSProvider that fetches keys from the issuer's
// well-known JWKS endpoint. Key refresh stops when ctx is canceled.
func NewJWKSProvider(ctx context.Context, issuer string) (*JWKSProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("jwks issuer URL is required")
	}
	issuer = strings.TrimRight(issuer, "/")

	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return newJWKSProvider(issuer, jwks), nil
}

func newJWKSProvider(issuer string, jwks keyfunc.Keyfunc) *JWKSProvider {
	return &JWKSProvider{issuer: issuer, jwks: jwks}
}

// ValidateToken parses a JWT and returns an Identity.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, ErrUnauthorized
	}

	role := RoleUser
	if claimStr(claims, "role") == RoleAdmin || claimContains(claims, "roles", RoleAdmin) {
		role = RoleAdmin
	}

	username := sub
	switch {
	case claimStr(claims, "preferred_username") != "":
		username = claimStr(claims, "preferred_username")
	case claimStr(claims, "email") != "":
		username = claimStr(claims, "email")
	case claimStr(claims, "name") != "":
		username = claimStr(claims, "name")
	}

	return &Identity{UserID: sub, Username: username, Role: role}, nil
}

// Bootstrap is a no-op (users are managed by the issuer).
func (p *JWKSProvider) Bootstrap(context.Context) error { return nil }

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

func claimContains(claims jwt.MapClaims, key, want string) bool {
	list, _ := claims[key].([]any)
	return slices.ContainsFunc(list, func(v any) bool {
		s, _ := v.(string)
		return s == want
	})
}
