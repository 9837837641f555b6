package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/inkwell-labs/creditd/internal/config"
	"github.com/inkwell-labs/creditd/internal/store"
)

const testSecret = "test-secret-at-least-32-chars-long"

func newTestAuthService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	svc := NewService(s, config.AuthConfig{
		JWTSecret: testSecret,
		JWTExpiry: config.Duration{Duration: time.Hour},
	})
	return svc, s
}

func TestBootstrap(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()
	admin := &config.InitialAdmin{Username: "admin", Password: "admin-password"}

	if err := svc.BootstrapAdmin(ctx, admin); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	user, err := s.GetUserByUsername(ctx, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if user == nil {
		t.Fatal("admin user not created")
	}
	if user.Role != RoleAdmin {
		t.Errorf("Role: got %q, want admin", user.Role)
	}

	// Second bootstrap is a no-op.
	if err := svc.BootstrapAdmin(ctx, admin); err != nil {
		t.Fatalf("Bootstrap (idempotent): %v", err)
	}
	if err := svc.BootstrapAdmin(ctx, nil); err != nil {
		t.Fatalf("BootstrapAdmin(nil): %v", err)
	}
}

func TestLoginAndValidate(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "correct-horse", "")
	if err != nil {
		t.Fatal(err)
	}
	if user.Role != RoleUser {
		t.Errorf("default role: got %q", user.Role)
	}
	if _, err := svc.Register(ctx, "alice", "other", ""); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate register: got %v", err)
	}

	token, err := svc.Login(ctx, "alice", "correct-horse")
	if err != nil {
		t.Fatal(err)
	}
	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != user.ID || id.Username != "alice" || id.IsAdmin() {
		t.Errorf("identity: %+v", id)
	}

	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
	if _, err := svc.Login(ctx, "bob", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: got %v", err)
	}
}

func TestValidateTokenRejects(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()
	user := &store.User{ID: "u1", Username: "u", Role: RoleUser}

	good, err := svc.IssueToken(user)
	if err != nil {
		t.Fatal(err)
	}

	other := NewService(nil, config.AuthConfig{JWTSecret: strings.Repeat("x", 32)})
	forged, _ := other.IssueToken(user)
	if _, err := svc.ValidateToken(ctx, forged); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong secret: got %v", err)
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredStr, _ := expired.SignedString([]byte(testSecret))
	if _, err := svc.ValidateToken(ctx, expiredStr); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expired: got %v", err)
	}

	if _, err := svc.ValidateToken(ctx, good[:len(good)-2]); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("truncated: got %v", err)
	}
	if _, err := svc.ValidateToken(ctx, "not-a-jwt"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("garbage: got %v", err)
	}
}

func TestNewProviderUnknown(t *testing.T) {
	if _, err := NewProvider(context.Background(), config.AuthConfig{Provider: "ldap"}, nil); err == nil {
		t.Error("expected error for unknown provider")
	}
	p, err := NewProvider(context.Background(), config.AuthConfig{JWTSecret: testSecret}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "builtin" {
		t.Errorf("default provider: got %s", p.Name())
	}
}
