package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "https://issuer.example.com"

func newTestJWKSProvider(t *testing.T) (*JWKSProvider, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	set := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "test-key",
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}
	raw, _ := json.Marshal(set)
	kf, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	return newJWKSProvider(testIssuer, kf), key
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "test-key"
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestJWKSValidateToken(t *testing.T) {
	p, key := newTestJWKSProvider(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()

	id, err := p.ValidateToken(ctx, signRS256(t, key, jwt.MapClaims{
		"iss":   testIssuer,
		"sub":   "user-42",
		"email": "u42@example.com",
		"exp":   exp,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "user-42" || id.Username != "u42@example.com" || id.Role != RoleUser {
		t.Errorf("identity: %+v", id)
	}

	id, err = p.ValidateToken(ctx, signRS256(t, key, jwt.MapClaims{
		"iss":   testIssuer,
		"sub":   "ops",
		"roles": []string{"billing", "admin"},
		"exp":   exp,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !id.IsAdmin() {
		t.Errorf("roles claim not mapped to admin: %+v", id)
	}
}

func TestJWKSRejects(t *testing.T) {
	p, key := newTestJWKSProvider(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()

	cases := map[string]jwt.MapClaims{
		"wrong issuer": {"iss": "https://evil.example.com", "sub": "u", "exp": exp},
		"no expiry":    {"iss": testIssuer, "sub": "u"},
		"no subject":   {"iss": testIssuer, "exp": exp},
	}
	for name, claims := range cases {
		if _, err := p.ValidateToken(ctx, signRS256(t, key, claims)); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: got %v", name, err)
		}
	}

	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	forged := signRS256(t, other, jwt.MapClaims{"iss": testIssuer, "sub": "u", "exp": exp})
	if _, err := p.ValidateToken(ctx, forged); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("forged: got %v", err)
	}
}
