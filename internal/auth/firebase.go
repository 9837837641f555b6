package auth

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// idTokenVerifier is satisfied by *fbauth.Client.
type idTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// FirebaseProvider validates Firebase ID tokens. Users with the custom claim
// admin=true get the admin role.
type FirebaseProvider struct {
	verifier idTokenVerifier
}

// NewFirebaseProvider initializes a Firebase app for projectID. When
// credentialsFile is empty, application default credentials are used.
func NewFirebaseProvider(ctx context.Context, projectID, credentialsFile string) (*FirebaseProvider, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	var fbCfg *firebase.Config
	if projectID != "" {
		fbCfg = &firebase.Config{ProjectID: projectID}
	}

	app, err := firebase.NewApp(ctx, fbCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase auth: %w", err)
	}
	return &FirebaseProvider{verifier: client}, nil
}

// ValidateToken verifies a Firebase ID token and returns an Identity.
func (p *FirebaseProvider) ValidateToken(ctx context.Context, idToken string) (*Identity, error) {
	token, err := p.verifier.VerifyIDToken(ctx, idToken)
	if err != nil || token.UID == "" {
		return nil, ErrUnauthorized
	}

	role := RoleUser
	if admin, _ := token.Claims["admin"].(bool); admin {
		role = RoleAdmin
	}

	username := token.UID
	if email, _ := token.Claims["email"].(string); email != "" {
		username = email
	} else if name, _ := token.Claims["name"].(string); name != "" {
		username = name
	}

	return &Identity{UserID: token.UID, Username: username, Role: role}, nil
}

// Bootstrap is a no-op (users are managed in Firebase).
func (p *FirebaseProvider) Bootstrap(context.Context) error { return nil }

// Name returns the provider name.
func (p *FirebaseProvider) Name() string { return "firebase" }
