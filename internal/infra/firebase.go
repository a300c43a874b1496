// README: Firebase Admin SDK initialisation and token verifier.
package infra

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// Identity is the verified caller established by a TokenVerifier.
type Identity struct {
	UID    string
	Role   string
	Claims map[string]interface{}
}

// TokenVerifier verifies a raw bearer token and returns the caller identity.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*Identity, error)
}

// firebaseVerifier is the production implementation backed by the Firebase Admin SDK.
type firebaseVerifier struct {
	client *auth.Client
}

// NewFirebaseApp initialises the Admin SDK. If credentialsFile is non-empty it
// is used as the service-account JSON path; otherwise application-default
// credentials are used. databaseURL may be empty when Realtime Database is unused.
func NewFirebaseApp(ctx context.Context, projectID, credentialsFile, databaseURL string) (*firebase.App, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID, DatabaseURL: databaseURL}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	return app, nil
}

// NewFirebaseVerifier creates a TokenVerifier using the Firebase Admin SDK.
func NewFirebaseVerifier(ctx context.Context, app *firebase.App) (TokenVerifier, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	return &firebaseVerifier{client: client}, nil
}

func (v *firebaseVerifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	token, err := v.client.VerifyIDToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	return &Identity{UID: token.UID, Role: roleClaim(token.Claims), Claims: token.Claims}, nil
}

func roleClaim(claims map[string]interface{}) string {
	role, _ := claims["role"].(string)
	return role
}
