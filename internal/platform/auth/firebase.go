package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/storefront-app/api/internal/platform/config"
)

// ErrEmailAlreadyExists is returned by CreateUser when the email is already registered.
var ErrEmailAlreadyExists = errors.New("auth: email already registered")

var errFirebaseNotInitialised = errors.New("auth: firebase client not initialised")

// FirebaseClient wraps the Admin SDK auth client with per-call timeouts. It verifies storefront ID
// tokens and manages email/password accounts.
type FirebaseClient struct {
	client  *firebaseauth.Client
	timeout time.Duration
}

// FirebaseOption customises FirebaseClient instances.
type FirebaseOption func(*FirebaseClient)

// WithFirebaseTimeout overrides the timeout used for Admin SDK calls.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(c *FirebaseClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewFirebaseClient initialises the Admin SDK for the identity project.
func NewFirebaseClient(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseClient, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}

	c := &FirebaseClient{client: authClient, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// VerifyIDToken validates the token signature, audience and expiry.
func (c *FirebaseClient) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if c == nil || c.client == nil {
		return nil, errFirebaseNotInitialised
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.client.VerifyIDToken(ctx, idToken)
	switch {
	case err == nil:
		return token, nil
	case firebaseauth.IsIDTokenExpired(err):
		return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case firebaseauth.IsIDTokenInvalid(err):
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	default:
		return nil, err
	}
}

// GetUser loads the Firebase user record for uid.
func (c *FirebaseClient) GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error) {
	if c == nil || c.client == nil {
		return nil, errFirebaseNotInitialised
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.client.GetUser(ctx, uid)
}

// CreateUser registers an email/password account and returns its identity.
func (c *FirebaseClient) CreateUser(ctx context.Context, email, password, displayName string) (*Identity, error) {
	if c == nil || c.client == nil {
		return nil, errFirebaseNotInitialised
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := (&firebaseauth.UserToCreate{}).Email(email).Password(password)
	if name := strings.TrimSpace(displayName); name != "" {
		params = params.DisplayName(name)
	}
	record, err := c.client.CreateUser(ctx, params)
	if err != nil {
		if firebaseauth.IsEmailAlreadyExists(err) {
			return nil, fmt.Errorf("%w: %v", ErrEmailAlreadyExists, err)
		}
		return nil, err
	}
	return &Identity{
		UID:            record.UID,
		Email:          record.Email,
		Name:           record.DisplayName,
		Picture:        record.PhotoURL,
		SignInProvider: "password",
	}, nil
}
