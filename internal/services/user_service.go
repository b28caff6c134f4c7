package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/storefront-app/api/internal/domain"
	"github.com/storefront-app/api/internal/platform/auth"
	"github.com/storefront-app/api/internal/platform/textutil"
	"github.com/storefront-app/api/internal/repositories"
)

const (
	maxDisplayNameLength = 100
	minPasswordLength    = 6
	userRoleClaim        = "userRole"
)

var (
	// ErrUserInvalidInput indicates missing or malformed credentials.
	ErrUserInvalidInput = errors.New("user: invalid input")
	// ErrUserUnauthenticated indicates the ID token could not be verified.
	ErrUserUnauthenticated = errors.New("user: unauthenticated")
	// ErrUserUnavailable indicates the identity provider or the profile store could not be reached.
	ErrUserUnavailable = errors.New("user: unavailable")
	// ErrUserConflict indicates the email address is already registered.
	ErrUserConflict = errors.New("user: already exists")
)

// IdentityProvider verifies ID tokens and registers password accounts.
type IdentityProvider interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
	CreateUser(ctx context.Context, email, password, displayName string) (*auth.Identity, error)
}

// UserServiceDeps bundles the dependencies required to construct a user service instance.
type UserServiceDeps struct {
	Users    repositories.UserRepository
	Identity IdentityProvider
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type userService struct {
	users    repositories.UserRepository
	identity IdentityProvider
	clock    func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

var _ UserService = (*userService)(nil)

// NewUserService wires dependencies into a concrete UserService implementation.
func NewUserService(deps UserServiceDeps) (UserService, error) {
	if deps.Users == nil {
		return nil, errors.New("user service: user repository is required")
	}
	if deps.Identity == nil {
		return nil, errors.New("user service: identity provider is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &userService{
		users:    deps.Users,
		identity: deps.Identity,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// GoogleLogin verifies the ID token and links it to a stored profile, creating one on first login.
func (s *userService) GoogleLogin(ctx context.Context, idToken string) (LoginResult, error) {
	identity, err := s.verify(ctx, idToken)
	if err != nil {
		return LoginResult{}, err
	}
	return s.upsert(ctx, identity)
}

// SignUp accepts either an ID token for an account created client-side or an email and password
// for an account created here.
func (s *userService) SignUp(ctx context.Context, cmd SignUpCommand) (LoginResult, error) {
	if strings.TrimSpace(cmd.IDToken) != "" {
		return s.GoogleLogin(ctx, cmd.IDToken)
	}

	email := strings.TrimSpace(cmd.Email)
	if email == "" || cmd.Password == "" {
		return LoginResult{}, fmt.Errorf("%w: idToken or email and password are required", ErrUserInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return LoginResult{}, fmt.Errorf("%w: invalid email", ErrUserInvalidInput)
	}
	if utf8.RuneCountInString(cmd.Password) < minPasswordLength {
		return LoginResult{}, fmt.Errorf("%w: password must be at least %d characters", ErrUserInvalidInput, minPasswordLength)
	}

	identity, err := s.identity.CreateUser(ctx, email, cmd.Password, sanitizeDisplayName(cmd.DisplayName))
	if err != nil {
		if errors.Is(err, auth.ErrEmailAlreadyExists) {
			return LoginResult{}, fmt.Errorf("%w: %v", ErrUserConflict, err)
		}
		s.logger(ctx, "user.signup.failed", map[string]any{"error": err.Error()})
		return LoginResult{}, fmt.Errorf("%w: create account: %v", ErrUserUnavailable, err)
	}
	result, err := s.upsert(ctx, identity)
	if err != nil {
		return LoginResult{}, err
	}
	result.IsNewUser = true
	return result, nil
}

// ResolveRole returns the role stored on the profile, or an empty string when there is none.
func (s *userService) ResolveRole(ctx context.Context, uid string) (string, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return "", fmt.Errorf("%w: uid is required", ErrUserInvalidInput)
	}
	user, err := s.users.FindByID(ctx, uid)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrUserUnavailable, err)
	}
	return string(user.Role), nil
}

func (s *userService) verify(ctx context.Context, idToken string) (*auth.Identity, error) {
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return nil, fmt.Errorf("%w: idToken is required", ErrUserInvalidInput)
	}
	token, err := s.identity.VerifyIDToken(ctx, idToken)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %v", ErrUserUnavailable, err)
		}
		s.logger(ctx, "user.login.token_rejected", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrUserUnauthenticated, err)
	}
	identity := auth.IdentityFromToken(token)
	if identity == nil || identity.UID == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUserUnauthenticated)
	}
	return identity, nil
}

func (s *userService) upsert(ctx context.Context, identity *auth.Identity) (LoginResult, error) {
	now := s.clock()
	user, created, err := s.users.Upsert(ctx, domain.User{
		UID:       identity.UID,
		Email:     strings.TrimSpace(identity.Email),
		Name:      sanitizeDisplayName(identity.Name),
		Picture:   strings.TrimSpace(identity.Picture),
		Role:      initialRole(identity),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		s.logger(ctx, "user.upsert.failed", map[string]any{"uid": identity.UID, "error": err.Error()})
		return LoginResult{}, fmt.Errorf("%w: %v", ErrUserUnavailable, err)
	}
	s.logger(ctx, "user.login", map[string]any{"uid": user.UID, "created": created, "provider": identity.SignInProvider})
	return LoginResult{UID: user.UID, User: user, IsNewUser: created}, nil
}

// initialRole applies only when the profile is created; existing roles are never overwritten.
func initialRole(identity *auth.Identity) domain.UserRole {
	if token := identity.Token(); token != nil {
		if role, ok := token.Claims[userRoleClaim].(string); ok {
			switch domain.UserRole(strings.ToLower(strings.TrimSpace(role))) {
			case domain.UserRoleAdmin:
				return domain.UserRoleAdmin
			case domain.UserRoleBuyer:
				return domain.UserRoleBuyer
			}
		}
	}
	if identity.IsAdmin() {
		return domain.UserRoleAdmin
	}
	return domain.UserRoleBuyer
}

func sanitizeDisplayName(name string) string {
	return textutil.Truncate(textutil.StripMarkup(name), maxDisplayNameLength)
}
