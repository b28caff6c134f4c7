package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Storefront roles. Buyers are the default; admins manage orders and read analytics.
const (
	RoleBuyer = "buyer"
	RoleAdmin = "admin"
)

// Identity captures the authenticated principal details extracted from a Firebase ID token.
type Identity struct {
	UID            string
	Email          string
	Name           string
	Picture        string
	SignInProvider string
	Roles          []string

	token *firebaseauth.Token
}

// IdentityFromToken maps a verified Firebase token onto an Identity. Roles come from the "role"
// custom claim when present.
func IdentityFromToken(token *firebaseauth.Token) *Identity {
	if token == nil {
		return nil
	}
	identity := &Identity{
		UID:     token.UID,
		Email:   claimAsString(token.Claims, "email"),
		Name:    claimAsString(token.Claims, "name"),
		Picture: claimAsString(token.Claims, "picture"),
		Roles:   rolesFromClaims(token.Claims, defaultRoleClaim),
		token:   token,
	}
	identity.SignInProvider = token.Firebase.SignInProvider
	return identity
}

// Token exposes the decoded Firebase ID token associated with this identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasRole reports whether the identity includes the requested role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// IsAdmin is shorthand for HasRole(RoleAdmin).
func (i *Identity) IsAdmin() bool { return i.HasRole(RoleAdmin) }

func (i *Identity) addRole(role string) {
	role = normaliseRole(role)
	if role == "" || i.HasRole(role) {
		return
	}
	i.Roles = append(i.Roles, role)
}

type contextKey string

const identityContextKey contextKey = "github.com/storefront-app/api/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
