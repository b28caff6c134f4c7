package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/storefront-app/api/internal/domain"
	pfirestore "github.com/storefront-app/api/internal/platform/firestore"
	"github.com/storefront-app/api/internal/repositories"
)

const userCollection = "users"

// UserRepository persists user profiles keyed by Firebase uid.
type UserRepository struct {
	base     *pfirestore.BaseRepository[userDocument]
	provider *pfirestore.Provider
}

var _ repositories.UserRepository = (*UserRepository)(nil)

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	return &UserRepository{
		base:     pfirestore.NewBaseRepository[userDocument](provider, userCollection),
		provider: provider,
	}, nil
}

// FindByID loads the user profile by uid.
func (r *UserRepository) FindByID(ctx context.Context, uid string) (domain.User, error) {
	if strings.TrimSpace(uid) == "" {
		return domain.User{}, errors.New("user id is required")
	}
	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.User{}, err
	}
	return toDomainUser(doc), nil
}

// Upsert creates the profile on first sight. Later calls refresh email, picture and updatedAt but
// never overwrite name or role, so an admin stays admin whatever a later token claims.
func (r *UserRepository) Upsert(ctx context.Context, user domain.User) (domain.User, bool, error) {
	uid := strings.TrimSpace(user.UID)
	if uid == "" {
		return domain.User{}, false, errors.New("user id is required")
	}
	now := user.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	var (
		stored  domain.User
		created bool
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, uid)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
			created = true
			doc := userDocument{
				UID:       uid,
				Email:     strings.TrimSpace(user.Email),
				Name:      strings.TrimSpace(user.Name),
				Picture:   strings.TrimSpace(user.Picture),
				Role:      string(roleOrDefault(user.Role)),
				CreatedAt: now,
				UpdatedAt: now,
			}
			stored = toDomainUser(pfirestore.Document[userDocument]{ID: uid, Data: doc})
			return tx.Create(ref, doc)
		case err != nil:
			return pfirestore.WrapError(userCollection+".upsert", err)
		}

		created = false
		existing, err := pfirestore.Decode[userDocument](snap)
		if err != nil {
			return err
		}
		doc := existing.Data
		doc.UID = uid
		doc.Email = strings.TrimSpace(user.Email)
		doc.Picture = strings.TrimSpace(user.Picture)
		doc.UpdatedAt = now
		if doc.Role == "" {
			doc.Role = string(domain.UserRoleBuyer)
		}
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = existing.CreateTime
		}
		stored = toDomainUser(pfirestore.Document[userDocument]{ID: uid, Data: doc})
		return tx.Set(ref, doc)
	})
	if err != nil {
		return domain.User{}, false, err
	}
	return stored, created, nil
}

// Count returns the number of stored profiles using a server-side aggregation.
func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	result, err := r.base.Aggregate(ctx, nil)
	if err != nil {
		return 0, err
	}
	return result.Count, nil
}

type userDocument struct {
	UID       string    `firestore:"uid"`
	Email     string    `firestore:"email"`
	Name      string    `firestore:"name"`
	Picture   string    `firestore:"picture"`
	Role      string    `firestore:"userRole"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func toDomainUser(doc pfirestore.Document[userDocument]) domain.User {
	user := domain.User{
		UID:       doc.ID,
		Email:     doc.Data.Email,
		Name:      doc.Data.Name,
		Picture:   doc.Data.Picture,
		Role:      roleOrDefault(domain.UserRole(doc.Data.Role)),
		CreatedAt: doc.Data.CreatedAt,
		UpdatedAt: doc.Data.UpdatedAt,
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = doc.CreateTime
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = doc.UpdateTime
	}
	return user
}

func roleOrDefault(role domain.UserRole) domain.UserRole {
	switch domain.UserRole(strings.ToLower(strings.TrimSpace(string(role)))) {
	case domain.UserRoleAdmin:
		return domain.UserRoleAdmin
	default:
		return domain.UserRoleBuyer
	}
}
