package identity

import (
	"context"

	"github.com/google/uuid"
)

type UserRepository interface {
	// Create inserts the user, its roles and its kind profile.
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	// Update writes the user row and its kind profile. Roles are not touched.
	Update(ctx context.Context, u *User) error
	List(ctx context.Context, kind Kind, limit, offset int) ([]*User, int, error)
	// SearchProfessionals matches specialty case-insensitively as a substring.
	SearchProfessionals(ctx context.Context, specialty string, limit, offset int) ([]*User, int, error)
	LicenseExists(ctx context.Context, license string) (bool, error)
	Permissions(ctx context.Context, roles []string) ([]string, error)
}

type VerificationRepository interface {
	// Replace deletes the user's previous tokens and stores t.
	Replace(ctx context.Context, t *EmailVerificationToken) error
	GetByUserAndCode(ctx context.Context, userID uuid.UUID, code string) (*EmailVerificationToken, error)
	MarkUsed(ctx context.Context, id uuid.UUID) error
}
