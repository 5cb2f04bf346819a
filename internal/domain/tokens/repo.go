package tokens

import (
	"context"
	"errors"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
)

// ErrNotFound is returned when a token record does not exist.
var ErrNotFound = errors.New("token not found")

// Repository defines the persistence interface for issued token records.
type Repository interface {
	Create(ctx context.Context, tok *auth.IssuedToken) error
	GetByID(ctx context.Context, id string) (*auth.IssuedToken, error)
	List(ctx context.Context, limit, offset int) ([]*auth.IssuedToken, int, error)
	ListActive(ctx context.Context) ([]*auth.IssuedToken, error)
	Revoke(ctx context.Context, id string) error
	RevokeAllForSubject(ctx context.Context, subject string) (int, error)
	Delete(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, id string) error
}
