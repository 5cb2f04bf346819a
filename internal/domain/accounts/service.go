package accounts

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/db"
)

// BootstrapAdmin is the operator account configured through the
// environment. It authenticates even when the user store is
// unreachable, so the server can always be administered.
type BootstrapAdmin struct {
	Email        string
	Password     string
	PasswordHash string
}

func (b BootstrapAdmin) configured() bool { return b.Email != "" }

// adminScopes go into every admin session token. Admins bypass scope
// checks inside this service, but downstream consumers of the scope
// claim still need to see system-level access.
var adminScopes = []string{"system/*.*"}

func (b BootstrapAdmin) check(email, password string) bool {
	if !b.configured() || email != b.Email {
		return false
	}
	if b.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(b.PasswordHash), []byte(password)) == nil
	}
	return b.Password != "" && b.Password == password
}

// Service authenticates users and issues admin session tokens.
type Service struct {
	repo      UserRepository
	issuer    *auth.Issuer
	bootstrap BootstrapAdmin
}

// NewService builds an account service. repo may be nil when the server
// runs without a user store; only the bootstrap admin can sign in then.
func NewService(repo UserRepository, issuer *auth.Issuer, bootstrap BootstrapAdmin) *Service {
	return &Service{repo: repo, issuer: issuer, bootstrap: bootstrap}
}

// Login verifies credentials and mints an admin session token. When the
// user store is down or absent, the configured bootstrap admin still
// gets in.
func (s *Service) Login(ctx context.Context, email, password string) (string, *auth.IssuedToken, error) {
	user, err := s.lookup(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, db.ErrUnavailable) {
			return "", nil, err
		}
		// Store miss or outage: fall back to the bootstrap admin.
		if !s.bootstrap.check(email, password) {
			return "", nil, auth.ErrInvalidCredentials
		}
		log.Warn().Str("email", email).Msg("login served by bootstrap admin credentials")
		return s.issuer.Issue(ctx, auth.IssueRequest{
			Subject: "bootstrap-admin",
			Email:   email,
			Scopes:  adminScopes,
			Kind:    auth.TokenKindAdmin,
		})
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", nil, auth.ErrInvalidCredentials
	}

	return s.issuer.Issue(ctx, auth.IssueRequest{
		Subject:  user.ID.String(),
		Email:    user.Email,
		Scopes:   adminScopes,
		Kind:     auth.TokenKindAdmin,
		FHIRUser: user.FHIRUser,
	})
}

func (s *Service) lookup(ctx context.Context, email string) (*User, error) {
	if s.repo == nil {
		return nil, ErrNotFound
	}
	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil && errors.Is(err, db.ErrUnavailable) {
		log.Warn().Err(err).Msg("user store unavailable during login")
	}
	return user, err
}

// GetByID fetches a user account. Returns ErrNotFound when no store is
// configured.
func (s *Service) GetByID(ctx context.Context, id string) (*User, error) {
	if s.repo == nil {
		return nil, ErrNotFound
	}
	return s.repo.GetByID(ctx, id)
}

// Register creates a user account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, email, password, displayName string, isAdmin bool) (*User, error) {
	if s.repo == nil {
		return nil, errors.New("no user store configured")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		IsAdmin:      isAdmin,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
