package tokens

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
)

// Service manages the lifecycle of issued tokens: creation, inventory,
// revocation, and keeping the active-jti cache in step with the store.
type Service struct {
	repo   Repository
	issuer *auth.Issuer
	cache  *auth.ActiveTokenCache
}

func NewService(repo Repository, issuer *auth.Issuer, cache *auth.ActiveTokenCache) *Service {
	return &Service{repo: repo, issuer: issuer, cache: cache}
}

// WarmCache loads every unexpired, unrevoked token record into the
// active cache. Runs once at startup so tokens issued by a previous
// process remain valid.
func (s *Service) WarmCache(ctx context.Context) error {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active tokens: %w", err)
	}
	for _, tok := range active {
		s.cache.Add(tok.ID, tok.ExpiresAt)
	}
	// Cached may exceed loaded when tokens were already admitted this
	// process, admin sessions among them.
	log.Info().Int("loaded", len(active)).Int("cached", s.cache.Count()).
		Msg("active token cache warmed")
	return nil
}

// CreateRequest describes an API token to mint on behalf of an
// integration.
type CreateRequest struct {
	AppName   string   `json:"appName"`
	Subject   string   `json:"subject,omitempty"`
	Scopes    []string `json:"scopes"`
	CreatedBy string   `json:"-"`
}

// Create mints a long-lived API token. The signed JWT is returned once
// and never stored.
func (s *Service) Create(ctx context.Context, req CreateRequest) (string, *auth.IssuedToken, error) {
	subject := req.Subject
	if subject == "" {
		subject = req.AppName
	}
	return s.issuer.Issue(ctx, auth.IssueRequest{
		Subject:   subject,
		AppName:   req.AppName,
		Scopes:    req.Scopes,
		Kind:      auth.TokenKindAPI,
		CreatedBy: req.CreatedBy,
	})
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*auth.IssuedToken, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) Get(ctx context.Context, id string) (*auth.IssuedToken, error) {
	return s.repo.GetByID(ctx, id)
}

// Revoke marks a token revoked and drops its jti from the active cache.
// Revoking an already-revoked token succeeds.
func (s *Service) Revoke(ctx context.Context, id string) error {
	if err := s.repo.Revoke(ctx, id); err != nil {
		return err
	}
	s.cache.Remove(id)
	return nil
}

// RevokeAllForSubject revokes every live token belonging to a subject.
func (s *Service) RevokeAllForSubject(ctx context.Context, subject string) (int, error) {
	// Collect ids first so the cache can be purged even though the
	// store revokes in bulk.
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	count, err := s.repo.RevokeAllForSubject(ctx, subject)
	if err != nil {
		return 0, err
	}
	for _, tok := range active {
		if tok.Subject == subject {
			s.cache.Remove(tok.ID)
		}
	}
	return count, nil
}

// Delete removes the record entirely. The jti leaves the cache, so the
// token is dead either way.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.cache.Remove(id)
	return nil
}

// TouchLastUsed records token usage. Best effort: failures are logged,
// never surfaced to the request path.
func (s *Service) TouchLastUsed(ctx context.Context, id string) {
	if err := s.repo.TouchLastUsed(ctx, id); err != nil {
		log.Debug().Err(err).Str("jti", id).Msg("failed to update token last_used")
	}
}
