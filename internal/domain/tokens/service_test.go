package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
)

func newTestService(t *testing.T) (*Service, *auth.ActiveTokenCache) {
	t.Helper()
	cache := auth.NewActiveTokenCache()
	t.Cleanup(cache.Close)

	repo := NewRepoMem()
	issuer, err := auth.NewIssuer("http://localhost:8080",
		[]byte("0123456789abcdef0123456789abcdef"), auth.DefaultValidities(), repo, cache)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return NewService(repo, issuer, cache), cache
}

func TestCreateAndRevoke(t *testing.T) {
	svc, cache := newTestService(t)
	ctx := context.Background()

	signed, record, err := svc.Create(ctx, CreateRequest{
		AppName: "billing-sync",
		Scopes:  []string{"system/Claim.read"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if signed == "" {
		t.Fatal("expected signed token")
	}
	if !cache.IsActive(record.ID) {
		t.Fatal("new token should be active")
	}

	got, err := svc.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AppName != "billing-sync" || got.Kind != auth.TokenKindAPI {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Subject != "billing-sync" {
		t.Errorf("subject should default to appName, got %q", got.Subject)
	}

	if err := svc.Revoke(ctx, record.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if cache.IsActive(record.ID) {
		t.Error("revoked token must leave the active cache")
	}
	got, err = svc.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get after revoke: %v", err)
	}
	if !got.Revoked() {
		t.Error("record should be marked revoked")
	}

	// Revoking again is a no-op, not an error.
	if err := svc.Revoke(ctx, record.ID); err != nil {
		t.Errorf("second Revoke: %v", err)
	}
}

func TestRevokeUnknownToken(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.Revoke(context.Background(), "no-such-jti"); err != ErrNotFound {
		t.Errorf("Revoke unknown = %v, want ErrNotFound", err)
	}
}

func TestDeleteRemovesRecordAndCacheEntry(t *testing.T) {
	svc, cache := newTestService(t)
	ctx := context.Background()

	_, record, err := svc.Create(ctx, CreateRequest{AppName: "lab-feed"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Delete(ctx, record.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if cache.IsActive(record.ID) {
		t.Error("deleted token must leave the active cache")
	}
	if _, err := svc.Get(ctx, record.ID); err != ErrNotFound {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestRevokeAllForSubject(t *testing.T) {
	svc, cache := newTestService(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		_, record, err := svc.Create(ctx, CreateRequest{AppName: "ehr-bridge"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, record.ID)
	}
	_, other, err := svc.Create(ctx, CreateRequest{AppName: "other-app"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	count, err := svc.RevokeAllForSubject(ctx, "ehr-bridge")
	if err != nil {
		t.Fatalf("RevokeAllForSubject: %v", err)
	}
	if count != 3 {
		t.Errorf("revoked %d tokens, want 3", count)
	}
	for _, id := range ids {
		if cache.IsActive(id) {
			t.Errorf("token %s still active after bulk revoke", id)
		}
	}
	if !cache.IsActive(other.ID) {
		t.Error("unrelated subject's token must stay active")
	}
}

func TestWarmCache(t *testing.T) {
	repo := NewRepoMem()
	cache := auth.NewActiveTokenCache()
	defer cache.Close()

	now := time.Now()
	live := &auth.IssuedToken{ID: "live", Subject: "s", Kind: auth.TokenKindAPI,
		IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	expired := &auth.IssuedToken{ID: "expired", Subject: "s", Kind: auth.TokenKindAPI,
		IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	revokedAt := now.Add(-time.Minute)
	revoked := &auth.IssuedToken{ID: "revoked", Subject: "s", Kind: auth.TokenKindAPI,
		IssuedAt: now, ExpiresAt: now.Add(time.Hour), RevokedAt: &revokedAt}

	ctx := context.Background()
	for _, tok := range []*auth.IssuedToken{live, expired, revoked} {
		if err := repo.Create(ctx, tok); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	issuer, err := auth.NewIssuer("iss", []byte("0123456789abcdef0123456789abcdef"),
		auth.DefaultValidities(), repo, cache)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	svc := NewService(repo, issuer, cache)
	if err := svc.WarmCache(ctx); err != nil {
		t.Fatalf("WarmCache: %v", err)
	}

	if !cache.IsActive("live") {
		t.Error("live token should be warmed into the cache")
	}
	if cache.IsActive("expired") {
		t.Error("expired token must not be warmed")
	}
	if cache.IsActive("revoked") {
		t.Error("revoked token must not be warmed")
	}
}
