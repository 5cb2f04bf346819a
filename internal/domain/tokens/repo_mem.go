package tokens

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
)

// memRepo keeps token records in memory. Used when the server runs
// without a database; records do not survive a restart.
type memRepo struct {
	mu   sync.RWMutex
	byID map[string]*auth.IssuedToken
}

// NewRepoMem creates an in-memory token repository.
func NewRepoMem() Repository {
	return &memRepo{byID: make(map[string]*auth.IssuedToken)}
}

func (r *memRepo) Create(ctx context.Context, tok *auth.IssuedToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *tok
	r.byID[tok.ID] = &cp
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*auth.IssuedToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tok, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (r *memRepo) List(ctx context.Context, limit, offset int) ([]*auth.IssuedToken, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*auth.IssuedToken, 0, len(r.byID))
	for _, tok := range r.byID {
		cp := *tok
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].IssuedAt.After(all[j].IssuedAt)
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *memRepo) ListActive(ctx context.Context) ([]*auth.IssuedToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var out []*auth.IssuedToken
	for _, tok := range r.byID {
		if tok.Revoked() || !tok.ExpiresAt.After(now) {
			continue
		}
		cp := *tok
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) Revoke(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if tok.RevokedAt == nil {
		now := time.Now()
		tok.RevokedAt = &now
	}
	return nil
}

func (r *memRepo) RevokeAllForSubject(ctx context.Context, subject string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	count := 0
	for _, tok := range r.byID {
		if tok.Subject == subject && tok.RevokedAt == nil {
			t := now
			tok.RevokedAt = &t
			count++
		}
	}
	return count, nil
}

func (r *memRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	return nil
}

func (r *memRepo) TouchLastUsed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.byID[id]; ok {
		now := time.Now()
		tok.LastUsed = &now
	}
	return nil
}
