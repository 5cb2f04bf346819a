package oauth

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrClientNotFound is returned when no source knows a client_id.
var ErrClientNotFound = errors.New("oauth client not found")

// Source is one backing store of client registrations.
type Source interface {
	Name() string
	Lookup(ctx context.Context, clientID string) (*Client, error)
	Save(ctx context.Context, client *Client) error
	List(ctx context.Context) ([]*Client, error)
	Delete(ctx context.Context, clientID string) error
}

// Registry resolves clients across an ordered list of sources. Lookups
// take the first hit; a failing source is logged and skipped so one
// backend outage does not hide clients held elsewhere. Saves go to
// every source, best effort.
type Registry struct {
	sources []Source
}

func NewRegistry(sources ...Source) *Registry {
	return &Registry{sources: sources}
}

// Lookup finds a client by client_id. Source order decides precedence.
func (r *Registry) Lookup(ctx context.Context, clientID string) (*Client, error) {
	for _, src := range r.sources {
		client, err := src.Lookup(ctx, clientID)
		if err == nil {
			return client, nil
		}
		if !errors.Is(err, ErrClientNotFound) {
			log.Warn().Err(err).
				Str("source", src.Name()).
				Str("client_id", clientID).
				Msg("client source lookup failed, trying next")
		}
	}
	return nil, ErrClientNotFound
}

// Save writes the client to every source. It succeeds if at least one
// source accepted the write.
func (r *Registry) Save(ctx context.Context, client *Client) error {
	var lastErr error
	saved := 0
	for _, src := range r.sources {
		if err := src.Save(ctx, client); err != nil {
			lastErr = err
			log.Warn().Err(err).
				Str("source", src.Name()).
				Str("client_id", client.ClientID).
				Msg("client source save failed")
			continue
		}
		saved++
	}
	if saved == 0 {
		return lastErr
	}
	return nil
}

// List merges clients from all sources. On duplicate client_id the
// earlier source wins.
func (r *Registry) List(ctx context.Context) ([]*Client, error) {
	seen := make(map[string]bool)
	var out []*Client
	for _, src := range r.sources {
		clients, err := src.List(ctx)
		if err != nil {
			log.Warn().Err(err).Str("source", src.Name()).Msg("client source list failed")
			continue
		}
		for _, client := range clients {
			if seen[client.ClientID] {
				continue
			}
			seen[client.ClientID] = true
			out = append(out, client)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

// Delete removes the client from every source that holds it.
func (r *Registry) Delete(ctx context.Context, clientID string) error {
	found := false
	for _, src := range r.sources {
		err := src.Delete(ctx, clientID)
		if err == nil {
			found = true
			continue
		}
		if !errors.Is(err, ErrClientNotFound) {
			log.Warn().Err(err).Str("source", src.Name()).Msg("client source delete failed")
		}
	}
	if !found {
		return ErrClientNotFound
	}
	return nil
}

// memSource keeps registrations in memory. It seeds the registry with
// default clients and backs the server when no database is configured.
type memSource struct {
	name string
	mu   sync.RWMutex
	byID map[string]*Client
}

// NewMemSource creates an in-memory client source seeded with the given
// clients.
func NewMemSource(name string, seed ...*Client) Source {
	s := &memSource{name: name, byID: make(map[string]*Client)}
	now := time.Now()
	for _, client := range seed {
		cp := *client
		if cp.ID == uuid.Nil {
			cp.ID = uuid.New()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
			cp.UpdatedAt = now
		}
		s.byID[cp.ClientID] = &cp
	}
	return s
}

func (s *memSource) Name() string { return s.name }

func (s *memSource) Lookup(ctx context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.byID[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	cp := *client
	return &cp, nil
}

func (s *memSource) Save(ctx context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *client
	cp.UpdatedAt = time.Now()
	s.byID[client.ClientID] = &cp
	return nil
}

func (s *memSource) List(ctx context.Context) ([]*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.byID))
	for _, client := range s.byID {
		cp := *client
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memSource) Delete(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[clientID]; !ok {
		return ErrClientNotFound
	}
	delete(s.byID, clientID)
	return nil
}
