package oauth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirgate/fhirgate/internal/platform/db"
)

type pgSource struct {
	pool    *pgxpool.Pool
	gateway *db.Gateway
}

// NewPGSource creates a PostgreSQL-backed client source.
func NewPGSource(pool *pgxpool.Pool, gateway *db.Gateway) Source {
	return &pgSource{pool: pool, gateway: gateway}
}

func (s *pgSource) Name() string { return "postgres" }

const clientColumns = `id, client_id, secret_hash, name, kind, redirect_uris, scopes, pkce_required, created_at, updated_at`

func (s *pgSource) Lookup(ctx context.Context, clientID string) (*Client, error) {
	var client Client
	err := s.gateway.Do(ctx, func(ctx context.Context) error {
		return scanClient(s.pool.QueryRow(ctx,
			`SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = $1`, clientID), &client)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	return &client, nil
}

func (s *pgSource) Save(ctx context.Context, client *Client) error {
	if client.ID == uuid.Nil {
		client.ID = uuid.New()
	}
	return s.gateway.Do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO oauth_clients (id, client_id, secret_hash, name, kind, redirect_uris, scopes, pkce_required)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (client_id) DO UPDATE SET
				secret_hash = EXCLUDED.secret_hash,
				name = EXCLUDED.name,
				kind = EXCLUDED.kind,
				redirect_uris = EXCLUDED.redirect_uris,
				scopes = EXCLUDED.scopes,
				pkce_required = EXCLUDED.pkce_required,
				updated_at = NOW()`,
			client.ID, client.ClientID, client.SecretHash, client.Name, string(client.Kind),
			client.RedirectURIs, client.Scopes, client.PKCERequired,
		)
		return err
	})
}

func (s *pgSource) List(ctx context.Context) ([]*Client, error) {
	var out []*Client
	err := s.gateway.Do(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+clientColumns+` FROM oauth_clients ORDER BY client_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var client Client
			if err := scanClient(rows, &client); err != nil {
				return err
			}
			out = append(out, &client)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgSource) Delete(ctx context.Context, clientID string) error {
	var affected int64
	err := s.gateway.Do(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM oauth_clients WHERE client_id = $1`, clientID)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrClientNotFound
	}
	return nil
}

func scanClient(row pgx.Row, client *Client) error {
	var kind string
	err := row.Scan(
		&client.ID, &client.ClientID, &client.SecretHash, &client.Name, &kind,
		&client.RedirectURIs, &client.Scopes, &client.PKCERequired,
		&client.CreatedAt, &client.UpdatedAt,
	)
	if err != nil {
		return err
	}
	client.Kind = ClientKind(kind)
	return nil
}
