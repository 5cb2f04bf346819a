package tokens

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/db"
)

type repoPG struct {
	pool    *pgxpool.Pool
	gateway *db.Gateway
}

// NewRepoPG creates a PostgreSQL-backed token repository. All queries run
// through the connectivity gateway and fail fast while the circuit is
// open.
func NewRepoPG(pool *pgxpool.Pool, gateway *db.Gateway) Repository {
	return &repoPG{pool: pool, gateway: gateway}
}

const tokenColumns = `id, subject, email, app_name, kind, scope, issued_at, expires_at, revoked_at, created_by, last_used`

// validID rejects ids that cannot match the uuid primary key before
// they reach the database. Postgres would raise a cast error for them,
// and a caller-supplied bad id must not count against the circuit.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (r *repoPG) Create(ctx context.Context, tok *auth.IssuedToken) error {
	return r.gateway.Do(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO tokens (`+tokenColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			tok.ID, tok.Subject, tok.Email, tok.AppName, string(tok.Kind), tok.Scope,
			tok.IssuedAt, tok.ExpiresAt, tok.RevokedAt, tok.CreatedBy, tok.LastUsed,
		)
		return err
	})
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*auth.IssuedToken, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	var tok *auth.IssuedToken
	err := r.gateway.Do(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id)
		var err error
		tok, err = scanToken(row)
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return tok, nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*auth.IssuedToken, int, error) {
	var out []*auth.IssuedToken
	var total int
	err := r.gateway.Do(ctx, func(ctx context.Context) error {
		if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&total); err != nil {
			return err
		}
		rows, err := r.pool.Query(ctx,
			`SELECT `+tokenColumns+` FROM tokens ORDER BY issued_at DESC LIMIT $1 OFFSET $2`,
			limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = collectTokens(rows)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *repoPG) ListActive(ctx context.Context) ([]*auth.IssuedToken, error) {
	var out []*auth.IssuedToken
	err := r.gateway.Do(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT `+tokenColumns+` FROM tokens WHERE revoked_at IS NULL AND expires_at > NOW()`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = collectTokens(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repoPG) Revoke(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	exists := true
	err := r.gateway.Do(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE tokens SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// Either missing or already revoked; distinguish for the caller.
			return r.pool.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM tokens WHERE id = $1)`, id).Scan(&exists)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) RevokeAllForSubject(ctx context.Context, subject string) (int, error) {
	var count int
	err := r.gateway.Do(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE tokens SET revoked_at = NOW() WHERE subject = $1 AND revoked_at IS NULL`, subject)
		if err != nil {
			return err
		}
		count = int(tag.RowsAffected())
		return nil
	})
	return count, err
}

func (r *repoPG) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	var affected int64
	err := r.gateway.Do(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx, `DELETE FROM tokens WHERE id = $1`, id)
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
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) TouchLastUsed(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	return r.gateway.Do(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `UPDATE tokens SET last_used = NOW() WHERE id = $1`, id)
		return err
	})
}

func scanToken(row pgx.Row) (*auth.IssuedToken, error) {
	var tok auth.IssuedToken
	var kind string
	err := row.Scan(
		&tok.ID, &tok.Subject, &tok.Email, &tok.AppName, &kind, &tok.Scope,
		&tok.IssuedAt, &tok.ExpiresAt, &tok.RevokedAt, &tok.CreatedBy, &tok.LastUsed,
	)
	if err != nil {
		return nil, err
	}
	tok.Kind = auth.TokenKind(kind)
	return &tok, nil
}

func collectTokens(rows pgx.Rows) ([]*auth.IssuedToken, error) {
	var out []*auth.IssuedToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}
