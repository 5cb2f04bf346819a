package accounts

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirgate/fhirgate/internal/platform/db"
)

type userRepoPG struct {
	pool    *pgxpool.Pool
	gateway *db.Gateway
}

// NewUserRepoPG creates a PostgreSQL-backed user repository. Queries run
// through the connectivity gateway.
func NewUserRepoPG(pool *pgxpool.Pool, gateway *db.Gateway) UserRepository {
	return &userRepoPG{pool: pool, gateway: gateway}
}

const userColumns = `id, email, password_hash, display_name, fhir_user, default_patient_id, is_admin, created_at, updated_at`

func (r *userRepoPG) Create(ctx context.Context, user *User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	return r.gateway.Do(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO users (id, email, password_hash, display_name, fhir_user, default_patient_id, is_admin)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			user.ID, user.Email, user.PasswordHash, user.DisplayName,
			user.FHIRUser, user.DefaultPatientID, user.IsAdmin,
		)
		return err
	})
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *userRepoPG) GetByID(ctx context.Context, id string) (*User, error) {
	// Non-uuid subjects (the bootstrap admin among them) cannot match
	// the uuid primary key; asking Postgres would raise a cast error.
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *userRepoPG) get(ctx context.Context, query string, arg interface{}) (*User, error) {
	var user User
	err := r.gateway.Do(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx, query, arg).Scan(
			&user.ID, &user.Email, &user.PasswordHash, &user.DisplayName,
			&user.FHIRUser, &user.DefaultPatientID, &user.IsAdmin,
			&user.CreatedAt, &user.UpdatedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}
