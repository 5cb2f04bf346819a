package accounts

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/fhirgate/fhirgate/internal/platform/db"
)

// PatientDirectory answers the one question the launch flow needs when
// nothing else pins a patient: which patient exists at all. The lookup
// is deliberately unfiltered; access control happens at the resource
// layer, not here.
type PatientDirectory interface {
	FirstPatientID(ctx context.Context) (string, error)
}

// PatientResolver picks the patient context for an OAuth authorization.
// Priority: the patient requested explicitly, then the signing user's
// default patient, then whatever the directory returns.
type PatientResolver struct {
	accounts  *Service
	directory PatientDirectory
}

func NewPatientResolver(accounts *Service, directory PatientDirectory) *PatientResolver {
	return &PatientResolver{accounts: accounts, directory: directory}
}

// Resolve returns the patient id for a launch, or "" when none can be
// determined. Resolution failures are logged, not fatal: a launch
// without patient context is still a valid launch.
func (r *PatientResolver) Resolve(ctx context.Context, requestedPatientID, userID string) string {
	if requestedPatientID != "" {
		return requestedPatientID
	}

	if userID != "" && r.accounts != nil {
		user, err := r.accounts.GetByID(ctx, userID)
		if err == nil && user.DefaultPatientID != "" {
			return user.DefaultPatientID
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			log.Debug().Err(err).Str("user_id", userID).Msg("default patient lookup failed")
		}
	}

	if r.directory != nil {
		id, err := r.directory.FirstPatientID(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("first-patient lookup failed")
			return ""
		}
		return id
	}
	return ""
}

type patientDirectoryPG struct {
	pool    *pgxpool.Pool
	gateway *db.Gateway
}

// NewPatientDirectoryPG queries the FHIR patient table directly.
func NewPatientDirectoryPG(pool *pgxpool.Pool, gateway *db.Gateway) PatientDirectory {
	return &patientDirectoryPG{pool: pool, gateway: gateway}
}

func (d *patientDirectoryPG) FirstPatientID(ctx context.Context) (string, error) {
	var id string
	err := d.gateway.Do(ctx, func(ctx context.Context) error {
		return d.pool.QueryRow(ctx,
			`SELECT fhir_id FROM patient ORDER BY created_at LIMIT 1`).Scan(&id)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}
