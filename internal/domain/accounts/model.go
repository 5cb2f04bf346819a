package accounts

import (
	"time"

	"github.com/google/uuid"
)

// User is a human account that can sign in interactively.
type User struct {
	ID               uuid.UUID `json:"id"`
	Email            string    `json:"email"`
	PasswordHash     string    `json:"-"`
	DisplayName      string    `json:"displayName,omitempty"`
	FHIRUser         string    `json:"fhirUser,omitempty"`
	DefaultPatientID string    `json:"defaultPatientId,omitempty"`
	IsAdmin          bool      `json:"isAdmin"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}
