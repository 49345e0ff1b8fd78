package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProfileDirectory reads patient contact details maintained by the profile
// service.
type ProfileDirectory struct {
	pool *pgxpool.Pool
}

// NewProfileDirectory creates a profile directory
func NewProfileDirectory(pool *pgxpool.Pool) *ProfileDirectory {
	return &ProfileDirectory{pool: pool}
}

// MissingPatientFields returns the required fields that are empty for the
// patient. A patient without a profile row is missing all of them.
func (d *ProfileDirectory) MissingPatientFields(ctx context.Context, patientID string) ([]string, error) {
	var phone, address *string
	err := d.pool.QueryRow(ctx,
		`SELECT phone, address FROM patient_profiles WHERE user_id = $1`, patientID,
	).Scan(&phone, &address)
	if errors.Is(err, pgx.ErrNoRows) {
		return []string{"phone", "address"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load patient profile: %w", err)
	}
	return missingFields(phone, address), nil
}

func missingFields(phone, address *string) []string {
	var missing []string
	if phone == nil || strings.TrimSpace(*phone) == "" {
		missing = append(missing, "phone")
	}
	if address == nil || strings.TrimSpace(*address) == "" {
		missing = append(missing, "address")
	}
	return missing
}
