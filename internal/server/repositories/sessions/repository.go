// Package sessions declares the persisted session record contract and its
// PostgreSQL implementation.
package sessions

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/server/models"
)

// Repository stores one document per session id.
type Repository interface {
	// Get returns the active record for sessionID, or common.ErrorNotFound.
	Get(ctx context.Context, sessionID string) (*models.SessionRecord, error)

	// Upsert writes the record and marks it active.
	Upsert(ctx context.Context, rec *models.SessionRecord) error

	// Touch bumps last_active_at of an active record.
	Touch(ctx context.Context, sessionID string, at time.Time) error

	// Deactivate clears is_active. Missing records are not an error.
	Deactivate(ctx context.Context, sessionID string) error

	// Delete removes the record. Missing records are not an error.
	Delete(ctx context.Context, sessionID string) error

	// ListActive returns active records without their auth state, oldest first.
	ListActive(ctx context.Context) ([]models.SessionRecord, error)

	// DeactivateIdleSince deactivates active records last seen before cutoff
	// and returns how many were affected.
	DeactivateIdleSince(ctx context.Context, cutoff time.Time) (int64, error)
}
