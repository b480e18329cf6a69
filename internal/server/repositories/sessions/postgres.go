package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/dbx"
	"github.com/dmitrijs2005/gophbot/internal/server/models"
)

// PostgresRepository keeps auth state as JSONB documents over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	query := `
		SELECT session_id, phone_number, credentials, keys, created_at, last_active_at, is_active
		FROM bot_sessions
		WHERE session_id = $1 AND is_active
	`
	var (
		rec         models.SessionRecord
		phone       sql.NullString
		credentials []byte
		keys        []byte
	)
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&rec.SessionID, &phone, &credentials, &keys, &rec.CreatedAt, &rec.LastActiveAt, &rec.IsActive,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	rec.PhoneNumber = phone.String

	state := models.NewAuthState()
	if err := json.Unmarshal(credentials, &state.Creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if len(keys) > 0 {
		if err := json.Unmarshal(keys, &state.Keys); err != nil {
			return nil, fmt.Errorf("decode keys: %w", err)
		}
	}
	rec.State = state

	return &rec, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, rec *models.SessionRecord) error {
	if rec.State == nil {
		return errors.New("upsert: nil auth state")
	}
	credentials, err := json.Marshal(rec.State.Creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	keys := rec.State.Keys
	if keys == nil {
		keys = models.KeyStore{}
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode keys: %w", err)
	}

	query := `
		INSERT INTO bot_sessions (session_id, phone_number, credentials, keys, last_active_at, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (session_id) DO UPDATE SET
			phone_number = COALESCE(EXCLUDED.phone_number, bot_sessions.phone_number),
			credentials = EXCLUDED.credentials,
			keys = EXCLUDED.keys,
			last_active_at = EXCLUDED.last_active_at,
			is_active = TRUE
	`
	phone := sql.NullString{String: rec.PhoneNumber, Valid: rec.PhoneNumber != ""}
	if _, err := r.db.ExecContext(ctx, query, rec.SessionID, phone, string(credentials), string(keysJSON), rec.LastActiveAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Touch(ctx context.Context, sessionID string, at time.Time) error {
	query := `
		UPDATE bot_sessions SET last_active_at = $2
		WHERE session_id = $1 AND is_active
	`
	if _, err := r.db.ExecContext(ctx, query, sessionID, at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Deactivate(ctx context.Context, sessionID string) error {
	query := `
		UPDATE bot_sessions SET is_active = FALSE
		WHERE session_id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, sessionID string) error {
	query := `
		DELETE FROM bot_sessions
		WHERE session_id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListActive(ctx context.Context) ([]models.SessionRecord, error) {
	query := `
		SELECT session_id, phone_number, created_at, last_active_at
		FROM bot_sessions
		WHERE is_active
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.SessionRecord
	for rows.Next() {
		var (
			rec   models.SessionRecord
			phone sql.NullString
		)
		if err := rows.Scan(&rec.SessionID, &phone, &rec.CreatedAt, &rec.LastActiveAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		rec.PhoneNumber = phone.String
		rec.IsActive = true
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) DeactivateIdleSince(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE bot_sessions SET is_active = FALSE
		WHERE is_active AND last_active_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}
