// Package services holds the stateful services that sit between the
// session manager and the repositories.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/clock"
	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/dbx"
	"github.com/dmitrijs2005/gophbot/internal/logging"
	"github.com/dmitrijs2005/gophbot/internal/server/models"
	"github.com/dmitrijs2005/gophbot/internal/server/repositories/repomanager"
)

// DefaultInactiveRetention is how long a record may go unused before the
// sweep deactivates it.
const DefaultInactiveRetention = 30 * 24 * time.Hour

const pingTimeout = 2 * time.Second

// FileBackend is the local fallback store, implemented by
// authfiles.FileRepository.
type FileBackend interface {
	Load(sessionID string) (*models.AuthState, error)
	Save(sessionID string, state *models.AuthState) error
	Remove(sessionID string) error
	List() ([]models.SessionRecord, error)
}

// AuthStore persists auth state in PostgreSQL when it is configured and
// reachable, and in a local directory otherwise. A session keeps writing to
// the backend it was loaded from.
type AuthStore struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	files       FileBackend
	clock       clock.Clock
	logger      logging.Logger
	retention   time.Duration

	mu      sync.Mutex
	origins map[string]models.Backend
	locks   map[string]*sync.Mutex
}

// NewAuthStore builds a store. db may be nil for file-only operation.
func NewAuthStore(db *sql.DB, repomanager repomanager.RepositoryManager, files FileBackend, clk clock.Clock, logger logging.Logger) *AuthStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &AuthStore{
		db:          db,
		repomanager: repomanager,
		files:       files,
		clock:       clk,
		logger:      logger.With("module", "authstore"),
		retention:   DefaultInactiveRetention,
		origins:     make(map[string]models.Backend),
		locks:       make(map[string]*sync.Mutex),
	}
}

// SetInactiveRetention overrides DefaultInactiveRetention.
func (s *AuthStore) SetInactiveRetention(d time.Duration) {
	if d > 0 {
		s.retention = d
	}
}

func (s *AuthStore) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *AuthStore) origin(sessionID string) models.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origins[sessionID]
}

func (s *AuthStore) setOrigin(sessionID string, b models.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.origins[sessionID] = b
}

// Forget drops the remembered backend of a session that is no longer live.
// The per-session lock is kept: a writer may still hold or wait on it, and a
// fresh lock would let the next writer run alongside it.
func (s *AuthStore) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.origins, sessionID)
}

// Backend reports where the session's state was last loaded from or saved to.
func (s *AuthStore) Backend(sessionID string) models.Backend {
	return s.origin(sessionID)
}

// PrimaryAvailable pings the database.
func (s *AuthStore) PrimaryAvailable(ctx context.Context) bool {
	if s.db == nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.db.PingContext(pctx) == nil
}

// Load returns the session's auth state from the database (refreshing its
// last activity) or, failing that, from the local directory. It returns
// common.ErrorNotFound when neither has it.
func (s *AuthStore) Load(ctx context.Context, sessionID string) (*models.AuthState, models.Backend, error) {
	if err := common.ValidateSessionID(sessionID); err != nil {
		return nil, models.BackendNone, err
	}

	if s.db != nil {
		var rec *models.SessionRecord
		err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			repo := s.repomanager.Sessions(tx)
			r, err := repo.Get(ctx, sessionID)
			if err != nil {
				return err
			}
			if err := repo.Touch(ctx, sessionID, s.clock.Now()); err != nil {
				return err
			}
			rec = r
			return nil
		})
		switch {
		case err == nil:
			s.setOrigin(sessionID, models.BackendDatabase)
			return rec.State, models.BackendDatabase, nil
		case !errors.Is(err, common.ErrorNotFound):
			s.logger.Warn(ctx, "database load failed, trying local files", "session", sessionID, "error", err)
		}
	}

	state, err := s.files.Load(sessionID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, models.BackendNone, common.ErrorNotFound
		}
		return nil, models.BackendNone, fmt.Errorf("%w: file load: %w", common.ErrPersistence, err)
	}
	s.setOrigin(sessionID, models.BackendFile)
	return state, models.BackendFile, nil
}

// Save writes state for sessionID. Concurrent saves for one session are
// serialised. Failures wrap common.ErrPersistence.
func (s *AuthStore) Save(ctx context.Context, sessionID, phone string, state *models.AuthState) error {
	if err := common.ValidateSessionID(sessionID); err != nil {
		return err
	}
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	backend := s.origin(sessionID)
	if backend == models.BackendNone {
		backend = models.BackendFile
		if s.PrimaryAvailable(ctx) {
			backend = models.BackendDatabase
		}
	}

	if err := s.write(ctx, backend, sessionID, phone, state); err != nil {
		return err
	}
	s.setOrigin(sessionID, backend)
	return nil
}

func (s *AuthStore) write(ctx context.Context, backend models.Backend, sessionID, phone string, state *models.AuthState) error {
	switch backend {
	case models.BackendDatabase:
		if s.db == nil {
			return fmt.Errorf("%w: database not configured", common.ErrPersistence)
		}
		rec := &models.SessionRecord{
			SessionID:    sessionID,
			PhoneNumber:  phone,
			State:        state,
			LastActiveAt: s.clock.Now(),
		}
		if err := s.repomanager.Sessions(s.db).Upsert(ctx, rec); err != nil {
			return fmt.Errorf("%w: database save: %w", common.ErrPersistence, err)
		}
	default:
		if err := s.files.Save(sessionID, state); err != nil {
			return fmt.Errorf("%w: file save: %w", common.ErrPersistence, err)
		}
	}
	return nil
}

// Promote copies a file-backed session into the database and switches it
// over. It reports whether the session now lives in the database.
func (s *AuthStore) Promote(ctx context.Context, sessionID, phone string, state *models.AuthState) (bool, error) {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	switch s.origin(sessionID) {
	case models.BackendDatabase:
		return true, nil
	case models.BackendNone:
		return false, nil
	}
	if !s.PrimaryAvailable(ctx) {
		return false, nil
	}
	if err := s.write(ctx, models.BackendDatabase, sessionID, phone, state); err != nil {
		return false, err
	}
	s.setOrigin(sessionID, models.BackendDatabase)
	s.logger.Info(ctx, "session promoted to database", "session", sessionID)
	return true, nil
}

// Touch refreshes the database record's last activity. File-backed
// sessions have nothing to refresh.
func (s *AuthStore) Touch(ctx context.Context, sessionID string) error {
	if s.db == nil || s.origin(sessionID) != models.BackendDatabase {
		return nil
	}
	if err := s.repomanager.Sessions(s.db).Touch(ctx, sessionID, s.clock.Now()); err != nil {
		return fmt.Errorf("%w: touch: %w", common.ErrPersistence, err)
	}
	return nil
}

// MarkInactive flags the database record so it is not restored again.
func (s *AuthStore) MarkInactive(ctx context.Context, sessionID string) error {
	if s.db == nil {
		return nil
	}
	if err := s.repomanager.Sessions(s.db).Deactivate(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: deactivate: %w", common.ErrPersistence, err)
	}
	return nil
}

// RemoveLocal deletes the session's local directory.
func (s *AuthStore) RemoveLocal(sessionID string) error {
	if err := s.files.Remove(sessionID); err != nil {
		return fmt.Errorf("%w: remove files: %w", common.ErrPersistence, err)
	}
	return nil
}

// Purge deletes everything stored for the session in both backends.
func (s *AuthStore) Purge(ctx context.Context, sessionID string) error {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	var errs []error
	if s.db != nil {
		if err := s.repomanager.Sessions(s.db).Delete(ctx, sessionID); err != nil {
			errs = append(errs, fmt.Errorf("%w: delete: %w", common.ErrPersistence, err))
		}
	}
	if err := s.RemoveLocal(sessionID); err != nil {
		errs = append(errs, err)
	}
	s.Forget(sessionID)
	return errors.Join(errs...)
}

// ActiveSessions lists sessions to restore. Without a database the local
// session directories are listed instead.
func (s *AuthStore) ActiveSessions(ctx context.Context) ([]models.SessionRecord, error) {
	if s.db == nil {
		recs, err := s.files.List()
		if err != nil {
			return nil, fmt.Errorf("%w: list files: %w", common.ErrPersistence, err)
		}
		return recs, nil
	}
	recs, err := s.repomanager.Sessions(s.db).ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", common.ErrPersistence, err)
	}
	return recs, nil
}

// Sweep deactivates database records idle for longer than the retention
// window and returns how many were affected.
func (s *AuthStore) Sweep(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-s.retention)
	n, err := s.repomanager.Sessions(s.db).DeactivateIdleSince(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: sweep: %w", common.ErrPersistence, err)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *AuthStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if s.db == nil || interval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}
		n, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error(ctx, "inactive session sweep failed", "error", err)
			continue
		}
		if n > 0 {
			s.logger.Info(ctx, "deactivated idle sessions", "count", n, "retention", s.retention)
		}
	}
}
