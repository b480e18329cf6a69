// Package sessions owns the live bot connections: it creates them from
// persisted auth state, keeps them alive through the reconnection policy and
// tears them down again.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/clock"
	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/logging"
	"github.com/dmitrijs2005/gophbot/internal/server/commands"
	"github.com/dmitrijs2005/gophbot/internal/server/models"
	"github.com/dmitrijs2005/gophbot/internal/server/protocol"
	"github.com/dmitrijs2005/gophbot/internal/server/reconnect"
	"github.com/google/uuid"
)

const (
	DefaultConnectTimeout = 60 * time.Second
	DefaultKeepAlive      = 30 * time.Second
	DefaultRestoreDelay   = 2 * time.Second
	DefaultPairingDelay   = 1500 * time.Millisecond
	DefaultQRTimeout      = 60 * time.Second

	// touchInterval throttles activity writes for busy sessions.
	touchInterval = time.Minute
	sendTimeout   = 30 * time.Second
	minPhoneLen   = 7
)

// AuthStore is the persistence the manager needs, implemented by
// services.AuthStore.
type AuthStore interface {
	Load(ctx context.Context, sessionID string) (*models.AuthState, models.Backend, error)
	Save(ctx context.Context, sessionID, phone string, state *models.AuthState) error
	Promote(ctx context.Context, sessionID, phone string, state *models.AuthState) (bool, error)
	Touch(ctx context.Context, sessionID string) error
	MarkInactive(ctx context.Context, sessionID string) error
	RemoveLocal(sessionID string) error
	Forget(sessionID string)
	Purge(ctx context.Context, sessionID string) error
	ActiveSessions(ctx context.Context) ([]models.SessionRecord, error)
	Backend(sessionID string) models.Backend
}

// Hook runs after a session opened for the first time.
type Hook func(ctx context.Context, s *Session) error

type Config struct {
	Factory  protocol.Factory
	Store    AuthStore
	Policy   reconnect.Policy
	Clock    clock.Clock
	Logger   logging.Logger
	Commands *commands.Registry

	Version           protocol.Version
	Browser           protocol.Browser
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	RestoreDelay      time.Duration
	PairingDelay      time.Duration
	// QRTimeout bounds how long RequestQR waits for the first QR.
	QRTimeout         time.Duration
	RetentionCapacity int
	// RetentionChats caps how many chats each session's cache tracks.
	RetentionChats int

	// OwnerNumber receives deleted-message reports; the bot's own chat is
	// used when it is empty.
	OwnerNumber string
	AntiDelete  bool
	AutoRead    bool
	AntiCall    bool

	OnOpen        []Hook
	OnStateChange func(sessionID string, state reconnect.State)
	// OnFatal is told why a session ended for good.
	OnFatal func(sessionID string, err error)
}

type Manager struct {
	cfg    Config
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Factory == nil {
		return nil, errors.New("sessions: protocol factory is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("sessions: auth store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Policy == (reconnect.Policy{}) {
		cfg.Policy = reconnect.DefaultPolicy()
	}
	if cfg.Version == (protocol.Version{}) {
		cfg.Version = protocol.DefaultVersion
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAlive
	}
	if cfg.RestoreDelay < 0 {
		cfg.RestoreDelay = 0
	}
	if cfg.PairingDelay < 0 {
		cfg.PairingDelay = 0
	}
	if cfg.QRTimeout <= 0 {
		cfg.QRTimeout = DefaultQRTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.With("module", "sessions"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}, nil
}

// CreateConnection returns the live session for id, creating and connecting
// it when there is none. Concurrent callers for one id share a single
// creation. A failed connect does not fail the call: it is retried like any
// other retryable close.
func (m *Manager) CreateConnection(ctx context.Context, id, phone string) (*Session, error) {
	if err := common.ValidateSessionID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, common.ErrManagerClosed
	}
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if s.initErr != nil {
			return nil, s.initErr
		}
		return s, nil
	}
	s := newSession(id, phone, m.cfg.RetentionCapacity, m.cfg.RetentionChats, m.cfg.Clock.Now(), m.logger)
	m.sessions[id] = s
	m.mu.Unlock()

	err := m.initSession(ctx, s)
	if err == nil && s.isClosed() {
		err = common.ErrSessionClosed
	}
	if err != nil {
		s.initErr = err
		m.remove(s)
		s.shutdown()
	}
	close(s.ready)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) initSession(ctx context.Context, s *Session) error {
	state, backend, err := m.cfg.Store.Load(ctx, s.id)
	switch {
	case errors.Is(err, common.ErrorNotFound):
		state, backend = models.NewAuthState(), models.BackendNone
		s.logger.Info(ctx, "no stored credentials, starting fresh")
	case err != nil:
		return fmt.Errorf("load auth state: %w", err)
	}

	s.mu.Lock()
	s.auth = state
	s.backend = backend
	if s.phone == "" && state.Creds.Me != nil {
		s.phone = phoneFromJID(state.Creds.Me.ID)
	}
	s.mu.Unlock()

	return m.connect(s)
}

// connect builds a fresh client and dials it. Only a factory failure is
// returned; dial failures go through handleClose.
func (m *Manager) connect(s *Session) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return common.ErrSessionClosed
	}
	client, err := m.cfg.Factory(protocol.ClientConfig{
		SessionID:         s.id,
		Version:           m.cfg.Version,
		AuthState:         s.auth.Clone(),
		Browser:           m.cfg.Browser,
		ConnectTimeout:    m.cfg.ConnectTimeout,
		KeepAliveInterval: m.cfg.KeepAliveInterval,
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("build client: %w", err)
	}
	s.client = client
	changed := s.setState(reconnect.StateConnecting)
	s.mu.Unlock()

	if changed {
		m.notifyState(s.id, reconnect.StateConnecting)
	}

	m.wg.Add(1)
	go m.runEvents(s, client)

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		cause := reconnect.CauseConnectionLost
		if errors.Is(err, context.DeadlineExceeded) {
			cause = reconnect.CauseTimedOut
		}
		s.logger.Warn(ctx, "connect failed", "cause", cause, "error", err)
		m.handleClose(s, client, cause)
	}
	return nil
}

func (m *Manager) reconnect(s *Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	s.logger.Info(m.ctx, "reconnecting")
	if err := m.connect(s); err != nil && !errors.Is(err, common.ErrSessionClosed) {
		s.logger.Error(m.ctx, "reconnect failed", "error", err)
		m.terminate(s, false, fmt.Errorf("%w: %w", common.ErrTransientConnection, err))
	}
}

// handleClose applies the reconnection policy to a closed client. Closes of
// clients the session no longer owns are ignored.
func (m *Manager) handleClose(s *Session, client protocol.Client, cause reconnect.Cause) {
	s.mu.Lock()
	if s.closed || s.client != client {
		s.mu.Unlock()
		return
	}
	s.client = nil
	s.attempts++
	decision := m.cfg.Policy.Decide(cause, s.attempts)
	if decision.Action == reconnect.ActionRetry {
		s.setState(reconnect.StateClosedRetryable)
	}
	s.mu.Unlock()

	_ = client.Close()

	switch decision.Action {
	case reconnect.ActionRetry:
		s.logger.Warn(m.ctx, "connection closed, scheduling reconnect",
			"cause", cause, "attempt", decision.Attempt, "delay", decision.Delay)
		m.notifyState(s.id, reconnect.StateClosedRetryable)
		m.scheduleReconnect(s, decision.Delay)
	case reconnect.ActionPurge:
		s.logger.Error(m.ctx, "session logged out, purging credentials", "cause", cause)
		m.terminate(s, true, fmt.Errorf("%w: %s", common.ErrTerminalAuth, cause))
	default:
		s.logger.Error(m.ctx, "giving up on session", "cause", cause, "attempts", decision.Attempt-1)
		m.terminate(s, false, fmt.Errorf("%w: %d attempts, last cause %s",
			common.ErrMaxRetriesExceeded, decision.Attempt-1, cause))
	}
}

func (m *Manager) scheduleReconnect(s *Session, delay time.Duration) {
	t := m.cfg.Clock.AfterFunc(delay, func() { m.reconnect(s) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		t.Stop()
		return
	}
	if s.state == reconnect.StateClosedRetryable {
		s.timer = t
	}
}

// terminate ends a session for good. Purge also deletes its credentials.
func (m *Manager) terminate(s *Session, purge bool, reason error) {
	s.shutdown()
	m.remove(s)

	if purge {
		if err := m.cfg.Store.Purge(m.ctx, s.id); err != nil {
			s.logger.Error(m.ctx, "purge failed", "error", err)
		}
	}
	m.notifyState(s.id, reconnect.StateClosedTerminal)
	if m.cfg.OnFatal != nil {
		m.cfg.OnFatal(s.id, reason)
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
}

func (m *Manager) notifyState(id string, state reconnect.State) {
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(id, state)
	}
}

// CleanupSession stops the session, marks its record inactive and removes
// its local files. Calling it for an unknown or already removed id only
// repeats the persistence steps.
func (m *Manager) CleanupSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok && s.shutdown() {
		m.notifyState(id, reconnect.StateClosedTerminal)
		s.logger.Info(ctx, "session cleaned up")
	}

	var errs []error
	if err := m.cfg.Store.MarkInactive(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if err := m.cfg.Store.RemoveLocal(id); err != nil {
		errs = append(errs, err)
	}
	m.cfg.Store.Forget(id)
	return errors.Join(errs...)
}

// RestoreActiveSessions reconnects every active record, waiting
// RestoreDelay between sessions. It returns how many were created.
func (m *Manager) RestoreActiveSessions(ctx context.Context) (int, error) {
	recs, err := m.cfg.Store.ActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	m.logger.Info(ctx, "restoring sessions", "count", len(recs))

	restored := 0
	for i, rec := range recs {
		if i > 0 && m.cfg.RestoreDelay > 0 {
			select {
			case <-ctx.Done():
				return restored, ctx.Err()
			case <-m.cfg.Clock.After(m.cfg.RestoreDelay):
			}
		}
		if _, err := m.CreateConnection(ctx, rec.SessionID, rec.PhoneNumber); err != nil {
			m.logger.Error(ctx, "restore failed", "session", rec.SessionID, "error", err)
			continue
		}
		restored++
	}
	return restored, nil
}

// GetActiveConnections lists registered sessions ordered by id.
func (m *Manager) GetActiveConnections() []ConnectionInfo {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Pair starts a new session for phone and requests a pairing code for it.
// The code is empty when stored credentials were already registered.
func (m *Manager) Pair(ctx context.Context, phone string) (string, string, error) {
	digits := common.DigitsOnly(phone)
	if len(digits) < minPhoneLen {
		return "", "", common.ErrInvalidPhone
	}
	id := newPairingID()

	s, err := m.CreateConnection(ctx, id, digits)
	if err != nil {
		return "", "", err
	}

	if m.cfg.PairingDelay > 0 {
		select {
		case <-ctx.Done():
			return id, "", ctx.Err()
		case <-m.cfg.Clock.After(m.cfg.PairingDelay):
		}
	}

	s.mu.Lock()
	registered := s.auth.Registered()
	client := s.client
	s.mu.Unlock()

	if registered {
		return id, "", nil
	}
	if client == nil {
		return id, "", common.ErrNotConnected
	}
	code, err := client.RequestPairingCode(ctx, digits)
	if err != nil {
		return id, "", fmt.Errorf("request pairing code: %w", err)
	}
	s.logger.Info(ctx, "pairing code issued", "phone", digits)
	return id, code, nil
}

// RequestQR starts a new session and waits for the bridge to hand out its
// first pairing QR. The session stays registered after a timeout, so a late
// QR can still be scanned once it shows up in the session list.
func (m *Manager) RequestQR(ctx context.Context) (string, string, error) {
	id := newPairingID()
	s, err := m.CreateConnection(ctx, id, "")
	if err != nil {
		return "", "", err
	}

	select {
	case <-s.qrReady:
	case <-ctx.Done():
		return id, "", ctx.Err()
	case <-m.cfg.Clock.After(m.cfg.QRTimeout):
		return id, "", common.ErrQRTimeout
	}
	qr := s.QR()
	if qr == "" {
		// Opened or shut down between the QR and now.
		return id, "", common.ErrSessionClosed
	}
	s.logger.Info(ctx, "pairing QR issued")
	return id, qr, nil
}

func newPairingID() string {
	return "pair-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Close shuts every session down without touching persisted state.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	list := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		list = append(list, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range list {
		s.shutdown()
	}
	m.cancel()
	m.wg.Wait()
	return nil
}

// phoneFromJID extracts the number from "123:4@s.whatsapp.net".
func phoneFromJID(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return common.DigitsOnly(user)
}
