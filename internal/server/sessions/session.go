package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/clock"
	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/logging"
	"github.com/dmitrijs2005/gophbot/internal/server/models"
	"github.com/dmitrijs2005/gophbot/internal/server/protocol"
	"github.com/dmitrijs2005/gophbot/internal/server/reconnect"
	"github.com/dmitrijs2005/gophbot/internal/server/retention"
)

// ConnectionInfo is a point-in-time view of one session.
type ConnectionInfo struct {
	SessionID    string         `json:"sessionId"`
	PhoneNumber  string         `json:"phoneNumber,omitempty"`
	User         string         `json:"user,omitempty"`
	State        string         `json:"state"`
	Backend      models.Backend `json:"backend,omitempty"`
	Attempts     int            `json:"attempts"`
	Connected    bool           `json:"connected"`
	Degraded     bool           `json:"degraded,omitempty"`
	LastActiveAt time.Time      `json:"lastActiveAt"`
}

// Session is the registry's handle on one bot account. All mutable fields
// are guarded by mu.
type Session struct {
	id     string
	logger logging.Logger
	cache  *retention.Cache[protocol.Message]

	// ready is closed once creation finished; initErr is valid after that.
	ready   chan struct{}
	initErr error
	// qrReady is closed when the first pairing QR arrived.
	qrReady chan struct{}

	mu         sync.Mutex
	phone      string
	auth       *models.AuthState
	backend    models.Backend
	client     protocol.Client
	state      reconnect.State
	attempts   int
	timer      clock.Timer
	closed     bool
	opened     bool
	degraded   bool
	qr         string
	user       *models.Contact
	lastActive time.Time
	lastTouch  time.Time
}

func newSession(id, phone string, capacity, maxChats int, now time.Time, logger logging.Logger) *Session {
	return &Session{
		id:         id,
		logger:     logger.With("session", id),
		cache:      retention.NewLimited[protocol.Message](capacity, maxChats),
		ready:      make(chan struct{}),
		qrReady:    make(chan struct{}),
		phone:      phone,
		state:      reconnect.StateInitializing,
		lastActive: now,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() reconnect.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// QR returns the latest pairing payload, empty once the session opened.
func (s *Session) QR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr
}

// setQR must be called with mu held.
func (s *Session) setQR(qr string) {
	s.qr = qr
	select {
	case <-s.qrReady:
	default:
		close(s.qrReady)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Info() ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := ConnectionInfo{
		SessionID:    s.id,
		PhoneNumber:  s.phone,
		State:        s.state.String(),
		Backend:      s.backend,
		Attempts:     s.attempts,
		Connected:    s.client != nil && s.client.Connected(),
		Degraded:     s.degraded,
		LastActiveAt: s.lastActive,
	}
	if s.user != nil {
		info.User = s.user.ID
	}
	return info
}

// Send delivers a text message through the live connection.
func (s *Session) Send(ctx context.Context, jid, text string) (string, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return "", common.ErrNotConnected
	}
	return client.SendMessage(ctx, jid, protocol.Content{Text: text})
}

func (s *Session) owns(client protocol.Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.client == client
}

// setState must be called with mu held.
func (s *Session) setState(next reconnect.State) bool {
	if s.state == next {
		return false
	}
	if !s.state.CanTransitionTo(next) {
		s.logger.Debug(context.Background(), "ignoring state transition", "from", s.state, "to", next)
		return false
	}
	s.state = next
	return true
}

// shutdown stops the reconnection timer before closing the connection. It
// leaves persisted state alone and reports whether it changed anything.
func (s *Session) shutdown() bool {
	s.mu.Lock()
	if s.closed && s.client == nil && s.timer == nil {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	client := s.client
	s.client = nil
	s.setState(reconnect.StateClosedTerminal)
	s.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	s.cache.Clear()
	return true
}
