package sessions

import (
	"context"
	"errors"
	"sync"

	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/server/models"
	"github.com/dmitrijs2005/gophbot/internal/server/protocol"
)

type sentMessage struct {
	JID     string
	Content protocol.Content
}

type fakeClient struct {
	cfg        protocol.ClientConfig
	connectErr error
	events     chan protocol.Event

	mu        sync.Mutex
	closed    bool
	connected bool
	user      *models.Contact
	sent      []sentMessage
	reads     []protocol.MessageKey
	paired    []string
	// gate, when set, holds outbound requests until it is closed.
	gate chan struct{}
}

func newFakeClient(cfg protocol.ClientConfig) *fakeClient {
	return &fakeClient{cfg: cfg, events: make(chan protocol.Event, 64)}
}

// emit delivers ev unless the client is closed.
func (c *fakeClient) emit(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if u, ok := ev.(protocol.ConnectionUpdate); ok {
		c.connected = u.State == protocol.ConnOpen
		if u.User != nil {
			c.user = u.User
		}
	}
	c.events <- ev
}

func (c *fakeClient) open(userID string) {
	c.emit(protocol.ConnectionUpdate{State: protocol.ConnOpen, User: &models.Contact{ID: userID}})
}

func (c *fakeClient) closeWith(status int) {
	c.emit(protocol.ConnectionUpdate{
		State:          protocol.ConnClose,
		LastDisconnect: &protocol.DisconnectError{StatusCode: status},
	})
}

func (c *fakeClient) Connect(ctx context.Context) error { return c.connectErr }

func (c *fakeClient) Events() <-chan protocol.Event { return c.events }

func (c *fakeClient) hold(gate chan struct{}) {
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
}

func (c *fakeClient) wait(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeClient) SendMessage(ctx context.Context, jid string, content protocol.Content) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", common.ErrSessionClosed
	}
	c.sent = append(c.sent, sentMessage{JID: jid, Content: content})
	return "OUT1", nil
}

func (c *fakeClient) ReadMessages(ctx context.Context, keys []protocol.MessageKey) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, keys...)
	return nil
}

func (c *fakeClient) RequestPairingCode(_ context.Context, phone string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paired = append(c.paired, phone)
	return "WXYZ1234", nil
}

func (c *fakeClient) User() *models.Contact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *fakeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Logout(ctx context.Context) error { return c.Close() }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.connected = false
		close(c.events)
	}
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) readKeys() []protocol.MessageKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.MessageKey(nil), c.reads...)
}

func (c *fakeClient) sentMessages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

type fakeFactory struct {
	mu          sync.Mutex
	clients     []*fakeClient
	connectErrs []error
	err         error
}

func (f *fakeFactory) New(cfg protocol.ClientConfig) (protocol.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeClient(cfg)
	if len(f.connectErrs) > 0 {
		c.connectErr = f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
	}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

type fakeStore struct {
	mu       sync.Mutex
	states   map[string]*models.AuthState
	backends map[string]models.Backend
	active   []models.SessionRecord
	loadErr  map[string]error
	saveErr  error
	// loadGate, when set, holds Load until it is closed. loadStarted is
	// signalled as each Load begins.
	loadGate    chan struct{}
	loadStarted chan string

	loads, saves, promotes, touches, inactive, removed, purged, forgotten map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:   make(map[string]*models.AuthState),
		backends: make(map[string]models.Backend),
		loadErr:  make(map[string]error),
		loads:    make(map[string]int),
		saves:    make(map[string]int),
		promotes: make(map[string]int),
		touches:  make(map[string]int),
		inactive: make(map[string]int),
		removed:  make(map[string]int),
		purged:   make(map[string]int),

		forgotten: make(map[string]int),
	}
}

func (s *fakeStore) Load(_ context.Context, id string) (*models.AuthState, models.Backend, error) {
	s.mu.Lock()
	gate, started := s.loadGate, s.loadStarted
	s.mu.Unlock()
	if started != nil {
		started <- id
	}
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads[id]++
	if err := s.loadErr[id]; err != nil {
		return nil, models.BackendNone, err
	}
	st, ok := s.states[id]
	if !ok {
		return nil, models.BackendNone, common.ErrorNotFound
	}
	return st.Clone(), s.backends[id], nil
}

func (s *fakeStore) Save(_ context.Context, id, _ string, state *models.AuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves[id]++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.states[id] = state.Clone()
	if s.backends[id] == models.BackendNone {
		s.backends[id] = models.BackendFile
	}
	return nil
}

func (s *fakeStore) Promote(_ context.Context, id, _ string, state *models.AuthState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promotes[id]++
	if s.backends[id] != models.BackendFile {
		return s.backends[id] == models.BackendDatabase, nil
	}
	s.states[id] = state.Clone()
	s.backends[id] = models.BackendDatabase
	return true, nil
}

func (s *fakeStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches[id]++
	return nil
}

func (s *fakeStore) MarkInactive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inactive[id]++
	return nil
}

func (s *fakeStore) RemoveLocal(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[id]++
	return nil
}

func (s *fakeStore) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgotten[id]++
}

func (s *fakeStore) Purge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged[id]++
	delete(s.states, id)
	delete(s.backends, id)
	return nil
}

func (s *fakeStore) ActiveSessions(context.Context) ([]models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SessionRecord(nil), s.active...), nil
}

func (s *fakeStore) Backend(id string) models.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backends[id]
}

func (s *fakeStore) count(m map[string]int, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return m[id]
}

var errBoom = errors.New("boom")
