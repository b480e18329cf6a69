// Package wsbridge implements protocol.Client against a bridge process that
// owns the messaging wire protocol. Client and bridge exchange JSON frames
// over a websocket:
//
//	client -> bridge  {"op": "connect|send|read|pairing_code|logout", "id": "...", "data": {...}}
//	bridge -> client  {"event": "creds.update|connection.update|messages.upsert|call|result", "id": "...", "data": {...}, "error": "..."}
//
// "result" frames answer the request with the same id. A bridge may close
// the socket with code 4000+status to report a protocol status (4401 for a
// logged out device).
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/logging"
	"github.com/dmitrijs2005/gophbot/internal/server/models"
	"github.com/dmitrijs2005/gophbot/internal/server/protocol"
	"github.com/dmitrijs2005/gophbot/internal/server/reconnect"
	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	readLimit   = 8 << 20
	eventBuffer = 64

	opConnect     = "connect"
	opSend        = "send"
	opRead        = "read"
	opPairingCode = "pairing_code"
	opLogout      = "logout"
	eventResult   = "result"

	// closeStatusBase offsets protocol status codes in websocket close codes.
	closeStatusBase = 4000
)

type Options struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
	Logger logging.Logger
}

// NewFactory returns a protocol.Factory that builds bridge clients.
func NewFactory(opts Options) protocol.Factory {
	return func(cfg protocol.ClientConfig) (protocol.Client, error) {
		return New(opts, cfg)
	}
}

type frame struct {
	Op    string          `json:"op,omitempty"`
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type connectPayload struct {
	SessionID        string            `json:"sessionId"`
	Version          protocol.Version  `json:"version"`
	Browser          protocol.Browser  `json:"browser"`
	AuthState        *models.AuthState `json:"authState"`
	KeepAliveMs      int64             `json:"keepAliveIntervalMs"`
	ConnectTimeoutMs int64             `json:"connectTimeoutMs"`
}

type Client struct {
	opts   Options
	cfg    protocol.ClientConfig
	dialer *websocket.Dialer
	logger logging.Logger

	events    chan protocol.Event
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	pending map[string]chan frame

	// queue holds decoded events between the reader and the events channel
	// so a slow consumer never holds back request results.
	qmu        sync.Mutex
	queue      []protocol.Event
	readerDone bool
	qsignal    chan struct{}

	writeMu   sync.Mutex
	seq       atomic.Uint64
	user      atomic.Pointer[models.Contact]
	connected atomic.Bool
}

func New(opts Options, cfg protocol.ClientConfig) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("wsbridge: empty bridge url")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		opts:    opts,
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger.With("module", "wsbridge", "session", cfg.SessionID),
		events:  make(chan protocol.Event, eventBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan frame),
		qsignal: make(chan struct{}, 1),
	}, nil
}

func (c *Client) Events() <-chan protocol.Event { return c.events }

func (c *Client) User() *models.Contact { return c.user.Load() }

func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Connect dials the bridge and hands it the session's auth state. The
// outcome of the login arrives later as a connection.update event.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed() {
		return common.ErrSessionClosed
	}

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	header.Set("X-Session-ID", c.cfg.SessionID)

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: dial bridge: %w", common.ErrTransientConnection, err)
	}
	conn.SetReadLimit(readLimit)

	hello, err := json.Marshal(connectPayload{
		SessionID:        c.cfg.SessionID,
		Version:          c.cfg.Version,
		Browser:          c.cfg.Browser,
		AuthState:        c.cfg.AuthState,
		KeepAliveMs:      c.cfg.KeepAliveInterval.Milliseconds(),
		ConnectTimeoutMs: c.cfg.ConnectTimeout.Milliseconds(),
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("encode connect: %w", err)
	}
	if err := c.write(conn, frame{Op: opConnect, Data: hello}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: send connect: %w", common.ErrTransientConnection, err)
	}

	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		_ = conn.Close()
		return common.ErrSessionClosed
	}
	c.conn = conn
	c.started = true
	c.mu.Unlock()

	stop := make(chan struct{})
	go c.deliverLoop()
	go c.readLoop(conn, stop)
	go c.pingLoop(conn, stop)
	return nil
}

func (c *Client) pongWait() time.Duration {
	if c.cfg.KeepAliveInterval <= 0 {
		return 0
	}
	return 2 * c.cfg.KeepAliveInterval
}

func (c *Client) extendDeadline(conn *websocket.Conn) {
	if wait := c.pongWait(); wait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(wait))
	}
}

func (c *Client) readLoop(conn *websocket.Conn, stop chan struct{}) {
	defer func() {
		close(stop)
		c.connected.Store(false)
		c.failPending()
		c.finishQueue()
	}()

	c.extendDeadline(conn)
	conn.SetPongHandler(func(string) error {
		c.extendDeadline(conn)
		return nil
	})

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if !c.closed() {
				c.logger.Debug(context.Background(), "bridge read failed", "error", err)
				c.emit(protocol.ConnectionUpdate{State: protocol.ConnClose, LastDisconnect: disconnectFromError(err)})
			}
			return
		}
		c.extendDeadline(conn)
		c.dispatch(f)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	if c.cfg.KeepAliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) dispatch(f frame) {
	ctx := context.Background()
	if f.Event == eventResult {
		c.resolve(f)
		return
	}

	var ev protocol.Event
	var err error
	switch f.Event {
	case protocol.EventCredsUpdate:
		var e protocol.CredsUpdate
		err = json.Unmarshal(f.Data, &e)
		ev = e
	case protocol.EventConnectionUpdate:
		var e protocol.ConnectionUpdate
		err = json.Unmarshal(f.Data, &e)
		if err == nil {
			switch e.State {
			case protocol.ConnOpen:
				c.connected.Store(true)
				if e.User != nil {
					c.user.Store(e.User)
				}
			case protocol.ConnClose:
				c.connected.Store(false)
			}
		}
		ev = e
	case protocol.EventMessagesUpsert:
		var e protocol.MessagesUpsert
		err = json.Unmarshal(f.Data, &e)
		ev = e
	case protocol.EventCall:
		var e protocol.CallEvent
		err = json.Unmarshal(f.Data, &e)
		ev = e
	default:
		c.logger.Debug(ctx, "ignoring unknown bridge frame", "event", f.Event, "op", f.Op)
		return
	}
	if err != nil {
		c.logger.Warn(ctx, "malformed bridge event", "event", f.Event, "error", err)
		return
	}
	c.emit(ev)
}

// emit queues ev for delivery. It never blocks the reader.
func (c *Client) emit(ev protocol.Event) {
	c.qmu.Lock()
	c.queue = append(c.queue, ev)
	c.qmu.Unlock()
	c.wake()
}

func (c *Client) finishQueue() {
	c.qmu.Lock()
	c.readerDone = true
	c.qmu.Unlock()
	c.wake()
}

func (c *Client) wake() {
	select {
	case c.qsignal <- struct{}{}:
	default:
	}
}

// deliverLoop moves queued events to the events channel in order and closes
// it once the reader has stopped and the queue is drained, or on Close.
func (c *Client) deliverLoop() {
	defer close(c.events)
	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			finished := c.readerDone
			c.qmu.Unlock()
			if finished {
				return
			}
			select {
			case <-c.qsignal:
				continue
			case <-c.done:
				return
			}
		}
		ev := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.qmu.Unlock()

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Client) resolve(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) write(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func (c *Client) request(ctx context.Context, op string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}

	id := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.closed() {
		c.mu.Unlock()
		return common.ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(conn, frame{Op: op, ID: id, Data: data}); err != nil {
		return fmt.Errorf("%w: %s: %w", common.ErrTransientConnection, op, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return common.ErrNotConnected
		}
		if f.Error != "" {
			return fmt.Errorf("bridge %s: %s", op, f.Error)
		}
		if out != nil && len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, out); err != nil {
				return fmt.Errorf("decode %s result: %w", op, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return common.ErrSessionClosed
	}
}

func (c *Client) SendMessage(ctx context.Context, jid string, content protocol.Content) (string, error) {
	var res struct {
		ID string `json:"id"`
	}
	err := c.request(ctx, opSend, map[string]any{"jid": jid, "content": content}, &res)
	return res.ID, err
}

func (c *Client) ReadMessages(ctx context.Context, keys []protocol.MessageKey) error {
	if len(keys) == 0 {
		return nil
	}
	return c.request(ctx, opRead, map[string]any{"keys": keys}, nil)
}

func (c *Client) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	var res struct {
		Code string `json:"code"`
	}
	if err := c.request(ctx, opPairingCode, map[string]any{"phoneNumber": phone}, &res); err != nil {
		return "", err
	}
	return res.Code, nil
}

// Logout unlinks the device from the account, then closes the client.
func (c *Client) Logout(ctx context.Context) error {
	err := c.request(ctx, opLogout, map[string]any{}, nil)
	return errors.Join(err, c.Close())
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.connected.Store(false)

		c.mu.Lock()
		conn, started := c.conn, c.started
		c.mu.Unlock()

		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			err = conn.Close()
		}
		if !started {
			close(c.events)
		}
	})
	return err
}

// disconnectFromError maps a read failure to a protocol status.
func disconnectFromError(err error) *protocol.DisconnectError {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code > closeStatusBase && ce.Code < closeStatusBase+1000 {
			return &protocol.DisconnectError{StatusCode: ce.Code - closeStatusBase, Message: ce.Text}
		}
		return &protocol.DisconnectError{StatusCode: reconnect.StatusConnectionClosed, Message: ce.Error()}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &protocol.DisconnectError{StatusCode: reconnect.StatusConnectionLost, Message: "keep-alive timeout"}
	}
	return &protocol.DisconnectError{StatusCode: reconnect.StatusConnectionLost, Message: err.Error()}
}
