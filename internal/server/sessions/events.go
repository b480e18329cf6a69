package sessions

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gophbot/internal/server/commands"
	"github.com/dmitrijs2005/gophbot/internal/server/models"
	"github.com/dmitrijs2005/gophbot/internal/server/protocol"
	"github.com/dmitrijs2005/gophbot/internal/server/reconnect"
	"github.com/dmitrijs2005/gophbot/internal/server/retention"
)

// runEvents drains one client's events in order until the client closes its
// channel. Events from a client the session has replaced are dropped.
func (m *Manager) runEvents(s *Session, client protocol.Client) {
	defer m.wg.Done()
	for ev := range client.Events() {
		if !s.owns(client) {
			continue
		}
		switch e := ev.(type) {
		case protocol.CredsUpdate:
			m.handleCreds(s, e)
		case protocol.ConnectionUpdate:
			m.handleConnection(s, client, e)
		case protocol.MessagesUpsert:
			m.handleMessages(s, client, e)
		case protocol.CallEvent:
			m.handleCall(s, client, e)
		default:
			s.logger.Debug(m.ctx, "unhandled event", "event", ev.EventName())
		}
	}
}

func (m *Manager) handleCreds(s *Session, e protocol.CredsUpdate) {
	s.mu.Lock()
	s.auth.Creds = e.Creds
	if s.auth.Keys == nil {
		s.auth.Keys = models.KeyStore{}
	}
	s.auth.Keys.Apply(e.Keys)
	snapshot := s.auth.Clone()
	phone := s.phone
	s.mu.Unlock()

	err := m.cfg.Store.Save(m.ctx, s.id, phone, snapshot)

	s.mu.Lock()
	s.degraded = err != nil
	if err == nil {
		s.backend = m.cfg.Store.Backend(s.id)
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn(m.ctx, "credentials not persisted, session continues in memory", "error", err)
	}
}

func (m *Manager) handleConnection(s *Session, client protocol.Client, e protocol.ConnectionUpdate) {
	if e.QR != "" {
		s.mu.Lock()
		s.setQR(e.QR)
		s.mu.Unlock()
		s.logger.Info(m.ctx, "pairing QR available")
	}

	switch e.State {
	case protocol.ConnOpen:
		m.handleOpen(s, client, e)
	case protocol.ConnClose:
		cause := reconnect.CauseUnknown
		if e.LastDisconnect != nil {
			cause = reconnect.CauseFromStatus(e.LastDisconnect.StatusCode)
		}
		m.handleClose(s, client, cause)
	}
}

func (m *Manager) handleOpen(s *Session, client protocol.Client, e protocol.ConnectionUpdate) {
	user := client.User()
	if user == nil {
		user = e.User
	}

	s.mu.Lock()
	if s.client != client {
		s.mu.Unlock()
		return
	}
	s.attempts = 0
	s.qr = ""
	s.lastActive = m.cfg.Clock.Now()
	if user != nil {
		s.user = user
		if s.phone == "" {
			s.phone = phoneFromJID(user.ID)
		}
	}
	first := !s.opened
	s.opened = true
	changed := s.setState(reconnect.StateOpen)
	phone := s.phone
	snapshot := s.auth.Clone()
	s.mu.Unlock()

	s.logger.Info(m.ctx, "connection open", "phone", phone, "first", first)
	if changed {
		m.notifyState(s.id, reconnect.StateOpen)
	}
	if !first {
		return
	}

	promoted, err := m.cfg.Store.Promote(m.ctx, s.id, phone, snapshot)
	if err != nil {
		s.logger.Warn(m.ctx, "promotion to database failed", "error", err)
	}
	if promoted {
		s.mu.Lock()
		s.backend = models.BackendDatabase
		s.mu.Unlock()
	}
	if len(m.cfg.OnOpen) == 0 {
		return
	}
	m.background(func() {
		for _, hook := range m.cfg.OnOpen {
			if err := hook(m.ctx, s); err != nil {
				s.logger.Warn(m.ctx, "post-connect hook failed", "error", err)
			}
		}
	})
}

// background runs fn outside the event loop. Anything that waits on a reply
// from the client must go through here, since replies arrive on the same
// connection the loop is draining.
func (m *Manager) background(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Manager) handleMessages(s *Session, client protocol.Client, e protocol.MessagesUpsert) {
	if e.Type != protocol.UpsertNotify {
		return
	}
	for _, msg := range e.Messages {
		if msg.Key.ChatID == protocol.StatusBroadcastJID {
			continue
		}
		m.touch(s)

		if msg.Revoked != nil {
			m.handleRevoke(s, client, *msg.Revoked)
			continue
		}

		s.cache.Insert(msg.Key.ChatID, retention.Entry[protocol.Message]{
			MessageID:  msg.Key.ID,
			SenderID:   msg.SenderID(),
			SenderName: msg.PushName,
			Payload:    msg,
		})

		if m.cfg.AutoRead && !msg.Key.FromMe {
			key := msg.Key
			m.background(func() {
				ctx, cancel := context.WithTimeout(m.ctx, sendTimeout)
				defer cancel()
				if err := client.ReadMessages(ctx, []protocol.MessageKey{key}); err != nil {
					s.logger.Debug(ctx, "read receipt failed", "error", err)
				}
			})
		}

		m.dispatch(s, client, msg)
	}
}

// touch records activity and refreshes the stored record at most once per
// touchInterval.
func (m *Manager) touch(s *Session) {
	now := m.cfg.Clock.Now()
	s.mu.Lock()
	s.lastActive = now
	due := now.Sub(s.lastTouch) >= touchInterval
	if due {
		s.lastTouch = now
	}
	s.mu.Unlock()

	if due {
		if err := m.cfg.Store.Touch(m.ctx, s.id); err != nil {
			s.logger.Warn(m.ctx, "activity update failed", "error", err)
		}
	}
}

func (m *Manager) handleRevoke(s *Session, client protocol.Client, key protocol.MessageKey) {
	entry, ok := s.cache.Lookup(key.ChatID, key.ID)
	if !ok {
		return
	}
	s.cache.Remove(key.ChatID, key.ID)
	if !m.cfg.AntiDelete {
		return
	}

	target := m.reportJID(s)
	if target == "" {
		return
	}
	body := entry.Payload.Content.Body()
	if body == "" && entry.Payload.Content.MediaType != "" {
		body = "[" + entry.Payload.Content.MediaType + "]"
	}
	sender := entry.SenderName
	if sender == "" {
		sender = entry.SenderID
	}
	text := fmt.Sprintf("*Deleted message*\nFrom: %s\nChat: %s\nSent: %s\n\n%s",
		sender, entry.ChatID, entry.InsertedAt.Format("2006-01-02 15:04:05"), body)

	m.background(func() {
		ctx, cancel := context.WithTimeout(m.ctx, sendTimeout)
		defer cancel()
		if _, err := client.SendMessage(ctx, target, protocol.Content{Text: text}); err != nil {
			s.logger.Warn(ctx, "deleted message report failed", "error", err)
		}
	})
}

// reportJID is the owner's chat, or the bot's own chat without an owner.
func (m *Manager) reportJID(s *Session) string {
	if m.cfg.OwnerNumber != "" {
		return protocol.UserJID(m.cfg.OwnerNumber)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return ""
	}
	return protocol.BareJID(s.user.ID)
}

func (m *Manager) dispatch(s *Session, client protocol.Client, msg protocol.Message) {
	if m.cfg.Commands == nil || msg.Content.Body() == "" {
		return
	}
	chat := msg.Key.ChatID
	key := msg.Key
	req := &commands.Request{
		SessionID: s.id,
		ChatID:    chat,
		SenderID:  msg.SenderID(),
		IsGroup:   protocol.IsGroupJID(chat),
		FromMe:    msg.Key.FromMe,
		Text:      msg.Content.Body(),
		Timestamp: msg.Timestamp,
		Reply: func(ctx context.Context, text string) error {
			_, err := client.SendMessage(ctx, chat, protocol.Content{Text: text, Quoted: &key})
			return err
		},
		React: func(ctx context.Context, emoji string) error {
			_, err := client.SendMessage(ctx, chat, protocol.Content{React: &protocol.Reaction{Key: key, Text: emoji}})
			return err
		},
	}

	m.background(func() {
		ctx, cancel := context.WithTimeout(m.ctx, sendTimeout)
		defer cancel()
		handled, err := m.cfg.Commands.Dispatch(ctx, req)
		if err != nil {
			s.logger.Warn(ctx, "command failed", "command", req.Command, "error", err)
			return
		}
		if handled {
			s.logger.Debug(ctx, "command handled", "command", req.Command, "chat", chat)
		}
	})
}

func (m *Manager) handleCall(s *Session, client protocol.Client, e protocol.CallEvent) {
	s.logger.Info(m.ctx, "incoming call", "from", e.From, "status", e.Status, "video", e.IsVideo)
	if !m.cfg.AntiCall || e.Status != "offer" {
		return
	}
	from := e.From
	m.background(func() {
		ctx, cancel := context.WithTimeout(m.ctx, sendTimeout)
		defer cancel()
		text := "Calls are not answered by this bot. Please send a message instead."
		if _, err := client.SendMessage(ctx, from, protocol.Content{Text: text}); err != nil {
			s.logger.Warn(ctx, "call notice failed", "error", err)
		}
	})
}
