package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/server/models"
)

// Event is one of CredsUpdate, ConnectionUpdate, MessagesUpsert or
// CallEvent.
type Event interface {
	EventName() string
}

// Event names as used on the bridge wire.
const (
	EventCredsUpdate      = "creds.update"
	EventConnectionUpdate = "connection.update"
	EventMessagesUpsert   = "messages.upsert"
	EventCall             = "call"
)

// CredsUpdate carries the full credentials plus a key store delta. Nil
// values in Keys delete the matching entry.
type CredsUpdate struct {
	Creds models.Credentials `json:"creds"`
	Keys  models.KeyStore    `json:"keys,omitempty"`
}

func (CredsUpdate) EventName() string { return EventCredsUpdate }

type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClose      ConnState = "close"
)

// DisconnectError is the reason attached to a close.
type DisconnectError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message,omitempty"`
}

func (e *DisconnectError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("disconnected (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("disconnected (status %d): %s", e.StatusCode, e.Message)
}

type ConnectionUpdate struct {
	State          ConnState        `json:"connection,omitempty"`
	LastDisconnect *DisconnectError `json:"lastDisconnect,omitempty"`
	// QR is a pairing payload to render for the user, if any.
	QR         string          `json:"qr,omitempty"`
	IsNewLogin bool            `json:"isNewLogin,omitempty"`
	User       *models.Contact `json:"user,omitempty"`
}

func (ConnectionUpdate) EventName() string { return EventConnectionUpdate }

type UpsertType string

const (
	UpsertNotify UpsertType = "notify"
	UpsertAppend UpsertType = "append"
)

type MessagesUpsert struct {
	Type     UpsertType `json:"type"`
	Messages []Message  `json:"messages"`
}

func (MessagesUpsert) EventName() string { return EventMessagesUpsert }

type CallEvent struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Status  string `json:"status"`
	IsVideo bool   `json:"isVideo,omitempty"`
}

func (CallEvent) EventName() string { return EventCall }

// MessageKey addresses a message within a chat.
type MessageKey struct {
	ChatID      string `json:"remoteJid"`
	ID          string `json:"id"`
	FromMe      bool   `json:"fromMe"`
	Participant string `json:"participant,omitempty"`
}

type Reaction struct {
	Key  MessageKey `json:"key"`
	Text string     `json:"text"`
}

// Content is the part of a message the bot reads or sends.
type Content struct {
	Text      string      `json:"text,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	MediaType string      `json:"mediaType,omitempty"`
	Mentions  []string    `json:"mentions,omitempty"`
	Quoted    *MessageKey `json:"quoted,omitempty"`
	React     *Reaction   `json:"react,omitempty"`
}

// Body returns the text or, for media, the caption.
func (c Content) Body() string {
	if c.Text != "" {
		return c.Text
	}
	return c.Caption
}

type Message struct {
	Key       MessageKey `json:"key"`
	PushName  string     `json:"pushName,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Content   Content    `json:"message"`
	// Revoked is set when this message is a deletion notice for another one.
	Revoked *MessageKey `json:"revoked,omitempty"`
}

// SenderID is the participant in groups and the chat itself otherwise.
func (m Message) SenderID() string {
	if m.Key.Participant != "" {
		return m.Key.Participant
	}
	return m.Key.ChatID
}

const StatusBroadcastJID = "status@broadcast"

func IsGroupJID(jid string) bool { return strings.HasSuffix(jid, "@g.us") }

// UserJID turns a phone number into an individual chat address.
func UserJID(phone string) string { return phone + "@s.whatsapp.net" }

// BareJID strips the device suffix: "123:4@s.whatsapp.net" -> "123@s.whatsapp.net".
func BareJID(jid string) string {
	user, server, ok := strings.Cut(jid, "@")
	if !ok {
		return jid
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user + "@" + server
}
