// Package protocol is the boundary to the messaging network. The session
// manager only talks to a Client; the wire protocol lives behind it.
package protocol

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/server/models"
)

// Client is one authenticated connection to the messaging network.
//
// Events delivers lifecycle and message events in emission order. The
// channel is closed once the client is closed, whether or not Connect ever
// succeeded.
type Client interface {
	Connect(ctx context.Context) error
	Events() <-chan Event
	SendMessage(ctx context.Context, jid string, content Content) (string, error)
	ReadMessages(ctx context.Context, keys []MessageKey) error
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	// User is the logged-in account, nil until the connection opened.
	User() *models.Contact
	Connected() bool
	Logout(ctx context.Context) error
	Close() error
}

// Factory builds an unconnected client.
type Factory func(cfg ClientConfig) (Client, error)

// Version is the protocol version advertised to the network.
type Version [3]int

// DefaultVersion is used when the configuration does not pin one.
var DefaultVersion = Version{2, 3000, 1023223821}

// Browser is the device description shown in the account's linked devices.
type Browser struct {
	Platform string `json:"platform"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

// MacOSBrowser mimics the desktop client on macOS.
func MacOSBrowser(name string) Browser {
	return Browser{Platform: "Mac OS", Name: name, Version: "14.4.1"}
}

type ClientConfig struct {
	SessionID         string
	Version           Version
	AuthState         *models.AuthState
	Browser           Browser
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
}
