package models

import "time"

// Backend names where a session's auth state lives.
type Backend string

const (
	BackendNone     Backend = ""
	BackendDatabase Backend = "database"
	BackendFile     Backend = "file"
)

// SessionRecord is the persisted form of a session.
type SessionRecord struct {
	SessionID    string
	PhoneNumber  string
	State        *AuthState
	CreatedAt    time.Time
	LastActiveAt time.Time
	IsActive     bool
}
