// Package common defines sentinel errors and constants shared by the session
// layers of gophbot. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Connection errors. A transient failure is retried by the reconnection
	// policy, a terminal one invalidates the stored credentials.
	ErrTransientConnection = errors.New("transient connection error")
	ErrTerminalAuth        = errors.New("terminal authentication error")
	ErrMaxRetriesExceeded  = errors.New("max reconnection attempts exceeded")

	// Storage errors.
	ErrPersistence = errors.New("persistence error")

	// Pairing token errors.
	ErrCodec = errors.New("codec error")

	// Validation errors.
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrInvalidPhone     = errors.New("invalid phone number")

	// Auth errors (invalid or malformed admin token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// Lifecycle errors.
	ErrManagerClosed = errors.New("session manager closed")
	ErrSessionClosed = errors.New("session closed")
	ErrNotConnected  = errors.New("not connected")

	// Pairing errors.
	ErrQRTimeout = errors.New("no pairing QR before timeout")
)
