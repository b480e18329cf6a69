package common

// TokenPrefix marks a portable pairing token. Tokens have the form
// TokenPrefix + TokenSeparator + payload.
const (
	TokenPrefix    = "Gophbot"
	TokenSeparator = "~"
)

// SessionServicePrefix names per-session entries in the gRPC health service.
const SessionServicePrefix = "gophbot.session."
