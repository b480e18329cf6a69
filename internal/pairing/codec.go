// Package pairing converts an auth state to and from a portable pairing
// token so a session can be handed to another process.
//
// A token is "Gophbot~" followed by base64(gzip(json(state))). Decoding is
// strict: anything that does not yield a usable identity is rejected with a
// *CodecError, never patched up.
package pairing

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/server/models"
	"github.com/klauspost/compress/gzip"
)

// MaxPayloadSize bounds the decompressed JSON accepted by Decode.
const MaxPayloadSize = 8 << 20

var marker = common.TokenPrefix + common.TokenSeparator

// requiredFields must be present (and non-null) in the credentials object.
var requiredFields = []string{"noiseKey", "signedIdentityKey", "signedPreKey", "registrationId"}

// CodecError describes why a token was rejected. It matches common.ErrCodec
// with errors.Is.
type CodecError struct {
	Reason string
	Err    error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pairing token: %s: %v", e.Reason, e.Err)
	}
	return "pairing token: " + e.Reason
}

func (e *CodecError) Unwrap() []error {
	if e.Err != nil {
		return []error{common.ErrCodec, e.Err}
	}
	return []error{common.ErrCodec}
}

func codecErr(reason string, err error) error {
	return &CodecError{Reason: reason, Err: err}
}

type payload struct {
	Creds models.Credentials `json:"creds"`
	Keys  models.KeyStore    `json:"keys"`
}

// Encode returns the pairing token for state. The output is deterministic
// for a given state.
func Encode(state *models.AuthState) (string, error) {
	if state == nil {
		return "", codecErr("nil state", nil)
	}

	keys := state.Keys
	if keys == nil {
		// encode as {} so Decode hands back the same empty store
		keys = models.KeyStore{}
	}
	raw, err := json.Marshal(payload{Creds: state.Creds, Keys: keys})
	if err != nil {
		return "", codecErr("marshal", err)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", codecErr("compress", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return "", codecErr("compress", err)
	}
	if err := zw.Close(); err != nil {
		return "", codecErr("compress", err)
	}

	return marker + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode parses a pairing token. Tokens carrying only the credentials object
// (no "creds" wrapper, no keys) are accepted and yield an empty key store.
func Decode(token string) (*models.AuthState, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(token), marker)
	if !ok {
		return nil, codecErr("missing "+marker+" prefix", nil)
	}
	if body == "" {
		return nil, codecErr("empty payload", nil)
	}

	compressed, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, codecErr("invalid base64", err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, codecErr("invalid gzip", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, MaxPayloadSize+1))
	if err != nil {
		return nil, codecErr("invalid gzip", err)
	}
	if len(raw) > MaxPayloadSize {
		return nil, codecErr("payload too large", nil)
	}

	return parsePayload(raw)
}

func parsePayload(raw []byte) (*models.AuthState, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, codecErr("invalid json", err)
	}

	credsRaw := raw
	fields := top
	if nested, ok := top["creds"]; ok && !isNull(nested) {
		if err := json.Unmarshal(nested, &fields); err != nil {
			return nil, codecErr("invalid creds object", err)
		}
		credsRaw = nested
	}

	for _, name := range requiredFields {
		v, ok := fields[name]
		if !ok || isNull(v) {
			return nil, codecErr("missing required field "+name, nil)
		}
	}

	state := models.NewAuthState()
	if err := json.Unmarshal(credsRaw, &state.Creds); err != nil {
		return nil, codecErr("invalid creds object", err)
	}

	if keysRaw, ok := top["keys"]; ok && !isNull(keysRaw) {
		if err := json.Unmarshal(keysRaw, &state.Keys); err != nil {
			return nil, codecErr("invalid keys object", err)
		}
	}

	return state, nil
}

func isNull(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

// IsCodecError reports whether err came from the codec.
func IsCodecError(err error) bool {
	var ce *CodecError
	return errors.As(err, &ce)
}
