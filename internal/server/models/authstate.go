// Package models defines the session data shared by the persistence,
// codec and connection layers.
package models

// KeyPair is a curve key pair as produced by the protocol client.
type KeyPair struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// SignedKeyPair is a key pair plus the identity signature over its public half.
type SignedKeyPair struct {
	KeyPair   KeyPair `json:"keyPair"`
	Signature []byte  `json:"signature"`
	KeyID     int     `json:"keyId"`
}

// Contact identifies an account on the messaging network.
type Contact struct {
	ID   string `json:"id"`
	LID  string `json:"lid,omitempty"`
	Name string `json:"name,omitempty"`
}

// Credentials is the long-lived identity of a paired device.
type Credentials struct {
	NoiseKey                KeyPair       `json:"noiseKey"`
	PairingEphemeralKeyPair KeyPair       `json:"pairingEphemeralKeyPair"`
	SignedIdentityKey       KeyPair       `json:"signedIdentityKey"`
	SignedPreKey            SignedKeyPair `json:"signedPreKey"`
	RegistrationID          int           `json:"registrationId"`
	AdvSecretKey            string        `json:"advSecretKey"`
	NextPreKeyID            int           `json:"nextPreKeyId"`
	FirstUnuploadedPreKeyID int           `json:"firstUnuploadedPreKeyId"`
	Me                      *Contact      `json:"me,omitempty"`
	Platform                string        `json:"platform,omitempty"`
	PairingCode             string        `json:"pairingCode,omitempty"`
	Registered              bool          `json:"registered"`
}

// Key store categories written by the protocol client.
const (
	KeyCategoryPreKey          = "pre-key"
	KeyCategorySession         = "session"
	KeyCategorySenderKey       = "sender-key"
	KeyCategoryAppStateSync    = "app-state-sync-key"
	KeyCategoryAppStateVer     = "app-state-sync-version"
	KeyCategorySenderKeyMemory = "sender-key-memory"
)

// KeyStore holds opaque key material by category and id.
type KeyStore map[string]map[string][]byte

// Get returns the value stored under category/id.
func (k KeyStore) Get(category, id string) ([]byte, bool) {
	v, ok := k[category][id]
	return v, ok
}

// Set stores value under category/id. A nil value deletes the entry.
func (k KeyStore) Set(category, id string, value []byte) {
	if value == nil {
		k.Delete(category, id)
		return
	}
	bucket, ok := k[category]
	if !ok {
		bucket = make(map[string][]byte)
		k[category] = bucket
	}
	bucket[id] = value
}

func (k KeyStore) Delete(category, id string) {
	bucket, ok := k[category]
	if !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(k, category)
	}
}

// Apply merges a delta emitted with a credentials update. Nil values remove
// the corresponding entries.
func (k KeyStore) Apply(delta KeyStore) {
	for category, bucket := range delta {
		for id, value := range bucket {
			k.Set(category, id, value)
		}
	}
}

// Len counts entries across all categories.
func (k KeyStore) Len() int {
	n := 0
	for _, bucket := range k {
		n += len(bucket)
	}
	return n
}

func (k KeyStore) Clone() KeyStore {
	out := make(KeyStore, len(k))
	for category, bucket := range k {
		b := make(map[string][]byte, len(bucket))
		for id, value := range bucket {
			b[id] = cloneBytes(value)
		}
		out[category] = b
	}
	return out
}

// AuthState is everything the protocol client needs to resume a session
// without pairing again.
type AuthState struct {
	Creds Credentials `json:"creds"`
	Keys  KeyStore    `json:"keys"`
}

// NewAuthState returns an empty state for a session that has never paired.
func NewAuthState() *AuthState {
	return &AuthState{Keys: KeyStore{}}
}

// Registered reports whether the device finished pairing.
func (a *AuthState) Registered() bool {
	return a != nil && a.Creds.Registered
}

// Clone returns a deep copy so snapshots can be persisted while the live
// state keeps changing.
func (a *AuthState) Clone() *AuthState {
	if a == nil {
		return nil
	}
	out := &AuthState{Creds: a.Creds, Keys: a.Keys.Clone()}
	c := &out.Creds
	c.NoiseKey = cloneKeyPair(a.Creds.NoiseKey)
	c.PairingEphemeralKeyPair = cloneKeyPair(a.Creds.PairingEphemeralKeyPair)
	c.SignedIdentityKey = cloneKeyPair(a.Creds.SignedIdentityKey)
	c.SignedPreKey.KeyPair = cloneKeyPair(a.Creds.SignedPreKey.KeyPair)
	c.SignedPreKey.Signature = cloneBytes(a.Creds.SignedPreKey.Signature)
	if a.Creds.Me != nil {
		me := *a.Creds.Me
		c.Me = &me
	}
	return out
}

func cloneKeyPair(k KeyPair) KeyPair {
	return KeyPair{Private: cloneBytes(k.Private), Public: cloneBytes(k.Public)}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
