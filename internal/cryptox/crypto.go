package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	sealVersion = 1
	saltSize    = 16
	nonceSize   = 12
	keySize     = 32
	headerSize  = 1 + saltSize + nonceSize
)

// ErrOpen means the sealed data is corrupt or the passphrase is wrong.
var ErrOpen = errors.New("cannot open sealed data")

// DeriveKey stretches a passphrase into an AES-256 key with argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, keySize)
}

// Seal encrypts plaintext under a key derived from passphrase. The output
// is self-contained:
//
//	version (1) || salt (16) || nonce (12) || AES-GCM ciphertext
func Seal(plaintext, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}

	out := make([]byte, headerSize, headerSize+len(plaintext)+16)
	out[0] = sealVersion
	if _, err := rand.Read(out[1:headerSize]); err != nil {
		return nil, err
	}
	salt := out[1 : 1+saltSize]
	nonce := out[1+saltSize : headerSize]

	aesgcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	// the header is authenticated as additional data
	header := append([]byte(nil), out[:headerSize]...)
	return aesgcm.Seal(out, nonce, plaintext, header), nil
}

// Open reverses Seal.
func Open(sealed, passphrase []byte) ([]byte, error) {
	if len(sealed) < headerSize {
		return nil, fmt.Errorf("%w: too short", ErrOpen)
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrOpen, sealed[0])
	}
	salt := sealed[1 : 1+saltSize]
	nonce := sealed[1+saltSize : headerSize]

	aesgcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	plaintext, err := aesgcm.Open(nil, nonce, sealed[headerSize:], sealed[:headerSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
