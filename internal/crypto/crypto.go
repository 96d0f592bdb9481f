// Package crypto implements the key-derivation and room-cipher
// primitives shared by the server and the stdio sidecar.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// RoomKeySize is the AES-256 key length handed to room participants.
const RoomKeySize = 32

// gcmNonceSize is the nonce prefix length in the encrypted wire form.
const gcmNonceSize = 12

var (
	// ErrInvalidKey is returned for keys that are not base64 of 32 bytes.
	ErrInvalidKey = errors.New("invalid key format")
	// ErrDecrypt is returned for undecodable, truncated, or tampered ciphertext.
	ErrDecrypt = errors.New("decryption failed")
)

// JoinKey derives the opaque room admission handle from the room id and
// optional password: base64(SHA-256(room_id || ":" || password)), the
// ":" and password present only when a password exists. The derivation
// is stable across processes; callers must not change it.
func JoinKey(roomID string, password *string) string {
	h := sha256.New()
	h.Write([]byte(roomID))
	if password != nil {
		h.Write([]byte{':'})
		h.Write([]byte(*password))
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// HashPassword returns the lowercase hex SHA-256 of the UTF-8 password.
//
// This is unsalted and fast, which makes it unsuitable as a password
// hash in the usual sense. It is kept bit-compatible with the existing
// sidecar contract; do not use it for new authentication paths.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// VerifyPassword compares two optional passwords in constant time.
// Both absent matches; one absent never matches.
func VerifyPassword(stored, supplied *string) bool {
	if stored == nil && supplied == nil {
		return true
	}
	if stored == nil || supplied == nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(*stored), []byte(*supplied)) == 1
}

// GenerateRoomKey returns base64 of 32 cryptographically random bytes.
func GenerateRoomKey() (string, error) {
	key := make([]byte, RoomKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate room key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// RoomCipher is an AES-256-GCM cipher bound to one room key.
type RoomCipher struct {
	aead cipher.AEAD
}

// NewRoomCipher generates a fresh random key and returns the cipher
// together with the base64 key that is handed to admitted participants.
func NewRoomCipher() (*RoomCipher, string, error) {
	keyB64, err := GenerateRoomKey()
	if err != nil {
		return nil, "", err
	}
	rc, err := RoomCipherFromKey(keyB64)
	if err != nil {
		return nil, "", err
	}
	return rc, keyB64, nil
}

// RoomCipherFromKey builds a cipher from a base64 32-byte key.
func RoomCipherFromKey(keyB64 string) (*RoomCipher, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, ErrInvalidKey
	}
	if len(key) != RoomKeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrInvalidKey
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return &RoomCipher{aead: aead}, nil
}

// Encrypt seals message with a random 12-byte nonce and returns
// base64(nonce || ciphertext || tag). Nonces are never reused within a
// key; each call draws a fresh one.
func (c *RoomCipher) Encrypt(message string) (string, error) {
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(message), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Inputs shorter than the nonce or failing
// tag verification return ErrDecrypt.
func (c *RoomCipher) Decrypt(encryptedB64 string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encryptedB64)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(sealed) < gcmNonceSize {
		return "", ErrDecrypt
	}
	nonce, ciphertext := sealed[:gcmNonceSize], sealed[gcmNonceSize:]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
