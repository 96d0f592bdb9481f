package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestJoinKeyDeterministic(t *testing.T) {
	a := JoinKey("room-1", strPtr("hunter2"))
	b := JoinKey("room-1", strPtr("hunter2"))
	if a != b {
		t.Fatalf("join key not deterministic: %q vs %q", a, b)
	}
	if a == JoinKey("room-1", strPtr("hunter3")) {
		t.Fatal("different passwords produced the same join key")
	}
	if JoinKey("room-1", nil) == JoinKey("room-2", nil) {
		t.Fatal("different room ids produced the same join key")
	}
}

func TestJoinKeySeparatorContract(t *testing.T) {
	// The wire contract is base64(SHA-256(room_id || ":" || password)),
	// with the separator present iff a password exists.
	sum := sha256.Sum256([]byte("abc:pw"))
	want := base64.StdEncoding.EncodeToString(sum[:])
	if got := JoinKey("abc", strPtr("pw")); got != want {
		t.Fatalf("join key with password = %q, want %q", got, want)
	}

	sum = sha256.Sum256([]byte("abc"))
	want = base64.StdEncoding.EncodeToString(sum[:])
	if got := JoinKey("abc", nil); got != want {
		t.Fatalf("join key without password = %q, want %q", got, want)
	}

	// No password is not the same as an empty password.
	if JoinKey("abc", nil) == JoinKey("abc", strPtr("")) {
		t.Fatal("nil and empty password derived the same join key")
	}
}

func TestHashPasswordKnownVector(t *testing.T) {
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := HashPassword("abc"); got != want {
		t.Fatalf("HashPassword(abc) = %q, want %q", got, want)
	}
}

func TestVerifyPassword(t *testing.T) {
	cases := []struct {
		name     string
		stored   *string
		supplied *string
		want     bool
	}{
		{"both absent", nil, nil, true},
		{"match", strPtr("s"), strPtr("s"), true},
		{"mismatch", strPtr("s"), strPtr("x"), false},
		{"stored only", strPtr("s"), nil, false},
		{"supplied only", nil, strPtr("s"), false},
	}
	for _, tc := range cases {
		if got := VerifyPassword(tc.stored, tc.supplied); got != tc.want {
			t.Errorf("%s: VerifyPassword = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestGenerateRoomKeyLength(t *testing.T) {
	keyB64, err := GenerateRoomKey()
	if err != nil {
		t.Fatalf("generate room key: %v", err)
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		t.Fatalf("room key is not base64: %v", err)
	}
	if len(key) != RoomKeySize {
		t.Fatalf("room key is %d bytes, want %d", len(key), RoomKeySize)
	}
}

func TestRoomCipherRoundTrip(t *testing.T) {
	rc, keyB64, err := NewRoomCipher()
	if err != nil {
		t.Fatalf("new room cipher: %v", err)
	}

	for _, msg := range []string{"", "x", "hello room", strings.Repeat("payload ", 1024)} {
		sealed, err := rc.Encrypt(msg)
		if err != nil {
			t.Fatalf("encrypt %d bytes: %v", len(msg), err)
		}
		got, err := rc.Decrypt(sealed)
		if err != nil {
			t.Fatalf("decrypt %d bytes: %v", len(msg), err)
		}
		if got != msg {
			t.Fatalf("round trip mismatch: got %q, want %q", got, msg)
		}
	}

	// The same key must reconstruct a working cipher.
	rc2, err := RoomCipherFromKey(keyB64)
	if err != nil {
		t.Fatalf("cipher from key: %v", err)
	}
	sealed, err := rc.Encrypt("cross-instance")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := rc2.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt with rebuilt cipher: %v", err)
	}
	if got != "cross-instance" {
		t.Fatalf("got %q", got)
	}
}

func TestRoomCipherNoncesAreFresh(t *testing.T) {
	rc, _, err := NewRoomCipher()
	if err != nil {
		t.Fatalf("new room cipher: %v", err)
	}
	a, err := rc.Encrypt("same message")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := rc.Encrypt("same message")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Fatal("two encryptions of the same message were identical (nonce reuse)")
	}
}

func TestRoomCipherRejectsBadInput(t *testing.T) {
	rc, _, err := NewRoomCipher()
	if err != nil {
		t.Fatalf("new room cipher: %v", err)
	}

	if _, err := rc.Decrypt("not base64!!"); err != ErrDecrypt {
		t.Fatalf("undecodable input: err = %v, want ErrDecrypt", err)
	}
	short := base64.StdEncoding.EncodeToString([]byte("tooshort"))
	if _, err := rc.Decrypt(short); err != ErrDecrypt {
		t.Fatalf("short input: err = %v, want ErrDecrypt", err)
	}

	sealed, err := rc.Encrypt("tamper target")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw[len(raw)-1] ^= 0x01
	if _, err := rc.Decrypt(base64.StdEncoding.EncodeToString(raw)); err != ErrDecrypt {
		t.Fatalf("tampered input: err = %v, want ErrDecrypt", err)
	}
}

func TestRoomCipherFromKeyRejectsBadKeys(t *testing.T) {
	if _, err := RoomCipherFromKey("!!!"); err != ErrInvalidKey {
		t.Fatalf("bad base64: err = %v, want ErrInvalidKey", err)
	}
	shortKey := base64.StdEncoding.EncodeToString(make([]byte, 16))
	if _, err := RoomCipherFromKey(shortKey); err != ErrInvalidKey {
		t.Fatalf("16-byte key: err = %v, want ErrInvalidKey", err)
	}
}
