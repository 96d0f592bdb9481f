// Package sidecar implements the crypto companion's line protocol:
// one JSON request per stdin line, one JSON response per stdout line,
// flushed per line, FIFO. Diagnostics go to stderr only; a byte of
// stray stdout would corrupt the framing for the parent process.
//
// Note hash_password is unsalted SHA-256 by contract. That is weak as
// a password hash; the contract is reproduced, not endorsed.
package sidecar

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"sealroom/server/internal/crypto"
)

const rsaBits = 2048

// Request is one line of the sidecar protocol.
type Request struct {
	Type     string `json:"type"`
	Value    string `json:"value,omitempty"`
	AESKey   string `json:"aes_key,omitempty"`
	AESIV    string `json:"aes_iv,omitempty"`
	Password string `json:"password,omitempty"`
}

// Response is one reply line. Exactly one field set besides Type.
type Response struct {
	Type      string `json:"type"`
	Encrypted string `json:"encrypted,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	UUID      string `json:"uuid,omitempty"`
	Hash      string `json:"hash,omitempty"`
	Key       string `json:"key,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Service holds the per-process RSA keypair. The private key never
// leaves the process.
type Service struct {
	privateKey *rsa.PrivateKey
}

// NewService generates the RSA-2048 keypair used to wrap AES keys.
func NewService() (*Service, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA keypair: %w", err)
	}
	return &Service{privateKey: key}, nil
}

// Run processes requests from r until EOF, writing responses to w.
// Malformed requests produce an error record and processing continues;
// request lines carry no length cap. Read or write failures are fatal
// and returned to the caller.
func (s *Service) Run(r io.Reader, w io.Writer) error {
	in := bufio.NewReader(r)
	out := bufio.NewWriter(w)

	for {
		line, readErr := in.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			var req Request
			var resp Response
			if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
				resp = errorResponse(fmt.Sprintf("Invalid request: %v", err))
			} else {
				resp = s.handle(req)
			}

			payload, err := json.Marshal(resp)
			if err != nil {
				return fmt.Errorf("encode response: %w", err)
			}
			payload = append(payload, '\n')
			if _, err := out.Write(payload); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
			if err := out.Flush(); err != nil {
				return fmt.Errorf("flush response: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read input: %w", readErr)
		}
	}
}

func (s *Service) handle(req Request) Response {
	switch req.Type {
	case "encrypt":
		return s.handleEncrypt(req)
	case "generate_uuid":
		return Response{Type: "uuid", UUID: uuid.NewString()}
	case "hash_password":
		return Response{Type: "hashed_password", Hash: crypto.HashPassword(req.Password)}
	case "generate_room_key":
		key, err := crypto.GenerateRoomKey()
		if err != nil {
			return errorResponse(err.Error())
		}
		return Response{Type: "room_key", Key: key}
	default:
		return errorResponse(fmt.Sprintf("Unknown request type: %q", req.Type))
	}
}

// handleEncrypt seals value with the caller's AES key and nonce, then
// wraps the AES key under the process RSA public key (PKCS#1 v1.5).
func (s *Service) handleEncrypt(req Request) Response {
	aesKey, err := base64.StdEncoding.DecodeString(req.AESKey)
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to decode AES key: %v", err))
	}
	aesIV, err := base64.StdEncoding.DecodeString(req.AESIV)
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to decode AES IV: %v", err))
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to create cipher: %v", err))
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to create cipher: %v", err))
	}
	if len(aesIV) != aead.NonceSize() {
		return errorResponse(fmt.Sprintf("Failed to encrypt: nonce must be %d bytes", aead.NonceSize()))
	}
	sealed := aead.Seal(nil, aesIV, []byte(req.Value), nil)

	wrappedKey, err := rsa.EncryptPKCS1v15(rand.Reader, &s.privateKey.PublicKey, aesKey)
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to encrypt with RSA: %v", err))
	}

	return Response{
		Type:      "encrypt",
		Encrypted: base64.StdEncoding.EncodeToString(sealed),
		PublicKey: base64.StdEncoding.EncodeToString(wrappedKey),
	}
}

func errorResponse(message string) Response {
	return Response{Type: "error", Error: message}
}
