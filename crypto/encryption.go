package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the raw session key length for every supported suite (256 bits).
	KeySize = 32
	// NonceSize is the session IV length for every supported suite (96 bits).
	NonceSize = 12
	// TagSize is the authentication tag appended to each ciphertext.
	TagSize = 16
)

// Suite names one AEAD construction usable for a transfer session.
type Suite string

const (
	// SuiteAESGCM is AES-256-GCM, the suite browser peers speak.
	SuiteAESGCM Suite = "aes-256-gcm"
	// SuiteChaCha20Poly1305 is ChaCha20-Poly1305 (RFC 8439).
	SuiteChaCha20Poly1305 Suite = "chacha20-poly1305"
)

// DefaultSuite is used when no suite is configured or announced.
const DefaultSuite = SuiteAESGCM

var (
	// ErrAuthentication indicates the ciphertext failed AEAD verification:
	// tampered, truncated, or sealed under another key/iv.
	ErrAuthentication = errors.New("crypto: message authentication failed")
	// ErrUnknownSuite indicates an unsupported suite name.
	ErrUnknownSuite = errors.New("crypto: unknown cipher suite")
)

// ParseSuite maps a configured or announced suite name onto a Suite.
// An empty name selects DefaultSuite.
func ParseSuite(name string) (Suite, error) {
	switch Suite(strings.ToLower(strings.TrimSpace(name))) {
	case "", SuiteAESGCM, "aes-gcm":
		return SuiteAESGCM, nil
	case SuiteChaCha20Poly1305:
		return SuiteChaCha20Poly1305, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSuite, name)
	}
}

func (s Suite) newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(key), KeySize)
	}

	switch s {
	case SuiteAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create AES cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM: %w", err)
		}
		return aead, nil
	case SuiteChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("create ChaCha20-Poly1305: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSuite, string(s))
	}
}

// Encrypt seals plaintext under key and iv with the suite's AEAD.
func (s Suite) Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	aead, err := s.newAEAD(key)
	if err != nil {
		return nil, err
	}
	return seal(aead, iv, plaintext)
}

// Decrypt opens ciphertext sealed under key and iv.
func (s Suite) Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := s.newAEAD(key)
	if err != nil {
		return nil, err
	}
	return open(aead, iv, ciphertext)
}

// Encrypt encrypts plaintext with AES-256-GCM under the given key and IV.
func Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	return SuiteAESGCM.Encrypt(key, iv, plaintext)
}

// Decrypt decrypts AES-256-GCM ciphertext using the provided key and IV.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	return SuiteAESGCM.Decrypt(key, iv, ciphertext)
}

func seal(aead cipher.AEAD, iv, plaintext []byte) ([]byte, error) {
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(iv), aead.NonceSize())
	}
	return aead.Seal(nil, iv, plaintext, nil), nil
}

func open(aead cipher.AEAD, iv, ciphertext []byte) ([]byte, error) {
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(iv), aead.NonceSize())
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag (%d bytes)", ErrAuthentication, len(ciphertext))
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
