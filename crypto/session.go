package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// Session holds the single key/IV pair used for every chunk of one transfer
// session. The key is generated once by the sender and never rotated.
type Session struct {
	suite Suite
	key   []byte
	iv    []byte
	aead  cipher.AEAD
}

// NewSession generates fresh session key material: a 256-bit key and a
// 96-bit random IV.
func NewSession(suite Suite) (*Session, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate session iv: %w", err)
	}

	return newSession(suite, key, iv)
}

// ImportSession rebuilds a session from raw key bytes and IV received from a peer.
func ImportSession(suite Suite, rawKey, iv []byte) (*Session, error) {
	if len(iv) != NonceSize {
		return nil, fmt.Errorf("import session key: invalid iv length: got %d want %d", len(iv), NonceSize)
	}
	session, err := newSession(suite, append([]byte(nil), rawKey...), append([]byte(nil), iv...))
	if err != nil {
		return nil, fmt.Errorf("import session key: %w", err)
	}
	return session, nil
}

func newSession(suite Suite, key, iv []byte) (*Session, error) {
	aead, err := suite.newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Session{
		suite: suite,
		key:   key,
		iv:    iv,
		aead:  aead,
	}, nil
}

// Suite returns the AEAD suite of the session.
func (s *Session) Suite() Suite {
	return s.suite
}

// ExportKey returns a copy of the raw key bytes for transmission.
func (s *Session) ExportKey() []byte {
	return append([]byte(nil), s.key...)
}

// IV returns a copy of the session IV.
func (s *Session) IV() []byte {
	return append([]byte(nil), s.iv...)
}

// Fingerprint returns the display fingerprint of the session key.
func (s *Session) Fingerprint() string {
	return KeyFingerprint(s.key)
}

// Encrypt seals one plaintext slice with the session key and IV.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	return seal(s.aead, s.iv, plaintext)
}

// Decrypt opens one ciphertext slice. Authentication failures wrap
// ErrAuthentication and leave the session usable.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	return open(s.aead, s.iv, ciphertext)
}
