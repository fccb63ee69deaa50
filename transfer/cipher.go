package transfer

import "peerdrop/crypto"

// CipherSession is the per-session AEAD capability used by senders and receivers.
type CipherSession interface {
	Suite() crypto.Suite
	ExportKey() []byte
	IV() []byte
	Fingerprint() string
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// CipherFactory creates sender key material and imports it on the receiver.
type CipherFactory interface {
	Generate(suite crypto.Suite) (CipherSession, error)
	Import(suite crypto.Suite, key, iv []byte) (CipherSession, error)
}

// SessionCiphers is the CipherFactory backed by crypto.Session.
type SessionCiphers struct{}

func (SessionCiphers) Generate(suite crypto.Suite) (CipherSession, error) {
	session, err := crypto.NewSession(suite)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (SessionCiphers) Import(suite crypto.Suite, key, iv []byte) (CipherSession, error) {
	session, err := crypto.ImportSession(suite, key, iv)
	if err != nil {
		return nil, err
	}
	return session, nil
}
