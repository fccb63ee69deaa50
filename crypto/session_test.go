package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionExportImportRoundTrip(t *testing.T) {
	sender, err := NewSession(SuiteAESGCM)
	require.NoError(t, err)
	assert.Len(t, sender.ExportKey(), KeySize)
	assert.Len(t, sender.IV(), NonceSize)

	receiver, err := ImportSession(SuiteAESGCM, sender.ExportKey(), sender.IV())
	require.NoError(t, err)
	assert.Equal(t, sender.Fingerprint(), receiver.Fingerprint())

	ciphertext, err := sender.Encrypt([]byte("slice"))
	require.NoError(t, err)
	plaintext, err := receiver.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("slice"), plaintext)
}

func TestSessionDecryptFailureIsRecoverable(t *testing.T) {
	session, err := NewSession(SuiteChaCha20Poly1305)
	require.NoError(t, err)

	first, err := session.Encrypt([]byte("first"))
	require.NoError(t, err)
	second, err := session.Encrypt([]byte("second"))
	require.NoError(t, err)

	first[len(first)-1] ^= 0x01
	_, err = session.Decrypt(first)
	require.ErrorIs(t, err, ErrAuthentication)

	plaintext, err := session.Decrypt(second)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), plaintext)
}

func TestSessionsDoNotShareKeyMaterial(t *testing.T) {
	a, err := NewSession(SuiteAESGCM)
	require.NoError(t, err)
	b, err := NewSession(SuiteAESGCM)
	require.NoError(t, err)

	assert.NotEqual(t, a.ExportKey(), b.ExportKey())
	assert.NotEqual(t, a.IV(), b.IV())

	ciphertext, err := a.Encrypt([]byte("payload"))
	require.NoError(t, err)
	_, err = b.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestImportSessionValidatesLengths(t *testing.T) {
	_, err := ImportSession(SuiteAESGCM, make([]byte, 16), make([]byte, NonceSize))
	assert.Error(t, err)

	_, err = ImportSession(SuiteAESGCM, make([]byte, KeySize), make([]byte, 16))
	assert.Error(t, err)

	_, err = ImportSession(Suite("des"), make([]byte, KeySize), make([]byte, NonceSize))
	assert.ErrorIs(t, err, ErrUnknownSuite)
}

func TestExportKeyReturnsCopy(t *testing.T) {
	session, err := NewSession(SuiteAESGCM)
	require.NoError(t, err)

	exported := session.ExportKey()
	exported[0] ^= 0xFF
	assert.NotEqual(t, exported, session.ExportKey())
}

func TestFormatFingerprint(t *testing.T) {
	assert.Equal(t, "ABCD EF01 23", FormatFingerprint("abcdef0123"))
	assert.Equal(t, "", FormatFingerprint(""))
	assert.Len(t, KeyFingerprint([]byte("key")), 16)
}
