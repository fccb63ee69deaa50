package transfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerdrop/crypto"
)

const (
	DefaultReadyTimeout       = 3 * time.Second
	DefaultMetadataRetries    = 3
	DefaultMetadataRetryDelay = 200 * time.Millisecond
)

// DecryptPolicy selects how the receiver handles a chunk that fails authentication.
type DecryptPolicy string

const (
	// DecryptBestEffort skips the chunk and keeps assembling the file.
	DecryptBestEffort DecryptPolicy = "best-effort"
	// DecryptFailFast abandons the current file at the first bad chunk.
	DecryptFailFast DecryptPolicy = "fail-fast"
)

// ParseDecryptPolicy resolves a policy name. Empty selects best-effort.
func ParseDecryptPolicy(name string) (DecryptPolicy, error) {
	switch DecryptPolicy(strings.ToLower(strings.TrimSpace(name))) {
	case "", DecryptBestEffort:
		return DecryptBestEffort, nil
	case DecryptFailFast:
		return DecryptFailFast, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDecryptPolicy, name)
	}
}

// Options configures sender and receiver sessions.
type Options struct {
	// SessionID tags log lines and observer updates. Generated when empty.
	SessionID string
	Logger    logrus.FieldLogger
	Observer  Observer

	// Suite is the AEAD suite generated by senders and assumed by receivers
	// when the key message does not name one.
	Suite   crypto.Suite
	Ciphers CipherFactory

	ReadyTimeout       time.Duration
	MetadataRetries    int
	MetadataRetryDelay time.Duration
	// SettleDelay pauses once before the first metadata message of a session.
	SettleDelay time.Duration

	DecryptPolicy DecryptPolicy
	// FileTokens stamps a random id on metadata and done messages.
	FileTokens bool
}

func (o Options) withDefaults() Options {
	out := o
	if out.SessionID == "" {
		out.SessionID = uuid.NewString()
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.Observer == nil {
		out.Observer = NopObserver{}
	}
	if out.Suite == "" {
		out.Suite = crypto.DefaultSuite
	}
	if out.Ciphers == nil {
		out.Ciphers = SessionCiphers{}
	}
	if out.ReadyTimeout <= 0 {
		out.ReadyTimeout = DefaultReadyTimeout
	}
	if out.MetadataRetries <= 0 {
		out.MetadataRetries = DefaultMetadataRetries
	}
	if out.MetadataRetryDelay <= 0 {
		out.MetadataRetryDelay = DefaultMetadataRetryDelay
	}
	if out.SettleDelay < 0 {
		out.SettleDelay = 0
	}
	if out.DecryptPolicy == "" {
		out.DecryptPolicy = DecryptBestEffort
	}
	return out
}
