package network

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

const (
	// ProtocolVersion is the current rendezvous protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// MaxControlFrameSize bounds control (JSON) frames.
	MaxControlFrameSize = 64 * 1024
	// DefaultConnectionTimeout bounds TCP dial/hello duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends a ping on idle connections.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

// Control message types carried by the transfer protocol.
const (
	TypeKey      = "key"
	TypeMetadata = "metadata"
	TypeDone     = "done"

	// TypeLegacyKey is the key message name used by older browser senders.
	TypeLegacyKey = "aes-key"
)

// Rendezvous and signaling message types.
const (
	TypeHello    = "hello"
	TypeHelloAck = "hello_ack"
	TypeOffer    = "offer"
	TypeAnswer   = "answer"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnknownFrameKind indicates a frame header carries an unknown kind byte.
	ErrUnknownFrameKind = errors.New("network: unknown frame kind")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrFrameStalled indicates the peer stopped sending partway through a frame.
	ErrFrameStalled = errors.New("network: frame stalled")
)

// ByteArray marshals as a JSON array of integers, the form produced by
// Array.from(Uint8Array) on browser peers. It also accepts base64 strings.
type ByteArray []byte

// MarshalJSON implements json.Marshaler.
func (b ByteArray) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}

	var encoded string
	if err := json.Unmarshal(data, &encoded); err == nil {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("decode base64 byte array: %w", err)
		}
		*b = raw
		return nil
	}

	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("decode byte array: %w", err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("decode byte array: value %d at index %d out of range", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// KeyMessage transmits the session key material, once per session.
type KeyMessage struct {
	Type      string    `json:"type"`
	Key       ByteArray `json:"key"`
	IV        ByteArray `json:"iv"`
	Algorithm string    `json:"alg,omitempty"`
}

// MetadataMessage announces the next file.
type MetadataMessage struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	FileID   string `json:"id,omitempty"`

	// LegacyMime is the field name older browser senders use for the MIME type.
	LegacyMime string `json:"mime,omitempty"`
}

// ContentType returns the announced MIME type, falling back to the legacy field.
func (m MetadataMessage) ContentType() string {
	if m.MimeType != "" {
		return m.MimeType
	}
	return m.LegacyMime
}

// DoneMessage marks the end of the current file.
type DoneMessage struct {
	Type   string `json:"type"`
	FileID string `json:"id,omitempty"`
}

// Hello is the first frame a connecting receiver sends on the rendezvous socket.
type Hello struct {
	Type            string `json:"type"`
	PeerID          string `json:"peer_id"`
	Transport       string `json:"transport"`
	ProtocolVersion int    `json:"protocol_version"`
}

// HelloAck answers a Hello.
type HelloAck struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SignalMessage carries one SDP offer or answer (vanilla ICE, all candidates included).
type SignalMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one kind-tagged, length-prefixed frame.
func WriteFrame(w io.Writer, kind MessageKind, payload []byte) error {
	if !kind.valid() {
		return ErrUnknownFrameKind
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 5)
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one kind-tagged, length-prefixed frame.
func ReadFrame(r io.Reader) (MessageKind, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("read frame header: %w", err)
	}

	kind := MessageKind(header[0])
	if !kind.valid() {
		return 0, nil, ErrUnknownFrameKind
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	if kind == KindControl && length > MaxControlFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	if length == 0 {
		return kind, []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}

	return kind, payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) (MessageKind, []byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// ReadFrameIdle waits up to idle for the first header byte, then allows up to
// idle again for the rest of the frame. A timeout before the first byte
// consumes nothing and is returned as a net.Error timeout, so the caller may
// retry. A timeout after it returns ErrFrameStalled: the stream position is
// lost and the connection must be dropped.
func ReadFrameIdle(conn net.Conn, idle time.Duration) (MessageKind, []byte, error) {
	if idle <= 0 {
		return ReadFrame(conn)
	}
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()

	if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
		return 0, nil, fmt.Errorf("set read deadline: %w", err)
	}
	first := make([]byte, 1)
	if _, err := io.ReadFull(conn, first); err != nil {
		return 0, nil, fmt.Errorf("read frame header: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
		return 0, nil, fmt.Errorf("set read deadline: %w", err)
	}
	kind, payload, err := ReadFrame(io.MultiReader(bytes.NewReader(first), conn))
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, fmt.Errorf("%w after %s", ErrFrameStalled, idle)
		}
		return 0, nil, err
	}
	return kind, payload, nil
}

func writeJSONFrame(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, KindControl, payload)
}

func readJSONFrame(conn net.Conn, timeout time.Duration, out any) error {
	kind, payload, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return err
	}
	if kind != KindControl {
		return fmt.Errorf("expected control frame, got %s", kind)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode control frame: %w", err)
	}
	return nil
}
