package network

import (
	"errors"
	"fmt"
	"sync"
)

// ErrChannelClosed is returned by Send after the channel has closed.
var ErrChannelClosed = errors.New("network: channel closed")

// MessageKind distinguishes structured control messages from opaque payload.
type MessageKind uint8

const (
	// KindControl carries one JSON-encoded control message.
	KindControl MessageKind = 1
	// KindBinary carries one opaque ciphertext blob.
	KindBinary MessageKind = 2

	kindPing MessageKind = 3
	kindPong MessageKind = 4
)

func (k MessageKind) valid() bool {
	return k >= KindControl && k <= kindPong
}

func (k MessageKind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindBinary:
		return "binary"
	case kindPing:
		return "ping"
	case kindPong:
		return "pong"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one unit delivered by a Channel.
type Message struct {
	Kind MessageKind
	Data []byte
}

// ControlMessage wraps a JSON payload.
func ControlMessage(payload []byte) Message {
	return Message{Kind: KindControl, Data: payload}
}

// BinaryMessage wraps an opaque payload.
func BinaryMessage(payload []byte) Message {
	return Message{Kind: KindBinary, Data: payload}
}

// EventType enumerates channel lifecycle and delivery events.
type EventType uint8

const (
	EventOpen EventType = iota + 1
	EventMessage
	EventError
	EventClose
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is one item of a channel's event stream.
type Event struct {
	Type    EventType
	Message Message
	Err     error
}

// Channel is an ordered, reliable duplex message transport.
//
// Events yields at most one EventOpen, then messages in arrival order, then an
// optional EventError followed by exactly one EventClose, after which the
// stream is closed. Consumers must drain Events until it closes.
type Channel interface {
	Send(msg Message) error
	Events() <-chan Event
	Close() error
}

// SendJSON encodes message and sends it as a control message.
func SendJSON(ch Channel, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return ch.Send(ControlMessage(payload))
}

// eventQueue is an unbounded FIFO feeding an unbuffered event stream, so
// transport callbacks never block on a slow consumer.
type eventQueue struct {
	mu       sync.Mutex
	pending  []Event
	opened   bool
	finished bool

	notify chan struct{}
	out    chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
	}
	go q.pump()
	return q
}

func (q *eventQueue) events() <-chan Event {
	return q.out
}

func (q *eventQueue) open() {
	q.mu.Lock()
	if q.opened || q.finished {
		q.mu.Unlock()
		return
	}
	q.opened = true
	q.mu.Unlock()
	q.push(Event{Type: EventOpen})
}

func (q *eventQueue) message(msg Message) {
	q.push(Event{Type: EventMessage, Message: msg})
}

// finish enqueues an optional error and the terminal close event. Only the
// first call has effect.
func (q *eventQueue) finish(err error) bool {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return false
	}
	if err != nil {
		q.pending = append(q.pending, Event{Type: EventError, Err: err})
	}
	q.pending = append(q.pending, Event{Type: EventClose})
	q.finished = true
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			<-q.notify
			continue
		}
		ev := q.pending[0]
		q.pending[0] = Event{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.out <- ev
		if ev.Type == EventClose {
			return
		}
	}
}
