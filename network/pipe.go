package network

import "sync"

// PipeChannel is one end of an in-memory ordered channel pair.
type PipeChannel struct {
	events *eventQueue
	peer   *PipeChannel

	mu     sync.Mutex
	closed bool
}

// Pipe returns two connected in-memory channels. Both ends report open
// immediately; closing either end closes both.
func Pipe() (*PipeChannel, *PipeChannel) {
	a := &PipeChannel{events: newEventQueue()}
	b := &PipeChannel{events: newEventQueue()}
	a.peer, b.peer = b, a
	a.events.open()
	b.events.open()
	return a, b
}

// Events implements Channel.
func (p *PipeChannel) Events() <-chan Event {
	return p.events.events()
}

// Send implements Channel. Data is copied before delivery.
func (p *PipeChannel) Send(msg Message) error {
	if p.isClosed() || p.peer.isClosed() {
		return ErrChannelClosed
	}
	p.peer.events.message(Message{Kind: msg.Kind, Data: append([]byte(nil), msg.Data...)})
	return nil
}

// Close implements Channel.
func (p *PipeChannel) Close() error {
	p.shutdown()
	p.peer.shutdown()
	return nil
}

func (p *PipeChannel) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.events.finish(nil)
}

func (p *PipeChannel) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
