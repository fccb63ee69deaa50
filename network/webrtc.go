package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Data channel backpressure thresholds.
const (
	HighWaterMark = 2 * 1024 * 1024
	LowWaterMark  = 512 * 1024

	// DataChannelLabel names the single ordered channel used for transfers.
	DataChannelLabel = "peerdrop"

	defaultSendTimeout = 20 * time.Second
	flushPollInterval  = 20 * time.Millisecond
)

// ErrSendTimeout indicates the data channel buffer never drained below LowWaterMark.
var ErrSendTimeout = errors.New("network: data channel send timeout")

// DataChannel adapts a pion data channel to Channel. Text messages are
// control messages, binary messages are payload.
type DataChannel struct {
	dc   *webrtc.DataChannel
	peer *webrtc.PeerConnection

	events *eventQueue
	drain  chan struct{}

	sendMu      sync.Mutex
	sendTimeout time.Duration

	closeOnce sync.Once
}

// NewDataChannel registers event handlers on dc. peer, when non-nil, is
// closed together with the channel.
func NewDataChannel(dc *webrtc.DataChannel, peer *webrtc.PeerConnection) *DataChannel {
	d := &DataChannel{
		dc:          dc,
		peer:        peer,
		events:      newEventQueue(),
		drain:       make(chan struct{}, 1),
		sendTimeout: defaultSendTimeout,
	}

	dc.SetBufferedAmountLowThreshold(LowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case d.drain <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		d.events.open()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		kind := KindBinary
		if msg.IsString {
			kind = KindControl
		}
		d.events.message(Message{Kind: kind, Data: msg.Data})
	})
	dc.OnError(func(err error) {
		d.closeWithError(fmt.Errorf("data channel: %w", err))
	})
	dc.OnClose(func() {
		d.closeWithError(nil)
	})

	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		d.events.open()
	}

	return d
}

// Label returns the data channel label.
func (d *DataChannel) Label() string {
	return d.dc.Label()
}

// Events implements Channel.
func (d *DataChannel) Events() <-chan Event {
	return d.events.events()
}

// Send implements Channel. It blocks while the outbound buffer is above
// HighWaterMark.
func (d *DataChannel) Send(msg Message) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	if state := d.dc.ReadyState(); state != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%w: data channel %s", ErrChannelClosed, state)
	}

	if d.dc.BufferedAmount() > HighWaterMark {
		timer := time.NewTimer(d.sendTimeout)
		defer timer.Stop()
		for d.dc.BufferedAmount() > LowWaterMark {
			select {
			case <-d.drain:
			case <-timer.C:
				return ErrSendTimeout
			}
		}
	}

	switch msg.Kind {
	case KindControl:
		return d.dc.SendText(string(msg.Data))
	case KindBinary:
		return d.dc.Send(msg.Data)
	default:
		return ErrUnknownFrameKind
	}
}

// Flush blocks until every queued message has left the outbound buffer.
func (d *DataChannel) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()
	for d.dc.BufferedAmount() > 0 {
		if d.dc.ReadyState() != webrtc.DataChannelStateOpen {
			return ErrChannelClosed
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close implements Channel.
func (d *DataChannel) Close() error {
	err := d.dc.Close()
	d.closeWithError(nil)
	return err
}

func (d *DataChannel) closeWithError(err error) {
	d.closeOnce.Do(func() {
		if d.peer != nil {
			go func() {
				_ = d.peer.Close()
			}()
		}
		d.events.finish(err)
	})
}
