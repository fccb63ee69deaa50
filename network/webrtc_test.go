package network

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// negotiateLoopback connects two pion peers over an in-memory signaling pipe.
func negotiateLoopback(t *testing.T, ctx context.Context) (*DataChannel, *DataChannel) {
	t.Helper()

	offerSig, answerSig := Pipe()
	t.Cleanup(func() {
		_ = offerSig.Close()
		_ = answerSig.Close()
	})

	type result struct {
		ch  *DataChannel
		err error
	}
	answered := make(chan result, 1)
	go func() {
		ch, err := AnswerDataChannel(ctx, answerSig, WebRTCConfig{})
		answered <- result{ch: ch, err: err}
	}()

	offerer, err := OfferDataChannel(ctx, offerSig, WebRTCConfig{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = offerer.Close()
	})

	res := <-answered
	require.NoError(t, res.err)
	t.Cleanup(func() {
		_ = res.ch.Close()
	})
	return offerer, res.ch
}

func nextDataEvent(t *testing.T, ch Channel) Event {
	t.Helper()

	select {
	case ev, ok := <-ch.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for data channel event")
		return Event{}
	}
}

func TestDataChannelLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	offerer, answerer := negotiateLoopback(t, ctx)
	require.Equal(t, EventOpen, nextDataEvent(t, offerer).Type)
	require.Equal(t, EventOpen, nextDataEvent(t, answerer).Type)
	assert.Equal(t, DataChannelLabel, answerer.Label())

	big := bytes.Repeat([]byte{0xA5}, 60*1024)
	require.NoError(t, SendJSON(offerer, DoneMessage{Type: TypeDone}))
	require.NoError(t, offerer.Send(BinaryMessage(big)))
	require.NoError(t, offerer.Send(BinaryMessage([]byte{1, 2, 3})))
	require.NoError(t, offerer.Flush(ctx))

	ev := nextDataEvent(t, answerer)
	require.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, KindControl, ev.Message.Kind)
	assert.JSONEq(t, `{"type":"done"}`, string(ev.Message.Data))

	ev = nextDataEvent(t, answerer)
	require.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, KindBinary, ev.Message.Kind)
	assert.Equal(t, big, ev.Message.Data)

	ev = nextDataEvent(t, answerer)
	assert.Equal(t, BinaryMessage([]byte{1, 2, 3}), ev.Message)

	require.NoError(t, answerer.Send(ControlMessage([]byte(`{"type":"ack"}`))))
	ev = nextDataEvent(t, offerer)
	assert.Equal(t, ControlMessage([]byte(`{"type":"ack"}`)), ev.Message)

	require.NoError(t, offerer.Close())
	assert.Equal(t, EventClose, nextDataEvent(t, offerer).Type)
	for {
		ev := nextDataEvent(t, answerer)
		if ev.Type == EventClose {
			break
		}
		require.Equal(t, EventError, ev.Type, "unexpected event %v", ev.Type)
	}
	assert.ErrorIs(t, offerer.Send(BinaryMessage([]byte{1})), ErrChannelClosed)
}

func TestOfferDataChannelFailsWhenSignalingCloses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	offerSig, answerSig := Pipe()
	require.NoError(t, answerSig.Close())

	_, err := OfferDataChannel(ctx, offerSig, WebRTCConfig{})
	require.Error(t, err)
}
