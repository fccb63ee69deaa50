package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrSignalingClosed indicates the signaling channel closed before the exchange finished.
var ErrSignalingClosed = errors.New("network: signaling channel closed")

// WebRTCConfig configures peer connections created for data channels.
type WebRTCConfig struct {
	ICEServers []string
}

func (c WebRTCConfig) configuration() webrtc.Configuration {
	if len(c.ICEServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: append([]string(nil), c.ICEServers...)}},
	}
}

// OfferDataChannel creates a peer connection with one ordered data channel,
// sends the SDP offer over sig, and applies the returned answer. The
// returned channel emits EventOpen once ICE completes.
func OfferDataChannel(ctx context.Context, sig Channel, cfg WebRTCConfig) (*DataChannel, error) {
	peer, err := webrtc.NewPeerConnection(cfg.configuration())
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ordered := true
	dc, err := peer.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	channel := NewDataChannel(dc, peer)

	offer, err := peer.CreateOffer(nil)
	if err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	local, err := setLocalAndGather(ctx, peer, offer)
	if err != nil {
		_ = peer.Close()
		return nil, err
	}

	if err := SendJSON(sig, SignalMessage{Type: TypeOffer, SDP: local.SDP}); err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("send offer: %w", err)
	}

	answer, err := awaitSignal(ctx, sig, TypeAnswer)
	if err != nil {
		_ = peer.Close()
		return nil, err
	}
	if err := peer.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("set remote answer: %w", err)
	}

	return channel, nil
}

// AnswerDataChannel waits for an SDP offer on sig, answers it, and returns
// the data channel the offering side opens.
func AnswerDataChannel(ctx context.Context, sig Channel, cfg WebRTCConfig) (*DataChannel, error) {
	peer, err := webrtc.NewPeerConnection(cfg.configuration())
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	channels := make(chan *DataChannel, 1)
	peer.OnDataChannel(func(dc *webrtc.DataChannel) {
		select {
		case channels <- NewDataChannel(dc, peer):
		default:
			_ = dc.Close()
		}
	})

	offer, err := awaitSignal(ctx, sig, TypeOffer)
	if err != nil {
		_ = peer.Close()
		return nil, err
	}
	if err := peer.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := peer.CreateAnswer(nil)
	if err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	local, err := setLocalAndGather(ctx, peer, answer)
	if err != nil {
		_ = peer.Close()
		return nil, err
	}

	if err := SendJSON(sig, SignalMessage{Type: TypeAnswer, SDP: local.SDP}); err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("send answer: %w", err)
	}

	select {
	case channel := <-channels:
		return channel, nil
	case <-ctx.Done():
		_ = peer.Close()
		return nil, ctx.Err()
	}
}

// setLocalAndGather applies desc and waits for ICE gathering so the
// returned description carries every candidate.
func setLocalAndGather(ctx context.Context, peer *webrtc.PeerConnection, desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(peer)
	if err := peer.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	local := peer.LocalDescription()
	if local == nil {
		return nil, errors.New("local description unavailable after gathering")
	}
	return local, nil
}

func awaitSignal(ctx context.Context, sig Channel, want string) (SignalMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return SignalMessage{}, ctx.Err()
		case ev, ok := <-sig.Events():
			if !ok {
				return SignalMessage{}, ErrSignalingClosed
			}
			switch ev.Type {
			case EventError:
				return SignalMessage{}, fmt.Errorf("signaling: %w", ev.Err)
			case EventClose:
				return SignalMessage{}, ErrSignalingClosed
			case EventMessage:
				if ev.Message.Kind != KindControl {
					continue
				}
				var msg SignalMessage
				if err := json.Unmarshal(ev.Message.Data, &msg); err != nil {
					return SignalMessage{}, fmt.Errorf("decode signal: %w", err)
				}
				if msg.Type != want {
					return SignalMessage{}, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, want, msg.Type)
				}
				return msg, nil
			}
		}
	}
}
