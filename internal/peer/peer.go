// Package peer manages one WebRTC connection per remote participant of a
// call: offer/answer exchange, ICE candidate ordering and teardown.
package peer

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/signaling"
)

var (
	ErrDuplicateParticipant = errors.New("peer: participant already has a connection")
	ErrSignalingUnavailable = errors.New("peer: signaling unavailable")
	ErrNegotiationFailure   = errors.New("peer: negotiation failed")
	ErrPoolClosed           = errors.New("peer: pool closed")
	ErrConnectionClosed     = errors.New("peer: connection closed")
)

type State int

const (
	StateNew State = iota
	StateOffering
	StateAnswering
	StateNegotiating
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// negotiating reports whether s is before the transport first connects.
func (s State) negotiating() bool {
	return s <= StateNegotiating
}

// Transport is the part of *webrtc.PeerConnection the pool drives.
type Transport interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

var _ Transport = (*webrtc.PeerConnection)(nil)

type TransportFactory func() (Transport, error)

// Signaler is the relay as seen by the pool.
type Signaler interface {
	Connected() bool
	Send(ctx context.Context, msg signaling.Message) error
}

// MediaSink receives each connection's remote audio.
type MediaSink interface {
	AttachRemote(participantID string, track *webrtc.TrackRemote)
	DetachRemote(participantID string)
}
