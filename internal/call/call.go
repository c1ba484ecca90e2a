// Package call drives a voice call from start to teardown: the session
// state machine, its peer mesh and media, and the per-agent Manager that
// answers or refuses incoming calls.
package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/tone"
)

var (
	ErrMediaUnavailable = media.ErrUnavailable
	ErrSessionEnded     = errors.New("call: session ended")
	ErrEmptyRoster      = errors.New("call: empty roster")
	ErrAlreadyStarted   = errors.New("call: session already started")
	ErrBusy             = errors.New("call: another call is active")
)

type Status int

const (
	StatusConnecting Status = iota
	StatusCalling
	StatusRinging
	StatusConnected
	StatusRejected
	StatusBusy
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusCalling:
		return "calling"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	case StatusRejected:
		return "rejected"
	case StatusBusy:
		return "busy"
	case StatusEnded:
		return "ended"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the session can no longer change.
func (s Status) Terminal() bool {
	return s >= StatusRejected
}

func (s Status) tone() tone.Kind {
	switch s {
	case StatusCalling:
		return tone.Calling
	case StatusRinging:
		return tone.Ring
	default:
		return tone.None
	}
}

type EndReason string

const (
	EndReasonLocalHangup           EndReason = "local_hangup"
	EndReasonRemoteEnded           EndReason = "remote_ended"
	EndReasonRejected              EndReason = "rejected"
	EndReasonBusy                  EndReason = "busy"
	EndReasonMediaUnavailable      EndReason = "media_unavailable"
	EndReasonSignalingUnavailable  EndReason = "signaling_unavailable"
	EndReasonNegotiationFailed     EndReason = "negotiation_failed"
	EndReasonTransportDisconnected EndReason = "transport_disconnected"
	EndReasonAllPeersClosed        EndReason = "all_peers_closed"
)

// endReasonFor maps a connection failure to the reason it ends a call.
func endReasonFor(err error) EndReason {
	switch {
	case errors.Is(err, peer.ErrSignalingUnavailable):
		return EndReasonSignalingUnavailable
	case errors.Is(err, media.ErrUnavailable):
		return EndReasonMediaUnavailable
	default:
		return EndReasonNegotiationFailed
	}
}

type StatusChange struct {
	SessionID string
	From      Status
	To        Status
	// Reason is set on the change to a terminal status.
	Reason EndReason
}

type Observer interface {
	OnStatus(StatusChange)
	// OnDuration reports the connected time, once when the call connects and
	// then once per second.
	OnDuration(time.Duration)
}

// ObserverFuncs adapts plain functions to an Observer. Nil fields are
// skipped.
type ObserverFuncs struct {
	Status   func(StatusChange)
	Duration func(time.Duration)
}

func (o ObserverFuncs) OnStatus(c StatusChange) {
	if o.Status != nil {
		o.Status(c)
	}
}

func (o ObserverFuncs) OnDuration(d time.Duration) {
	if o.Duration != nil {
		o.Duration(d)
	}
}

// Relay is the signaling channel a session talks through.
type Relay interface {
	peer.Signaler
	Subscribe(fn func(signaling.Message)) (unsubscribe func())
}

// Media is a session's audio pipeline.
type Media interface {
	Acquire(ctx context.Context) error
	LocalTracks() []webrtc.TrackLocal
	SetMuted(muted bool)
	SetSpeakerOn(on bool)
	AttachRemote(participantID string, track *webrtc.TrackRemote)
	DetachRemote(participantID string)
	Release()
}

// Tones follows the session status.
type Tones interface {
	Set(tone.Kind)
}

var _ Media = (*media.Pipeline)(nil)
var _ Tones = (*tone.Controller)(nil)

// FormatDuration renders d as m:ss.
func FormatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
