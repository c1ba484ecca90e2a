// Package media is the call's audio pipeline: one shared local capture per
// session, per-participant remote playback through an independent gain
// stage, mute and speaker routing.
package media

import (
	"errors"
)

// ErrUnavailable is returned when local capture cannot be acquired, either
// because the device is absent or access was denied.
var ErrUnavailable = errors.New("media unavailable")

var ErrReleased = errors.New("media: pipeline released")

// Constraints are the capture processing options requested from a
// Capturer.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// VoiceConstraints is the fixed capture configuration used for calls.
var VoiceConstraints = Constraints{
	EchoCancellation: true,
	NoiseSuppression: true,
	AutoGainControl:  true,
}

// Output receives decoded-path audio for playback. gain is the participant's
// current gain stage value.
type Output interface {
	Play(participantID string, payload []byte, gain float64)
}
