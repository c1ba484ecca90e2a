package media

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
)

const (
	speakerOnGain  = 1.0
	speakerOffGain = 0.0
)

type PipelineConfig struct {
	Capturer Capturer
	// Output receives remote audio. Defaults to a MeterOutput.
	Output Output
	Logger *slog.Logger
	// SpeakerOn is the initial speaker routing.
	SpeakerOn bool
}

// Pipeline owns a session's local capture and every remote stream.
type Pipeline struct {
	capturer Capturer
	out      Output
	logger   *slog.Logger

	mu        sync.Mutex
	local     *LocalStream
	remotes   map[string]*RemoteStream
	muted     bool
	speakerOn bool
	released  bool
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capturer := cfg.Capturer
	if capturer == nil {
		capturer = SilenceCapturer{Logger: logger}
	}
	out := cfg.Output
	if out == nil {
		out = NewMeterOutput()
	}
	return &Pipeline{
		capturer:  capturer,
		out:       out,
		logger:    logger,
		remotes:   make(map[string]*RemoteStream),
		speakerOn: cfg.SpeakerOn,
	}
}

// Acquire captures the local stream with VoiceConstraints. A stream that
// arrives after Release is stopped and ErrReleased is returned.
func (p *Pipeline) Acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return ErrReleased
	}
	if p.local != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	stream, err := p.capturer.Capture(ctx, VoiceConstraints)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released || p.local != nil {
		stream.Stop()
		if p.released {
			return ErrReleased
		}
		return nil
	}
	stream.SetEnabled(!p.muted)
	p.local = stream
	return nil
}

// LocalTracks returns the tracks every connection of the session shares.
func (p *Pipeline) LocalTracks() []webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil {
		return nil
	}
	return lo.Map(p.local.Tracks(), func(t *LocalTrack, _ int) webrtc.TrackLocal {
		return t.Track()
	})
}

func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
	if p.local != nil {
		p.local.SetEnabled(!muted)
	}
}

func (p *Pipeline) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// SetSpeakerOn routes remote audio to the speaker at full gain, or silences
// it. Streams attached later inherit the setting.
func (p *Pipeline) SetSpeakerOn(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speakerOn = on
	gain := p.gainLocked()
	for _, r := range p.remotes {
		r.Gain().Set(gain)
	}
}

func (p *Pipeline) SpeakerOn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speakerOn
}

func (p *Pipeline) gainLocked() float64 {
	if p.speakerOn {
		return speakerOnGain
	}
	return speakerOffGain
}

// AttachRemote starts playback of a participant's incoming track,
// replacing any stream already attached for them.
func (p *Pipeline) AttachRemote(participantID string, track *webrtc.TrackRemote) {
	p.attach(participantID, trackReader{track: track})
}

func (p *Pipeline) attach(participantID string, reader packetReader) *RemoteStream {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	old := p.remotes[participantID]
	r := newRemoteStream(participantID, reader, NewGainStage(p.gainLocked()), p.out)
	p.remotes[participantID] = r
	p.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	go r.run()
	p.logger.Debug("remote stream attached", "participant_id", participantID)
	return r
}

func (p *Pipeline) DetachRemote(participantID string) {
	p.mu.Lock()
	r := p.remotes[participantID]
	delete(p.remotes, participantID)
	p.mu.Unlock()

	if r != nil {
		r.Stop()
	}
}

// Gain reports the gain stage of a participant's stream.
func (p *Pipeline) Gain(participantID string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.remotes[participantID]
	if !ok {
		return 0, false
	}
	return r.Gain().Gain(), true
}

// Remotes lists participants with an attached stream.
func (p *Pipeline) Remotes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo.Keys(p.remotes)
}

// Release stops the local capture and every remote stream. Safe to call
// more than once.
func (p *Pipeline) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	local := p.local
	p.local = nil
	remotes := lo.Values(p.remotes)
	p.remotes = make(map[string]*RemoteStream)
	p.mu.Unlock()

	if local != nil {
		local.Stop()
	}
	for _, r := range remotes {
		r.Stop()
	}
}

func (p *Pipeline) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}
