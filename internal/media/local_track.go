package media

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

type sampleWriter interface {
	WriteSample(pionmedia.Sample) error
}

// LocalTrack paces frames from a Source into an Opus sample track. When
// disabled it keeps sending silence, so the track and its negotiation are
// untouched by mute.
type LocalTrack struct {
	local  webrtc.TrackLocal
	writer sampleWriter
	source Source
	logger *slog.Logger

	enabled atomic.Bool
	started atomic.Bool

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func NewLocalTrack(source Source, logger *slog.Logger) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"aero-voice-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}
	return newLocalTrack(track, track, source, logger), nil
}

func newLocalTrack(local webrtc.TrackLocal, writer sampleWriter, source Source, logger *slog.Logger) *LocalTrack {
	if logger == nil {
		logger = slog.Default()
	}
	t := &LocalTrack{
		local:   local,
		writer:  writer,
		source:  source,
		logger:  logger,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.enabled.Store(true)
	return t
}

// Track is the pion track shared by every peer connection of the session.
func (t *LocalTrack) Track() webrtc.TrackLocal { return t.local }

func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

// step sends one frame and returns its duration.
func (t *LocalTrack) step() (time.Duration, error) {
	frame, d, err := t.source.Next()
	if err != nil {
		return 0, err
	}
	if !t.enabled.Load() {
		frame, d = opusSilence, frameDuration
	}
	if err := t.writer.WriteSample(pionmedia.Sample{Data: frame, Duration: d}); err != nil {
		return 0, err
	}
	return d, nil
}

func (t *LocalTrack) start() {
	t.started.Store(true)
	go func() {
		defer close(t.done)
		defer t.closeSource()
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-t.stopped:
				return
			case <-timer.C:
			}
			d, err := t.step()
			if err != nil {
				if !t.Stopped() {
					t.logger.Warn("local track stopped", "err", err)
				}
				return
			}
			timer.Reset(d)
		}
	}()
}

// Stop ends the track. Safe to call more than once.
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopped)
		if !t.started.Load() {
			t.closeSource()
		}
	})
}

func (t *LocalTrack) closeSource() {
	if err := t.source.Close(); err != nil {
		t.logger.Debug("close capture source", "err", err)
	}
}

func (t *LocalTrack) Stopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

// LocalStream is the session's captured audio.
type LocalStream struct {
	constraints Constraints
	tracks      []*LocalTrack
	stopOnce    sync.Once
}

func newLocalStream(c Constraints, tracks ...*LocalTrack) *LocalStream {
	return &LocalStream{constraints: c, tracks: tracks}
}

func (s *LocalStream) Constraints() Constraints { return s.constraints }

func (s *LocalStream) Tracks() []*LocalTrack { return s.tracks }

func (s *LocalStream) SetEnabled(enabled bool) {
	for _, t := range s.tracks {
		t.SetEnabled(enabled)
	}
}

// Stop stops every track once.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}
