package tone

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/media"
)

// Volume is the playback level of every tone.
const Volume = 0.5

// LoopPlayer loops a media.Source into an Output, paced by frame duration.
type LoopPlayer struct {
	name   string
	open   func() (media.Source, error)
	out    media.Output
	logger *slog.Logger

	ctlMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	position time.Duration
}

func NewLoopPlayer(name string, open func() (media.Source, error), out media.Output, logger *slog.Logger) *LoopPlayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoopPlayer{name: name, open: open, out: out, logger: logger}
}

// NewFilePlayer loops an Ogg/Opus file, or silence when path is empty.
func NewFilePlayer(name, path string, out media.Output, logger *slog.Logger) *LoopPlayer {
	open := func() (media.Source, error) { return media.Silence(), nil }
	if path != "" {
		open = func() (media.Source, error) { return media.OpenOgg(path) }
	}
	return NewLoopPlayer(name, open, out, logger)
}

func (p *LoopPlayer) Play() error {
	p.ctlMu.Lock()
	defer p.ctlMu.Unlock()
	if p.stop != nil {
		return nil
	}
	src, err := p.open()
	if err != nil {
		return err
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(src, p.stop, p.done)
	return nil
}

func (p *LoopPlayer) loop(src media.Source, stop, done chan struct{}) {
	defer close(done)
	defer src.Close()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		frame, d, err := src.Next()
		if err != nil {
			p.logger.Warn("tone source failed", "tone", p.name, "err", err)
			return
		}
		p.out.Play(p.name, frame, Volume)
		p.mu.Lock()
		p.position += d
		p.mu.Unlock()
		timer.Reset(d)
	}
}

// Stop halts playback and rewinds to the start.
func (p *LoopPlayer) Stop() {
	p.ctlMu.Lock()
	defer p.ctlMu.Unlock()
	if p.stop != nil {
		close(p.stop)
		<-p.done
		p.stop, p.done = nil, nil
	}
	p.mu.Lock()
	p.position = 0
	p.mu.Unlock()
}

func (p *LoopPlayer) Playing() bool {
	p.ctlMu.Lock()
	defer p.ctlMu.Unlock()
	return p.stop != nil
}

// Position is how much of the loop has been played since the last rewind.
func (p *LoopPlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}
