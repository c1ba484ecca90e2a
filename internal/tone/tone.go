// Package tone plays the calling and ring tones that accompany a call's
// pre-connect states.
package tone

import (
	"log/slog"
	"sync"
)

type Kind int

const (
	None Kind = iota
	// Calling is heard by the caller while waiting for an answer.
	Calling
	// Ring is heard by the callee.
	Ring
)

func (k Kind) String() string {
	switch k {
	case Calling:
		return "calling"
	case Ring:
		return "ring"
	default:
		return "none"
	}
}

// Player is a looping tone. Stop rewinds it to the start.
type Player interface {
	Play() error
	Stop()
}

// Controller keeps at most one tone playing.
type Controller struct {
	logger *slog.Logger

	mu      sync.Mutex
	players map[Kind]Player
	current Kind
	closed  bool
}

func NewController(calling, ring Player, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	players := make(map[Kind]Player, 2)
	if calling != nil {
		players[Calling] = calling
	}
	if ring != nil {
		players[Ring] = ring
	}
	return &Controller{logger: logger, players: players}
}

// Set switches to the tone for k, stopping whichever was playing. None
// silences both.
func (c *Controller) Set(k Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || k == c.current {
		return
	}
	if p, ok := c.players[c.current]; ok {
		p.Stop()
	}
	c.current = None

	p, ok := c.players[k]
	if !ok {
		return
	}
	if err := p.Play(); err != nil {
		c.logger.Warn("tone playback failed", "tone", k.String(), "err", err)
		return
	}
	c.current = k
}

func (c *Controller) Current() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Close stops any tone. Later calls to Set are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, p := range c.players {
		p.Stop()
	}
	c.current = None
}
