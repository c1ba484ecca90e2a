package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Connection is the link to one remote participant. It is closed exactly
// once and never reused.
type Connection struct {
	participantID string
	initiator     bool

	// negMu serialises offer/answer handling.
	negMu sync.Mutex

	mu        sync.Mutex
	transport Transport
	state     State
	closed    bool
	// pending holds remote candidates until the remote description is set.
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	// outbound holds local candidates until our description has been sent.
	outbound  []webrtc.ICECandidateInit
	described bool
}

func newConnection(participantID string, initiator bool, seed []webrtc.ICECandidateInit) *Connection {
	return &Connection{
		participantID: participantID,
		initiator:     initiator,
		state:         StateNew,
		pending:       seed,
	}
}

func (c *Connection) ParticipantID() string { return c.participantID }

// Initiator reports whether this side sent the offer.
func (c *Connection) Initiator() bool { return c.initiator }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCandidates is the number of remote candidates waiting for the
// remote description.
func (c *Connection) PendingCandidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// setState records s and reports whether it changed. Closed is final.
func (c *Connection) setState(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == s {
		return false
	}
	c.state = s
	return true
}

// setNegotiationState moves through the pre-connect states without
// disturbing an established connection being renegotiated.
func (c *Connection) setNegotiationState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.state.negotiating() {
		return
	}
	c.state = s
}

// markClosed returns the transport on the first call and nil afterwards.
func (c *Connection) markClosed() (Transport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.closed = true
	c.state = StateClosed
	c.pending = nil
	c.outbound = nil
	return c.transport, true
}

// addRemoteCandidate applies cand, or queues it until the remote
// description is set. applied is false when it was queued.
func (c *Connection) addRemoteCandidate(cand webrtc.ICECandidateInit) (applied bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrConnectionClosed
	}
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		return false, nil
	}
	return true, c.transport.AddICECandidate(cand)
}

// remoteDescriptionSet flushes queued candidates in arrival order. Errors
// from individual candidates are returned to the caller for logging.
func (c *Connection) remoteDescriptionSet() (applied int, errs []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil
	}
	c.remoteSet = true
	for _, cand := range c.pending {
		if err := c.transport.AddICECandidate(cand); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}
	c.pending = nil
	return applied, errs
}

// queueLocalCandidate holds cand until our description is out. It reports
// whether the caller should send it now instead.
func (c *Connection) queueLocalCandidate(cand webrtc.ICECandidateInit) (sendNow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if !c.described {
		c.outbound = append(c.outbound, cand)
		return false
	}
	return true
}

// descriptionSent returns the local candidates gathered so far; later ones
// are sent as they arrive.
func (c *Connection) descriptionSent() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.described = true
	out := c.outbound
	c.outbound = nil
	return out
}
