package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/signaling"
)

// maxOrphanCandidates bounds the candidates held for a participant that has
// no connection yet.
const maxOrphanCandidates = 64

type Config struct {
	LocalID      string
	NewTransport TransportFactory
	Signaler     Signaler
	// LocalTracks returns the session's shared capture tracks.
	LocalTracks func() []webrtc.TrackLocal
	Sink        MediaSink
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	// OnStateChange is called once per transition to Connected,
	// Disconnected or Closed. It is never called with pool locks held.
	OnStateChange func(participantID string, state State)

	// Roster and Group are attached to every offer so the answering side
	// learns the call membership.
	Roster []string
	Group  bool
}

// Pool holds the session's connections, one per remote participant.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[string]*Connection
	orphans map[string][]webrtc.ICECandidateInit
	closed  bool
}

func NewPool(cfg Config) *Pool {
	// An injected logger already carries the caller's attributes.
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("local_id", cfg.LocalID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*Connection),
		orphans: make(map[string][]webrtc.ICECandidateInit),
	}
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) Has(participantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[participantID]
	return ok
}

func (p *Pool) Get(participantID string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[participantID]
	return c, ok
}

// Participants lists the participants with a live connection.
func (p *Pool) Participants() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Open creates the connection to participantID. When initiate is set it
// also sends the offer.
func (p *Pool) Open(ctx context.Context, participantID string, initiate bool) error {
	c, err := p.open(participantID, initiate)
	if err != nil {
		return err
	}
	if !initiate {
		return nil
	}
	return p.offer(ctx, c)
}

func (p *Pool) open(participantID string, initiate bool) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if _, ok := p.conns[participantID]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateParticipant, participantID)
	}
	if !p.cfg.Signaler.Connected() {
		p.mu.Unlock()
		p.cfg.Metrics.Inc(metrics.SignalingUnavailable)
		return nil, ErrSignalingUnavailable
	}
	c := newConnection(participantID, initiate, p.orphans[participantID])
	delete(p.orphans, participantID)
	p.conns[participantID] = c
	p.mu.Unlock()

	transport, err := p.cfg.NewTransport()
	if err != nil {
		p.closeConn(c)
		return nil, fmt.Errorf("%w: new peer connection: %w", ErrNegotiationFailure, err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = transport.Close()
		return nil, ErrConnectionClosed
	}
	c.transport = transport
	c.mu.Unlock()

	p.registerHandlers(c, transport)

	if p.cfg.LocalTracks != nil {
		for _, track := range p.cfg.LocalTracks() {
			if _, err := transport.AddTrack(track); err != nil {
				return nil, p.fail(c, fmt.Errorf("add local track: %w", err))
			}
		}
	}

	p.logger.Debug("peer connection opened", "participant_id", participantID, "initiator", initiate)
	return c, nil
}

func (p *Pool) registerHandlers(c *Connection, transport Transport) {
	id := c.participantID
	transport.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		if !c.queueLocalCandidate(init) {
			return
		}
		p.sendCandidate(c, init)
	})
	transport.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			p.report(c, StateConnected)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			p.report(c, StateDisconnected)
		case webrtc.PeerConnectionStateClosed:
			p.closeConn(c)
		}
	})
	transport.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if c.isClosed() || p.cfg.Sink == nil {
			return
		}
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		p.cfg.Sink.AttachRemote(id, track)
	})
}

func (p *Pool) report(c *Connection, s State) {
	if !c.setState(s) {
		return
	}
	p.logger.Info("peer connection state", "participant_id", c.participantID, "state", s.String())
	if p.cfg.OnStateChange != nil {
		p.cfg.OnStateChange(c.participantID, s)
	}
}

func (p *Pool) sendCandidate(c *Connection, init webrtc.ICECandidateInit) {
	cand := signaling.CandidateFromPion(init)
	err := p.cfg.Signaler.Send(p.ctx, signaling.Message{
		Event:     signaling.EventICECandidate,
		To:        signaling.Recipients{c.participantID},
		Candidate: &cand,
	})
	if err != nil {
		p.logger.Debug("dropping local candidate", "participant_id", c.participantID, "err", err)
	}
}

// alive checks the connection is still wanted after a suspension point.
func (p *Pool) alive(ctx context.Context, c *Connection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolClosed
	}
	if c.isClosed() {
		return ErrConnectionClosed
	}
	return nil
}

// fail closes c after a negotiation error.
func (p *Pool) fail(c *Connection, err error) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	p.cfg.Metrics.Inc(metrics.NegotiationFailure)
	p.logger.Warn("peer negotiation failed", "participant_id", c.participantID, "err", err)
	p.closeConn(c)
	return fmt.Errorf("%w: %s: %w", ErrNegotiationFailure, c.participantID, err)
}

func (p *Pool) send(ctx context.Context, c *Connection, msg signaling.Message) error {
	if err := p.cfg.Signaler.Send(ctx, msg); err != nil {
		p.cfg.Metrics.Inc(metrics.SignalingUnavailable)
		p.logger.Warn("signaling send failed", "participant_id", c.participantID, "event", string(msg.Event), "err", err)
		p.closeConn(c)
		return fmt.Errorf("%w: %w", ErrSignalingUnavailable, err)
	}
	for _, init := range c.descriptionSent() {
		p.sendCandidate(c, init)
	}
	return nil
}

func (p *Pool) offer(ctx context.Context, c *Connection) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	c.setNegotiationState(StateOffering)
	offer, err := c.transport.CreateOffer(nil)
	if err != nil {
		return p.fail(c, fmt.Errorf("create offer: %w", err))
	}
	if err := p.alive(ctx, c); err != nil {
		return err
	}
	if err := c.transport.SetLocalDescription(offer); err != nil {
		return p.fail(c, fmt.Errorf("set local offer: %w", err))
	}
	if err := p.alive(ctx, c); err != nil {
		return err
	}

	sdp := signaling.SDPFromPion(offer)
	if err := p.send(ctx, c, signaling.Message{
		Event:  signaling.EventOffer,
		To:     signaling.Recipients{c.participantID},
		Offer:  &sdp,
		Roster: p.cfg.Roster,
		Group:  p.cfg.Group,
	}); err != nil {
		return err
	}
	c.setNegotiationState(StateNegotiating)
	return nil
}

// AcceptOffer applies a remote offer and answers it, opening the
// connection first when this is the participant's first offer.
func (p *Pool) AcceptOffer(ctx context.Context, participantID string, offer webrtc.SessionDescription) error {
	c, ok := p.Get(participantID)
	if !ok {
		var err error
		if c, err = p.open(participantID, false); err != nil {
			return err
		}
	}

	c.negMu.Lock()
	defer c.negMu.Unlock()
	if err := p.alive(ctx, c); err != nil {
		return err
	}

	c.setNegotiationState(StateAnswering)
	if err := c.transport.SetRemoteDescription(offer); err != nil {
		return p.fail(c, fmt.Errorf("set remote offer: %w", err))
	}
	p.flushPending(c)
	if err := p.alive(ctx, c); err != nil {
		return err
	}

	answer, err := c.transport.CreateAnswer(nil)
	if err != nil {
		return p.fail(c, fmt.Errorf("create answer: %w", err))
	}
	if err := p.alive(ctx, c); err != nil {
		return err
	}
	if err := c.transport.SetLocalDescription(answer); err != nil {
		return p.fail(c, fmt.Errorf("set local answer: %w", err))
	}
	if err := p.alive(ctx, c); err != nil {
		return err
	}

	sdp := signaling.SDPFromPion(answer)
	if err := p.send(ctx, c, signaling.Message{
		Event:  signaling.EventAnswer,
		To:     signaling.Recipients{participantID},
		Answer: &sdp,
	}); err != nil {
		return err
	}
	c.setNegotiationState(StateNegotiating)
	return nil
}

// AcceptAnswer applies a remote answer. An answer from a participant with
// no connection is logged and ignored.
func (p *Pool) AcceptAnswer(ctx context.Context, participantID string, answer webrtc.SessionDescription) error {
	c, ok := p.Get(participantID)
	if !ok {
		p.logger.Warn("answer for unknown participant", "participant_id", participantID)
		return nil
	}

	c.negMu.Lock()
	defer c.negMu.Unlock()
	if err := p.alive(ctx, c); err != nil {
		return err
	}
	if err := c.transport.SetRemoteDescription(answer); err != nil {
		return p.fail(c, fmt.Errorf("set remote answer: %w", err))
	}
	p.flushPending(c)
	return nil
}

func (p *Pool) flushPending(c *Connection) {
	applied, errs := c.remoteDescriptionSet()
	p.cfg.Metrics.Add(metrics.CandidatesApplied, uint64(applied))
	for _, err := range errs {
		p.logger.Debug("queued candidate rejected", "participant_id", c.participantID, "err", err)
	}
}

// AddRemoteCandidate applies cand once the participant's remote
// description is set, queueing it until then.
func (p *Pool) AddRemoteCandidate(participantID string, cand webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	c, ok := p.conns[participantID]
	if !ok {
		held := p.orphans[participantID]
		if len(held) >= maxOrphanCandidates {
			p.mu.Unlock()
			p.cfg.Metrics.Inc(metrics.CandidatesDropped)
			return nil
		}
		p.orphans[participantID] = append(held, cand)
		p.mu.Unlock()
		p.cfg.Metrics.Inc(metrics.CandidatesBuffered)
		return nil
	}
	p.mu.Unlock()

	applied, err := c.addRemoteCandidate(cand)
	if err != nil {
		if applied {
			p.logger.Debug("remote candidate rejected", "participant_id", participantID, "err", err)
			return nil
		}
		return err
	}
	if applied {
		p.cfg.Metrics.Inc(metrics.CandidatesApplied)
	} else {
		p.cfg.Metrics.Inc(metrics.CandidatesBuffered)
	}
	return nil
}

// Close tears down the participant's connection, if any.
func (p *Pool) Close(participantID string) {
	p.mu.Lock()
	c, ok := p.conns[participantID]
	delete(p.orphans, participantID)
	p.mu.Unlock()
	if ok {
		p.closeConn(c)
	}
}

// CloseAll closes every connection and rejects later operations. A failure
// tearing down one connection does not stop the rest.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.orphans = make(map[string][]webrtc.ICECandidateInit)
	p.mu.Unlock()
	p.cancel()

	for _, c := range conns {
		p.closeConn(c)
	}
}

func (p *Pool) closeConn(c *Connection) {
	transport, first := c.markClosed()
	if !first {
		return
	}

	p.mu.Lock()
	if p.conns[c.participantID] == c {
		delete(p.conns, c.participantID)
	}
	p.mu.Unlock()

	if p.cfg.Sink != nil {
		p.cfg.Sink.DetachRemote(c.participantID)
	}
	if transport != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Warn("peer connection close panicked", "participant_id", c.participantID, "panic", r)
				}
			}()
			if err := transport.Close(); err != nil {
				p.logger.Debug("peer connection close", "participant_id", c.participantID, "err", err)
			}
		}()
	}
	p.logger.Info("peer connection state", "participant_id", c.participantID, "state", StateClosed.String())
	if p.cfg.OnStateChange != nil {
		p.cfg.OnStateChange(c.participantID, StateClosed)
	}
}
