package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/signaling"
)

const defaultEndTimeout = 2 * time.Second

type SessionConfig struct {
	LocalID      string
	Relay        Relay
	Media        Media
	Tones        Tones
	NewTransport peer.TransportFactory
	Observer     Observer
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Clock        Clock
	// EndTimeout bounds the best-effort endCall notification.
	EndTimeout time.Duration
}

type Request struct {
	// Participants is the call roster. For group calls roster[0] is the
	// caller.
	Participants []string
	IsGroupCall  bool
	// Inbound marks the answering side of a direct call.
	Inbound bool
}

// Session is one call from the local participant's point of view.
type Session struct {
	id     string
	cfg    SessionConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	status       Status
	reason       EndReason
	started      bool
	ending       bool
	participants []string
	remotes      []string
	group        bool
	caller       bool
	startedAt    time.Time
	connectedAt  time.Time
	endedAt      time.Time
	accepted     map[string]bool
	pool         *peer.Pool
	unsubscribe  func()
	ticker       Ticker
	// backlog holds relay messages that arrive before the pool exists.
	backlog []signaling.Message
	ready   bool
	opening bool
	// contacted is set once a remote may be waiting on us.
	contacted bool
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = ObserverFuncs{}
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.EndTimeout <= 0 {
		cfg.EndTimeout = defaultEndTimeout
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       id,
		cfg:      cfg,
		logger:   cfg.Logger.With("session_id", id, "local_id", cfg.LocalID),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   StatusConnecting,
		accepted: make(map[string]bool),
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed once teardown has finished and the session has reached its
// final status: Rejected, Busy or Ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ending || s.status.Terminal()
}

func (s *Session) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.participants...)
}

func (s *Session) Remotes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.remotes...)
}

func (s *Session) IsGroupCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group
}

// IsCaller reports whether the local participant placed the call.
func (s *Session) IsCaller() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caller
}

// Accepted reports whether participantID has sent callAccepted.
func (s *Session) Accepted(participantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted[participantID]
}

func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// Duration is the whole seconds spent connected, frozen once the call ends.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationLocked()
}

func (s *Session) durationLocked() time.Duration {
	if s.connectedAt.IsZero() {
		return 0
	}
	end := s.endedAt
	if end.IsZero() {
		end = s.cfg.Clock.Now()
	}
	return end.Sub(s.connectedAt).Truncate(time.Second)
}

// Peers lists participants with a live connection.
func (s *Session) Peers() []string {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		return nil
	}
	return pool.Participants()
}

// Handles reports whether messages from participantID belong to this
// session.
func (s *Session) Handles(participantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Contains(s.remotes, participantID)
}

func (s *Session) SetMuted(muted bool) { s.cfg.Media.SetMuted(muted) }

func (s *Session) SetSpeakerOn(on bool) { s.cfg.Media.SetSpeakerOn(on) }

// listen subscribes to the relay. Messages are held until Start has built
// the peer pool.
func (s *Session) listen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil || s.ending {
		return
	}
	s.unsubscribe = s.cfg.Relay.Subscribe(s.handleMessage)
}

// expect records the roster ahead of Start so Handles can claim messages
// from its members while media is still being acquired.
func (s *Session) expect(participants []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.participants = lo.Uniq(participants)
	s.remotes = lo.Without(s.participants, s.cfg.LocalID)
}

// hold queues msg as if it had arrived from the relay.
func (s *Session) hold(msg signaling.Message) {
	s.handleMessage(msg)
}

// Start acquires media and connects to every remote participant.
func (s *Session) Start(ctx context.Context, req Request) error {
	if len(req.Participants) == 0 {
		return ErrEmptyRoster
	}
	participants := lo.Uniq(req.Participants)
	remotes := lo.Without(participants, s.cfg.LocalID)
	if len(remotes) == 0 {
		return fmt.Errorf("%w: no remote participants", ErrEmptyRoster)
	}
	if req.IsGroupCall && !lo.Contains(participants, s.cfg.LocalID) {
		return fmt.Errorf("call: local participant %q not in group roster", s.cfg.LocalID)
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.ending {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.started = true
	s.participants = participants
	s.remotes = remotes
	s.group = req.IsGroupCall
	if req.IsGroupCall {
		s.caller = participants[0] == s.cfg.LocalID
	} else {
		s.caller = !req.Inbound
	}
	s.contacted = req.Inbound
	s.startedAt = s.cfg.Clock.Now()
	s.mu.Unlock()

	s.cfg.Metrics.Inc(metrics.CallStarted)
	s.logger.Info("call starting", "participants", participants, "group", req.IsGroupCall, "inbound", req.Inbound)
	s.listen()

	if err := s.acquire(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	pool := peer.NewPool(peer.Config{
		LocalID:       s.cfg.LocalID,
		NewTransport:  s.cfg.NewTransport,
		Signaler:      s.cfg.Relay,
		LocalTracks:   s.cfg.Media.LocalTracks,
		Sink:          s.cfg.Media,
		Logger:        s.logger,
		Metrics:       s.cfg.Metrics,
		OnStateChange: s.onPeerState,
		Roster:        participants,
		Group:         req.IsGroupCall,
	})
	s.pool = pool
	s.opening = true
	s.contacted = true
	// Both sides of a direct call hear the calling tone; in a group call
	// only roster[0] does.
	next := StatusRinging
	if s.caller || !s.group {
		next = StatusCalling
	}
	change := s.setStatusLocked(next)
	s.mu.Unlock()
	s.emit(change)

	for _, id := range remotes {
		err := pool.Open(s.ctx, id, s.offersTo(id))
		if err == nil || errors.Is(err, peer.ErrDuplicateParticipant) {
			continue
		}
		if s.Ended() {
			return ErrSessionEnded
		}
		s.logger.Warn("peer connection failed", "participant_id", id, "err", err)
		if !req.IsGroupCall {
			s.end(endReasonFor(err), StatusEnded, true)
			return err
		}
	}

	s.mu.Lock()
	s.opening = false
	s.ready = true
	backlog := s.backlog
	s.backlog = nil
	s.mu.Unlock()

	if pool.Len() == 0 {
		s.end(EndReasonAllPeersClosed, StatusEnded, true)
		return fmt.Errorf("call: no peer connections could be opened")
	}
	for _, msg := range backlog {
		s.dispatch(msg)
	}
	return nil
}

// acquire waits for local media, giving up when either ctx or the session
// is cancelled.
func (s *Session) acquire(ctx context.Context) error {
	actx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := s.cfg.Media.Acquire(actx)
	if err == nil {
		return nil
	}
	if s.Ended() || errors.Is(err, media.ErrReleased) {
		return ErrSessionEnded
	}
	if errors.Is(err, media.ErrUnavailable) {
		s.cfg.Metrics.Inc(metrics.MediaUnavailable)
		s.logger.Warn("local media unavailable", "err", err)
		s.end(EndReasonMediaUnavailable, StatusEnded, true)
		return err
	}
	s.end(EndReasonLocalHangup, StatusEnded, true)
	return err
}

// offersTo applies the offer rule: in a direct call the caller offers, in a
// group mesh the participant earlier in the roster does.
func (s *Session) offersTo(remote string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.group {
		return s.caller
	}
	return lo.IndexOf(s.participants, s.cfg.LocalID) < lo.IndexOf(s.participants, remote)
}

func (s *Session) handleMessage(msg signaling.Message) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	if msg.Event == signaling.EventError {
		s.mu.Unlock()
		if lo.Contains(s.Remotes(), msg.From) {
			s.logger.Warn("relay could not deliver to participant", "participant_id", msg.From, "code", msg.Code, "message", msg.Detail)
		}
		return
	}
	if s.started && !lo.Contains(s.remotes, msg.From) {
		s.mu.Unlock()
		return
	}
	if !s.ready {
		s.backlog = append(s.backlog, msg)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.dispatch(msg)
}

func (s *Session) dispatch(msg signaling.Message) {
	s.mu.Lock()
	pool := s.pool
	known := lo.Contains(s.remotes, msg.From)
	s.mu.Unlock()
	if pool == nil || !known {
		return
	}

	switch msg.Event {
	case signaling.EventOffer:
		desc, err := msg.Offer.ToPion()
		if err != nil {
			s.logger.Warn("bad offer", "participant_id", msg.From, "err", err)
			return
		}
		s.peerResult(msg.From, pool.AcceptOffer(s.ctx, msg.From, desc))
	case signaling.EventAnswer:
		desc, err := msg.Answer.ToPion()
		if err != nil {
			s.logger.Warn("bad answer", "participant_id", msg.From, "err", err)
			return
		}
		s.peerResult(msg.From, pool.AcceptAnswer(s.ctx, msg.From, desc))
	case signaling.EventICECandidate:
		if err := pool.AddRemoteCandidate(msg.From, msg.Candidate.ToPion()); err != nil {
			s.logger.Debug("remote candidate dropped", "participant_id", msg.From, "err", err)
		}
	default:
		if msg.Event.IsCallControl() {
			s.OnRemoteStatus(msg)
		}
	}
}

// peerResult handles the outcome of a negotiation step. The failing
// connection has already been closed by the pool.
func (s *Session) peerResult(participantID string, err error) {
	if err == nil || s.Ended() {
		return
	}
	switch {
	case errors.Is(err, peer.ErrPoolClosed), errors.Is(err, peer.ErrConnectionClosed), errors.Is(err, context.Canceled):
		return
	}
	s.logger.Warn("negotiation step failed", "participant_id", participantID, "err", err)
	if !s.IsGroupCall() {
		s.end(endReasonFor(err), StatusEnded, true)
	}
}

// OnRemoteStatus applies a call-control event from a remote participant.
// Events after the call has ended are ignored.
func (s *Session) OnRemoteStatus(msg signaling.Message) {
	s.mu.Lock()
	if s.ending || !lo.Contains(s.remotes, msg.From) {
		s.mu.Unlock()
		return
	}
	status := s.status
	group := s.group
	pool := s.pool
	s.mu.Unlock()

	preConnect := status == StatusCalling || status == StatusRinging

	switch msg.Event {
	case signaling.EventCallAccepted:
		s.mu.Lock()
		s.accepted[msg.From] = true
		s.mu.Unlock()
		s.logger.Info("call accepted", "participant_id", msg.From)
	case signaling.EventCallRejected, signaling.EventUserBusy:
		outcome, reason, counter := StatusRejected, EndReasonRejected, metrics.CallRejected
		if msg.Event == signaling.EventUserBusy {
			outcome, reason, counter = StatusBusy, EndReasonBusy, metrics.CallBusy
		}
		if !preConnect {
			return
		}
		if group && pool != nil && pool.Len() > 1 {
			s.logger.Info("participant declined group call", "participant_id", msg.From, "event", string(msg.Event))
			pool.Close(msg.From)
			return
		}
		s.cfg.Metrics.Inc(counter)
		s.end(reason, outcome, true)
	case signaling.EventCallEnded:
		if group && pool != nil {
			s.logger.Info("participant left group call", "participant_id", msg.From)
			pool.Close(msg.From)
			return
		}
		s.end(EndReasonRemoteEnded, StatusEnded, true)
	}
}

func (s *Session) onPeerState(participantID string, state peer.State) {
	switch state {
	case peer.StateConnected:
		s.mu.Lock()
		if s.ending || s.status == StatusConnected || s.status.Terminal() {
			s.mu.Unlock()
			return
		}
		s.connectedAt = s.cfg.Clock.Now()
		change := s.setStatusLocked(StatusConnected)
		ticker := s.cfg.Clock.NewTicker(time.Second)
		s.ticker = ticker
		s.mu.Unlock()

		s.cfg.Metrics.Inc(metrics.CallConnected)
		s.emit(change)
		s.cfg.Observer.OnDuration(0)
		go s.tick(ticker)
	case peer.StateDisconnected:
		if s.Ended() {
			return
		}
		s.cfg.Metrics.Inc(metrics.TransportDisconnected)
		s.logger.Warn("peer transport disconnected", "participant_id", participantID)
		if s.IsGroupCall() {
			s.mu.Lock()
			pool := s.pool
			s.mu.Unlock()
			if pool != nil {
				pool.Close(participantID)
			}
			return
		}
		s.end(EndReasonTransportDisconnected, StatusEnded, true)
	case peer.StateClosed:
		s.mu.Lock()
		if s.ending || s.opening || s.pool == nil || s.pool.Len() > 0 {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.end(EndReasonAllPeersClosed, StatusEnded, true)
	}
}

func (s *Session) tick(t Ticker) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C():
			if s.Ended() {
				return
			}
			s.cfg.Observer.OnDuration(s.Duration())
		}
	}
}

// End hangs up. It is safe to call from any state and more than once.
func (s *Session) End() {
	s.end(EndReasonLocalHangup, StatusEnded, true)
}

// end tears the session down and settles in outcome, which is Rejected or
// Busy when the call was refused and Ended otherwise.
func (s *Session) end(reason EndReason, outcome Status, notify bool) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.ending = true
	s.reason = reason
	if !s.connectedAt.IsZero() {
		s.endedAt = s.cfg.Clock.Now()
	}
	if outcome != StatusRejected && outcome != StatusBusy {
		outcome = StatusEnded
	}
	ticker := s.ticker
	s.ticker = nil
	pool := s.pool
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	notify = notify && s.contacted
	remotes := append([]string(nil), s.remotes...)
	s.backlog = nil
	s.mu.Unlock()

	s.cancel()

	if ticker != nil {
		ticker.Stop()
	}
	if pool != nil {
		pool.CloseAll()
	}
	s.cfg.Media.Release()
	if unsubscribe != nil {
		unsubscribe()
	}

	s.mu.Lock()
	change := s.setStatusLocked(outcome)
	change.Reason = reason
	duration := s.durationLocked()
	s.mu.Unlock()

	s.cfg.Metrics.Inc(metrics.CallEnded)
	s.logger.Info("call ended", "status", outcome.String(), "reason", string(reason), "duration", FormatDuration(duration))
	s.emit(change)

	if notify && len(remotes) > 0 && s.cfg.Relay.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EndTimeout)
		err := s.cfg.Relay.Send(ctx, signaling.Message{
			Event: signaling.EventEndCall,
			To:    signaling.Recipients(remotes),
		})
		cancel()
		if err != nil {
			s.logger.Debug("endCall not delivered", "err", err)
		}
	}
	close(s.done)
}

// setStatusLocked moves to next and updates the tone. s.mu must be held.
func (s *Session) setStatusLocked(next Status) StatusChange {
	change := StatusChange{SessionID: s.id, From: s.status, To: next}
	s.status = next
	if s.cfg.Tones != nil {
		s.cfg.Tones.Set(next.tone())
	}
	return change
}

func (s *Session) emit(c StatusChange) {
	if c.From == c.To {
		return
	}
	s.logger.Debug("call status", "from", c.From.String(), "to", c.To.String())
	s.cfg.Observer.OnStatus(c)
}
