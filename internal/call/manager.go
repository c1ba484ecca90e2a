package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/signaling"
)

type ManagerConfig struct {
	LocalID string
	Relay   Relay
	// AutoAnswer accepts inbound calls while idle. Otherwise they are
	// rejected.
	AutoAnswer bool

	// NewMedia builds a fresh pipeline for each session.
	NewMedia     func() Media
	NewTransport peer.TransportFactory
	Tones        Tones
	Observer     Observer
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Clock        Clock
	EndTimeout   time.Duration
}

// Manager keeps at most one active session for the local participant and
// answers relay messages that no session owns.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	active *Session
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("local_id", cfg.LocalID),
		ctx:    context.Background(),
	}
}

// Listen starts handling inbound calls. Sessions started for them use ctx.
func (m *Manager) Listen(ctx context.Context) (stop func()) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	return m.cfg.Relay.Subscribe(m.handle)
}

// Run handles inbound calls until ctx is done, then hangs up any active
// call.
func (m *Manager) Run(ctx context.Context) error {
	stop := m.Listen(ctx)
	defer stop()

	<-ctx.Done()
	if s := m.Active(); s != nil {
		s.End()
	}
	return nil
}

// Active returns the current session, or nil when idle. A session stays
// active until its teardown has finished, so a new call cannot start while
// the old one still holds the tone player.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.finished() {
		return nil
	}
	return m.active
}

func (m *Manager) newSession() *Session {
	return NewSession(SessionConfig{
		LocalID:      m.cfg.LocalID,
		Relay:        m.cfg.Relay,
		Media:        m.cfg.NewMedia(),
		Tones:        m.cfg.Tones,
		NewTransport: m.cfg.NewTransport,
		Observer:     m.cfg.Observer,
		Logger:       m.logger,
		Metrics:      m.cfg.Metrics,
		Clock:        m.cfg.Clock,
		EndTimeout:   m.cfg.EndTimeout,
	})
}

// claim installs a new session unless one is already active.
func (m *Manager) claim() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && !m.active.finished() {
		return nil, ErrBusy
	}
	s := m.newSession()
	m.active = s
	return s, nil
}

// Dial places a call to remotes. The roster is the local participant
// followed by remotes.
func (m *Manager) Dial(ctx context.Context, remotes []string, group bool) (*Session, error) {
	s, err := m.claim()
	if err != nil {
		return nil, err
	}
	roster := append([]string{m.cfg.LocalID}, remotes...)
	if err := s.Start(ctx, Request{Participants: roster, IsGroupCall: group}); err != nil {
		s.End()
		return s, err
	}
	return s, nil
}

func (m *Manager) reply(event signaling.Event, to string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.cfg.Relay.Send(ctx, signaling.Message{Event: event, To: signaling.Recipients{to}}); err != nil {
		m.logger.Warn("relay send failed", "event", string(event), "participant_id", to, "err", err)
	}
}

func (m *Manager) handle(msg signaling.Message) {
	switch msg.Event {
	case signaling.EventError:
		m.logger.Warn("relay error", "code", msg.Code, "message", msg.Detail, "participant_id", msg.From)
		return
	case signaling.EventOffer:
	default:
		return
	}

	m.mu.Lock()
	if m.active != nil && !m.active.finished() {
		active := m.active
		m.mu.Unlock()
		if active.Handles(msg.From) {
			return
		}
		m.logger.Info("busy, refusing call", "participant_id", msg.From)
		m.cfg.Metrics.Inc(metrics.CallBusy)
		m.reply(signaling.EventUserBusy, msg.From)
		return
	}
	if !m.cfg.AutoAnswer {
		m.mu.Unlock()
		m.logger.Info("rejecting call", "participant_id", msg.From)
		m.cfg.Metrics.Inc(metrics.CallRejected)
		m.reply(signaling.EventCallRejected, msg.From)
		return
	}
	roster := msg.Roster
	if len(roster) == 0 {
		roster = []string{msg.From, m.cfg.LocalID}
	}
	s := m.newSession()
	s.expect(roster)
	m.active = s
	ctx := m.ctx
	m.mu.Unlock()

	// Subscribe before returning so nothing the caller sends after its
	// offer is missed, then replay the offer itself.
	s.listen()
	s.hold(msg)
	m.reply(signaling.EventCallAccepted, msg.From)

	go func() {
		err := s.Start(ctx, Request{Participants: roster, IsGroupCall: msg.Group, Inbound: true})
		if err != nil && !errors.Is(err, ErrSessionEnded) {
			m.logger.Warn("inbound call failed", "participant_id", msg.From, "err", err)
			s.End()
		}
	}()
}
