package peer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/signaling"
)

type fakeTransport struct {
	mu         sync.Mutex
	tracks     int
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []string
	closed     int

	createOfferGate chan struct{}
	setRemoteErr    error
	panicOnClose    bool
	onSetLocal      func()

	onICE   func(*webrtc.ICECandidate)
	onState func(webrtc.PeerConnectionState)
}

func (t *fakeTransport) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks++
	return nil, nil
}

func (t *fakeTransport) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if t.createOfferGate != nil {
		<-t.createOfferGate
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (t *fakeTransport) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	t.local = &desc
	hook := t.onSetLocal
	t.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if t.setRemoteErr != nil {
		return t.setRemoteErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = &desc
	return nil
}

func (t *fakeTransport) AddICECandidate(cand webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return errors.New("remote description not set")
	}
	t.candidates = append(t.candidates, cand.Candidate)
	return nil
}

func (t *fakeTransport) OnICECandidate(f func(*webrtc.ICECandidate)) { t.onICE = f }

func (t *fakeTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) { t.onState = f }

func (t *fakeTransport) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	if t.panicOnClose {
		panic("close failed")
	}
	return nil
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) applied() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.candidates...)
}

type fakeSignaler struct {
	mu        sync.Mutex
	connected bool
	err       error
	sent      []signaling.Message
}

func (s *fakeSignaler) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSignaler) Send(_ context.Context, msg signaling.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignaler) events() []signaling.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signaling.Event, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Event)
	}
	return out
}

type fakeSink struct {
	mu       sync.Mutex
	detached []string
}

func (s *fakeSink) AttachRemote(string, *webrtc.TrackRemote) {}

func (s *fakeSink) DetachRemote(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = append(s.detached, id)
}

type stateLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *stateLog) record(id string, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, id+":"+s.String())
}

func (l *stateLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type harness struct {
	pool       *Pool
	signaler   *fakeSignaler
	sink       *fakeSink
	states     *stateLog
	metrics    *metrics.Metrics
	transports map[string]*fakeTransport
	next       []*fakeTransport
	mu         sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		signaler:   &fakeSignaler{connected: true},
		sink:       &fakeSink{},
		states:     &stateLog{},
		metrics:    metrics.New(),
		transports: make(map[string]*fakeTransport),
	}
	h.pool = NewPool(Config{
		LocalID: "a",
		NewTransport: func() (Transport, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if len(h.next) > 0 {
				tr := h.next[0]
				h.next = h.next[1:]
				return tr, nil
			}
			return &fakeTransport{}, nil
		},
		Signaler:      h.signaler,
		LocalTracks:   func() []webrtc.TrackLocal { return []webrtc.TrackLocal{nil} },
		Sink:          h.sink,
		Metrics:       h.metrics,
		OnStateChange: h.states.record,
		Roster:        []string{"a", "b"},
	})
	return h
}

func (h *harness) queue(tr *fakeTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = append(h.next, tr)
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOpen_InitiatorSendsOffer(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	h.queue(tr)

	if err := h.pool.Open(context.Background(), "b", true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if tr.tracks != 1 {
		t.Fatalf("tracks=%d, want 1", tr.tracks)
	}
	if tr.local == nil || tr.local.Type != webrtc.SDPTypeOffer {
		t.Fatalf("local description=%v, want offer", tr.local)
	}
	sent := h.signaler.sent
	if len(sent) != 1 || sent[0].Event != signaling.EventOffer || sent[0].To[0] != "b" {
		t.Fatalf("sent=%+v, want one offer to b", sent)
	}
	if !equalStrings(sent[0].Roster, []string{"a", "b"}) {
		t.Fatalf("roster=%v", sent[0].Roster)
	}
	c, _ := h.pool.Get("b")
	if c.State() != StateNegotiating || !c.Initiator() {
		t.Fatalf("state=%v initiator=%v", c.State(), c.Initiator())
	}
}

func TestOpen_Duplicate(t *testing.T) {
	h := newHarness(t)
	if err := h.pool.Open(context.Background(), "b", false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.pool.Open(context.Background(), "b", false); !errors.Is(err, ErrDuplicateParticipant) {
		t.Fatalf("err=%v, want ErrDuplicateParticipant", err)
	}
	if h.pool.Len() != 1 {
		t.Fatalf("Len=%d, want 1", h.pool.Len())
	}
}

func TestOpen_SignalingUnavailable(t *testing.T) {
	h := newHarness(t)
	h.signaler.connected = false
	if err := h.pool.Open(context.Background(), "b", true); !errors.Is(err, ErrSignalingUnavailable) {
		t.Fatalf("err=%v, want ErrSignalingUnavailable", err)
	}
	if h.pool.Len() != 0 {
		t.Fatalf("Len=%d, want 0", h.pool.Len())
	}
}

func TestOffer_SendFailureClosesConnection(t *testing.T) {
	h := newHarness(t)
	h.signaler.err = errors.New("relay down")
	tr := &fakeTransport{}
	h.queue(tr)

	if err := h.pool.Open(context.Background(), "b", true); !errors.Is(err, ErrSignalingUnavailable) {
		t.Fatalf("err=%v, want ErrSignalingUnavailable", err)
	}
	if tr.closeCount() != 1 || h.pool.Has("b") {
		t.Fatalf("closed=%d has=%v, want closed and removed", tr.closeCount(), h.pool.Has("b"))
	}
	if got := h.states.get(); !equalStrings(got, []string{"b:closed"}) {
		t.Fatalf("states=%v", got)
	}
}

func TestCandidatesBeforeOfferFlushInOrder(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	h.queue(tr)

	for _, c := range []string{"c1", "c2"} {
		if err := h.pool.AddRemoteCandidate("b", candidate(c)); err != nil {
			t.Fatalf("AddRemoteCandidate: %v", err)
		}
	}
	if h.pool.Has("b") {
		t.Fatalf("candidate opened a connection")
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote"}
	if err := h.pool.AcceptOffer(context.Background(), "b", offer); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if err := h.pool.AddRemoteCandidate("b", candidate("c3")); err != nil {
		t.Fatalf("AddRemoteCandidate: %v", err)
	}
	if got := tr.applied(); !equalStrings(got, []string{"c1", "c2", "c3"}) {
		t.Fatalf("applied=%v, want [c1 c2 c3]", got)
	}
	if got := h.signaler.events(); len(got) != 1 || got[0] != signaling.EventAnswer {
		t.Fatalf("sent=%v, want [answer]", got)
	}
	if got := h.metrics.Get(metrics.CandidatesApplied); got != 3 {
		t.Fatalf("candidates applied=%d, want 3", got)
	}
}

func TestCandidatesBeforeAnswerQueue(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	h.queue(tr)
	if err := h.pool.Open(context.Background(), "b", true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.pool.AddRemoteCandidate("b", candidate("c1")); err != nil {
		t.Fatalf("AddRemoteCandidate: %v", err)
	}
	c, _ := h.pool.Get("b")
	if c.PendingCandidates() != 1 || len(tr.applied()) != 0 {
		t.Fatalf("pending=%d applied=%v, want queued", c.PendingCandidates(), tr.applied())
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote"}
	if err := h.pool.AcceptAnswer(context.Background(), "b", answer); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}
	if c.PendingCandidates() != 0 || !equalStrings(tr.applied(), []string{"c1"}) {
		t.Fatalf("pending=%d applied=%v, want flushed", c.PendingCandidates(), tr.applied())
	}
}

func TestAcceptAnswer_UnknownParticipant(t *testing.T) {
	h := newHarness(t)
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	if err := h.pool.AcceptAnswer(context.Background(), "z", answer); err != nil {
		t.Fatalf("AcceptAnswer: %v, want nil", err)
	}
}

func TestInjectedLoggerKeepsItsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil)).With("local_id", "a")
	pool := NewPool(Config{LocalID: "a", Logger: logger})

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	if err := pool.AcceptAnswer(context.Background(), "z", answer); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatalf("nothing logged")
	}
	if n := strings.Count(line, `"local_id"`); n != 1 {
		t.Fatalf("local_id appears %d times in %s, want 1", n, line)
	}
}

func TestNegotiationFailureClosesConnection(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{setRemoteErr: errors.New("bad sdp")}
	h.queue(tr)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "garbage"}
	err := h.pool.AcceptOffer(context.Background(), "b", offer)
	if !errors.Is(err, ErrNegotiationFailure) {
		t.Fatalf("err=%v, want ErrNegotiationFailure", err)
	}
	if h.pool.Has("b") || tr.closeCount() != 1 {
		t.Fatalf("connection not closed after failure")
	}
	if got := h.states.get(); !equalStrings(got, []string{"b:closed"}) {
		t.Fatalf("states=%v", got)
	}
	if h.metrics.Get(metrics.NegotiationFailure) != 1 {
		t.Fatalf("negotiation failures=%d, want 1", h.metrics.Get(metrics.NegotiationFailure))
	}
}

func TestStateChangesReportedOnce(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	h.queue(tr)
	if err := h.pool.Open(context.Background(), "b", true); err != nil {
		t.Fatalf("Open: %v", err)
	}

	tr.onState(webrtc.PeerConnectionStateConnecting)
	tr.onState(webrtc.PeerConnectionStateConnected)
	tr.onState(webrtc.PeerConnectionStateConnected)
	tr.onState(webrtc.PeerConnectionStateDisconnected)
	tr.onState(webrtc.PeerConnectionStateFailed)
	tr.onState(webrtc.PeerConnectionStateClosed)
	tr.onState(webrtc.PeerConnectionStateClosed)
	tr.onState(webrtc.PeerConnectionStateConnected)

	want := []string{"b:connected", "b:disconnected", "b:closed"}
	if got := h.states.get(); !equalStrings(got, want) {
		t.Fatalf("states=%v, want %v", got, want)
	}
	if h.pool.Has("b") {
		t.Fatalf("closed connection still pooled")
	}
	if !equalStrings(h.sink.detached, []string{"b"}) {
		t.Fatalf("detached=%v, want [b]", h.sink.detached)
	}
}

func TestLocalCandidatesFollowDescription(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	tr.onSetLocal = func() {
		tr.onICE(&webrtc.ICECandidate{
			Foundation: "1",
			Priority:   1,
			Address:    "10.0.0.1",
			Protocol:   webrtc.ICEProtocolUDP,
			Port:       5000,
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
		})
		tr.onICE(nil)
	}
	h.queue(tr)

	if err := h.pool.Open(context.Background(), "b", true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := []signaling.Event{signaling.EventOffer, signaling.EventICECandidate}
	got := h.signaler.events()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("sent=%v, want %v", got, want)
	}
}

func TestCloseAllContinuesPastFailures(t *testing.T) {
	h := newHarness(t)
	bad := &fakeTransport{panicOnClose: true}
	good := &fakeTransport{}
	h.queue(bad)
	h.queue(good)
	if err := h.pool.Open(context.Background(), "b", false); err != nil {
		t.Fatalf("Open b: %v", err)
	}
	if err := h.pool.Open(context.Background(), "c", false); err != nil {
		t.Fatalf("Open c: %v", err)
	}

	h.pool.CloseAll()
	h.pool.CloseAll()

	if bad.closeCount() != 1 || good.closeCount() != 1 {
		t.Fatalf("close counts b=%d c=%d, want 1/1", bad.closeCount(), good.closeCount())
	}
	if h.pool.Len() != 0 {
		t.Fatalf("Len=%d, want 0", h.pool.Len())
	}
	if len(h.states.get()) != 2 {
		t.Fatalf("states=%v, want two closed", h.states.get())
	}
	if err := h.pool.Open(context.Background(), "d", false); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Open after CloseAll err=%v, want ErrPoolClosed", err)
	}
	if err := h.pool.AddRemoteCandidate("b", candidate("c1")); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("AddRemoteCandidate after CloseAll err=%v, want ErrPoolClosed", err)
	}
}

func TestLateOfferAfterCloseAllIsDiscarded(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{createOfferGate: make(chan struct{})}
	h.queue(tr)

	errCh := make(chan error, 1)
	go func() { errCh <- h.pool.Open(context.Background(), "b", true) }()

	// Wait until the connection is pooled and blocked in CreateOffer.
	for !h.pool.Has("b") {
		time.Sleep(time.Millisecond)
	}
	h.pool.CloseAll()
	close(tr.createOfferGate)

	err := <-errCh
	if !errors.Is(err, ErrPoolClosed) && !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("err=%v, want pool or connection closed", err)
	}
	if got := h.signaler.events(); len(got) != 0 {
		t.Fatalf("sent=%v after CloseAll, want nothing", got)
	}
}

func TestOrphanCandidatesAreBounded(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < maxOrphanCandidates+1; i++ {
		if err := h.pool.AddRemoteCandidate("b", candidate("c")); err != nil {
			t.Fatalf("AddRemoteCandidate: %v", err)
		}
	}
	if got := h.metrics.Get(metrics.CandidatesDropped); got != 1 {
		t.Fatalf("dropped=%d, want 1", got)
	}
	if got := h.metrics.Get(metrics.CandidatesBuffered); got != maxOrphanCandidates {
		t.Fatalf("buffered=%d, want %d", got, maxOrphanCandidates)
	}
}
