package call

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/tone"
)

type fakeRelay struct {
	mu        sync.Mutex
	connected bool
	sent      []signaling.Message
	nextID    int
	subs      map[int]func(signaling.Message)
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{connected: true, subs: make(map[int]func(signaling.Message))}
}

func (r *fakeRelay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *fakeRelay) Send(_ context.Context, msg signaling.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return errors.New("relay down")
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *fakeRelay) Subscribe(fn func(signaling.Message)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// deliver dispatches msg to every subscriber in registration order, like
// the relay client's reader goroutine.
func (r *fakeRelay) deliver(msg signaling.Message) {
	r.mu.Lock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(signaling.Message), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (r *fakeRelay) subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *fakeRelay) sentTo(event signaling.Event) [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]string
	for _, m := range r.sent {
		if m.Event == event {
			out = append(out, []string(m.To))
		}
	}
	return out
}

type fakeMedia struct {
	mu          sync.Mutex
	acquireErr  error
	gate        chan struct{}
	releaseGate chan struct{}
	acquired    bool
	released    int
	muted       bool
	speakerOn   bool
	detached    []string
}

func (m *fakeMedia) Acquire(ctx context.Context) error {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return m.acquireErr
	}
	m.acquired = true
	return nil
}

func (m *fakeMedia) LocalTracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
}

func (m *fakeMedia) SetSpeakerOn(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speakerOn = on
}

func (m *fakeMedia) AttachRemote(string, *webrtc.TrackRemote) {}

func (m *fakeMedia) DetachRemote(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detached = append(m.detached, id)
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	m.released++
	gate := m.releaseGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

// blockRelease makes Release wait until the returned channel is closed.
func (m *fakeMedia) blockRelease() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseGate = make(chan struct{})
	return m.releaseGate
}

func (m *fakeMedia) isMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *fakeMedia) isSpeakerOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speakerOn
}

func (m *fakeMedia) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

type fakeTones struct {
	mu    sync.Mutex
	kinds []tone.Kind
}

func (f *fakeTones) Set(k tone.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.kinds) > 0 && f.kinds[len(f.kinds)-1] == k {
		return
	}
	f.kinds = append(f.kinds, k)
}

func (f *fakeTones) get() []tone.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tone.Kind(nil), f.kinds...)
}

type fakeTransport struct {
	mu         sync.Mutex
	remote     *webrtc.SessionDescription
	candidates []string
	closed     int

	onState func(webrtc.PeerConnectionState)
}

func (t *fakeTransport) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }

func (t *fakeTransport) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (t *fakeTransport) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
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

func (t *fakeTransport) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (t *fakeTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = f
}

func (t *fakeTransport) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) setState(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	f := t.onState
	t.mu.Unlock()
	f(s)
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

type transports struct {
	mu  sync.Mutex
	all []*fakeTransport
}

func (ts *transports) factory() peer.TransportFactory {
	return func() (peer.Transport, error) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		t := &fakeTransport{}
		ts.all = append(ts.all, t)
		return t, nil
	}
}

func (ts *transports) get(i int) *fakeTransport {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.all[i]
}

func (ts *transports) len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.all)
}

type fakeTicker struct {
	c       chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	ticker *fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticker = &fakeTicker{c: make(chan time.Time, 1)}
	return c.ticker
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now, t := c.now, c.ticker
	c.mu.Unlock()
	if t != nil {
		t.c <- now
	}
}

type recorder struct {
	mu        sync.Mutex
	changes   []StatusChange
	durations chan time.Duration
}

func newRecorder() *recorder {
	return &recorder{durations: make(chan time.Duration, 16)}
}

func (r *recorder) OnStatus(c StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) OnDuration(d time.Duration) {
	r.durations <- d
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

func (r *recorder) nextDuration(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-r.durations:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for duration tick")
		return 0
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func equalStatuses(a, b []Status) bool {
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
