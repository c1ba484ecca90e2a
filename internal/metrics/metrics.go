package metrics

import "sync"

// Event names counted by the relay and the call core.
const (
	CallStarted           = "call_started"
	CallConnected         = "call_connected"
	CallEnded             = "call_ended"
	CallRejected          = "call_rejected"
	CallBusy              = "call_busy"
	MediaUnavailable      = "media_unavailable"
	SignalingUnavailable  = "signaling_unavailable"
	NegotiationFailure    = "negotiation_failure"
	TransportDisconnected = "transport_disconnected"
	CandidatesBuffered    = "candidates_buffered"
	CandidatesApplied     = "candidates_applied"
	CandidatesDropped     = "candidates_dropped"

	RelayConnections = "relay_connections"
	RelayForwarded   = "relay_forwarded"
	RelayDropped     = "relay_dropped"
	RateLimited      = "rate_limited"
	AuthFailure      = "auth_failure"
	ProtocolError    = "protocol_error"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards every update, so components can take
// an optional registry without guarding each call site.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
