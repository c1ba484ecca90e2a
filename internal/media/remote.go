package media

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// GainStage is a per-participant playback level.
type GainStage struct {
	bits atomic.Uint64
}

func NewGainStage(gain float64) *GainStage {
	g := &GainStage{}
	g.Set(gain)
	return g
}

func (g *GainStage) Set(gain float64) { g.bits.Store(math.Float64bits(gain)) }

func (g *GainStage) Gain() float64 { return math.Float64frombits(g.bits.Load()) }

type packetReader interface {
	ReadPacket() (*rtp.Packet, error)
}

type trackReader struct {
	track *webrtc.TrackRemote
}

func (r trackReader) ReadPacket() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}

// RemoteStream plays one participant's incoming audio through its gain
// stage. It is owned by that participant's connection.
type RemoteStream struct {
	participantID string
	reader        packetReader
	gain          *GainStage
	out           Output

	packets atomic.Uint64

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func newRemoteStream(participantID string, reader packetReader, gain *GainStage, out Output) *RemoteStream {
	return &RemoteStream{
		participantID: participantID,
		reader:        reader,
		gain:          gain,
		out:           out,
		stopped:       make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (r *RemoteStream) ParticipantID() string { return r.participantID }

func (r *RemoteStream) Gain() *GainStage { return r.gain }

// Packets is the number of packets handed to the output.
func (r *RemoteStream) Packets() uint64 { return r.packets.Load() }

func (r *RemoteStream) run() {
	defer close(r.done)
	for {
		pkt, err := r.reader.ReadPacket()
		if err != nil {
			return
		}
		select {
		case <-r.stopped:
			return
		default:
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		r.packets.Add(1)
		r.out.Play(r.participantID, pkt.Payload, r.gain.Gain())
	}
}

// Stop detaches the stream from the output. The reader goroutine exits on
// its next packet or when the underlying track ends.
func (r *RemoteStream) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

func (r *RemoteStream) Stopped() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

// Done is closed when the reader goroutine has exited.
func (r *RemoteStream) Done() <-chan struct{} { return r.done }
