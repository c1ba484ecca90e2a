package media

import "sync"

// Level is what a MeterOutput has seen from one participant.
type Level struct {
	Packets uint64
	Bytes   uint64
	// Audible counts packets played at a gain above zero.
	Audible uint64
}

// MeterOutput is an Output that counts audio instead of playing it.
type MeterOutput struct {
	mu     sync.Mutex
	levels map[string]Level
}

func NewMeterOutput() *MeterOutput {
	return &MeterOutput{levels: make(map[string]Level)}
}

func (m *MeterOutput) Play(participantID string, payload []byte, gain float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.levels[participantID]
	l.Packets++
	l.Bytes += uint64(len(payload))
	if gain > 0 {
		l.Audible++
	}
	m.levels[participantID] = l
}

func (m *MeterOutput) Level(participantID string) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[participantID]
}
