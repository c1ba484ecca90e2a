package signaling

import (
	"context"
	"sync"
)

// Broker delivers encoded messages to the connections of a participant.
// Deliveries to one participant preserve publish order.
type Broker interface {
	// Subscribe registers deliver for participantID until the returned
	// function is called. deliver must not block.
	Subscribe(ctx context.Context, participantID string, deliver func(payload []byte)) (unsubscribe func(), err error)

	// Publish hands payload to every subscriber of participantID and reports
	// whether at least one received it.
	Publish(ctx context.Context, participantID string, payload []byte) (delivered bool, err error)

	Close() error
}

// LocalBroker delivers within one relay process.
type LocalBroker struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]func([]byte)
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[uint64]func([]byte))}
}

func (b *LocalBroker) Subscribe(_ context.Context, participantID string, deliver func([]byte)) (func(), error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[participantID] == nil {
		b.subs[participantID] = make(map[uint64]func([]byte))
	}
	b.subs[participantID][id] = deliver
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[participantID], id)
			if len(b.subs[participantID]) == 0 {
				delete(b.subs, participantID)
			}
		})
	}, nil
}

func (b *LocalBroker) Publish(_ context.Context, participantID string, payload []byte) (bool, error) {
	// Deliveries happen under the lock to keep per-subscriber publish order.
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[participantID]
	for _, deliver := range subs {
		deliver(payload)
	}
	return len(subs) > 0, nil
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	b.subs = make(map[string]map[uint64]func([]byte))
	b.mu.Unlock()
	return nil
}
