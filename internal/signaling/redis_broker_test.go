package signaling

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRedisChannel(t *testing.T) {
	if got := redisChannel("U42"); got != "aero-voice:participant:U42" {
		t.Fatalf("redisChannel=%q", got)
	}
}

func TestNewRedisBroker_InvalidURL(t *testing.T) {
	if _, err := NewRedisBroker(context.Background(), "http://localhost", nil); err == nil {
		t.Fatalf("expected error for non-redis url")
	}
}

// TestRedisBroker_RoundTrip needs a live server:
// AERO_VOICE_TEST_REDIS_URL=redis://127.0.0.1:6379/0 go test ./internal/signaling
func TestRedisBroker_RoundTrip(t *testing.T) {
	rawURL := os.Getenv("AERO_VOICE_TEST_REDIS_URL")
	if rawURL == "" {
		t.Skip("AERO_VOICE_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := NewRedisBroker(ctx, rawURL, nil)
	if err != nil {
		t.Fatalf("NewRedisBroker: %v", err)
	}
	defer b.Close()

	participant := "test-" + uuid.NewString()
	if ok, err := b.Publish(ctx, participant, []byte("early")); err != nil || ok {
		t.Fatalf("Publish before subscribe=%v,%v, want undelivered", ok, err)
	}

	got := make(chan string, 4)
	unsubscribe, err := b.Subscribe(ctx, participant, func(p []byte) { got <- string(p) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for _, p := range []string{"1", "2"} {
		ok, err := b.Publish(ctx, participant, []byte(p))
		if err != nil || !ok {
			t.Fatalf("Publish(%s)=%v,%v, want delivered", p, ok, err)
		}
	}
	for _, want := range []string{"1", "2"} {
		select {
		case p := <-got:
			if p != want {
				t.Fatalf("payload=%q, want %q", p, want)
			}
		case <-ctx.Done():
			t.Fatalf("timeout waiting for %q", want)
		}
	}

	unsubscribe()
	if ok, err := b.Publish(ctx, participant, []byte("late")); err != nil || ok {
		t.Fatalf("Publish after unsubscribe=%v,%v, want undelivered", ok, err)
	}
}
