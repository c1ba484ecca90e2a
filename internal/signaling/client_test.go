package signaling

import (
	"context"
	"errors"
	"testing"
	"time"
)

func dialClient(t *testing.T, wsURL, participant string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, ClientConfig{URL: wsURL, Participant: participant})
	if err != nil {
		t.Fatalf("Dial(%s): %v", participant, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_SendAndSubscribe(t *testing.T) {
	srv, wsURL := startRelay(t, Config{})

	a := dialClient(t, wsURL, "A")
	b := dialClient(t, wsURL, "B")
	waitConnections(t, srv, 2)

	got := make(chan Message, 4)
	order := make(chan int, 8)
	unsubscribe := b.Subscribe(func(m Message) {
		order <- 1
		got <- m
	})
	b.Subscribe(func(Message) { order <- 2 })

	ctx := context.Background()
	if err := a.Send(ctx, Message{Event: EventCallAccepted, To: Recipients{"B"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case m := <-got:
		if m.Event != EventCallAccepted || m.From != "A" {
			t.Fatalf("event=%q from=%q, want callAccepted from A", m.Event, m.From)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for message")
	}

	unsubscribe()
	if err := a.Send(ctx, Message{Event: EventCallEnded, To: Recipients{"B"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Round-trip a message to A so B has certainly processed callEnded.
	done := make(chan struct{})
	a.Subscribe(func(m Message) {
		if m.Event == EventUserBusy {
			close(done)
		}
	})
	b.Subscribe(func(m Message) {
		if m.Event == EventCallEnded {
			_ = b.Send(ctx, Message{Event: EventUserBusy, To: Recipients{"A"}})
		}
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for round trip")
	}
	select {
	case m := <-got:
		t.Fatalf("unsubscribed handler received %#v", m)
	default:
	}
	if first, second := <-order, <-order; first != 1 || second != 2 {
		t.Fatalf("dispatch order=%d,%d, want registration order", first, second)
	}
}

func TestClient_SendAfterClose(t *testing.T) {
	_, wsURL := startRelay(t, Config{})

	c := dialClient(t, wsURL, "A")
	if !c.Connected() {
		t.Fatalf("Connected=false after Dial")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.Connected() {
		t.Fatalf("Connected=true after Close")
	}
	if err := c.Send(context.Background(), Message{Event: EventCallEnded, To: Recipients{"B"}}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v, want %v", err, ErrNotConnected)
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("Wait=%v, want nil after local close", err)
	}
}

func TestClient_ServerCloseMarksDisconnected(t *testing.T) {
	srv, wsURL := startRelay(t, Config{})

	c := dialClient(t, wsURL, "A")
	waitConnections(t, srv, 1)
	srv.Close()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for disconnect")
	}
	if c.Connected() {
		t.Fatalf("Connected=true after server close")
	}
}

func TestDial_Unauthorized(t *testing.T) {
	_, wsURL := startRelay(t, Config{})

	// Without credentials the relay waits for an auth message, then closes.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, ClientConfig{URL: wsURL})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for relay to close unauthenticated client")
	}
}
