package signaling

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes. The in-memory
// transport delivers asynchronously, so assertions on received messages need
// a grace period.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// observe subscribes a raw listener to a topic and returns a getter for the
// envelopes seen so far.
func observe(t *testing.T, ps *MemoryPubSub, topic string) func() []Envelope {
	t.Helper()

	handle, err := ps.Open(topic)
	if err != nil {
		t.Fatalf("open observer topic: %v", err)
	}

	var mu sync.Mutex
	var seen []Envelope
	err = handle.Subscribe(func(payload []byte) {
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return
		}
		mu.Lock()
		seen = append(seen, env)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe observer: %v", err)
	}

	return func() []Envelope {
		mu.Lock()
		defer mu.Unlock()
		return append([]Envelope(nil), seen...)
	}
}

func TestOpenAnnouncesReady(t *testing.T) {
	ps := NewMemoryPubSub()
	seen := observe(t, ps, SignalTopic("m1"))

	ch := NewChannel(ps)
	if err := ch.Open("m1", "u1", func(Envelope) {}); err != nil {
		t.Fatalf("open: %v", err)
	}

	waitFor(t, func() bool { return len(seen()) == 1 })
	env := seen()[0]
	if _, ok := env.Message.(Ready); !ok {
		t.Fatalf("expected ready announcement, got %T", env.Message)
	}
	if env.SenderID != "u1" {
		t.Fatalf("ready carries wrong sender: %q", env.SenderID)
	}
}

func TestSelfEnvelopesNeverDispatched(t *testing.T) {
	ps := NewMemoryPubSub()

	var mu sync.Mutex
	var got []Envelope
	ch := NewChannel(ps)
	err := ch.Open("m1", "u1", func(env Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Our own sends come back from the broadcast transport and must be
	// discarded before dispatch.
	ch.Send(Bye{})

	// A peer's message must be dispatched.
	peer := NewChannel(ps)
	if err := peer.Open("m1", "u2", func(Envelope) {}); err != nil {
		t.Fatalf("open peer: %v", err)
	}
	peer.Send(Bye{})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2 // peer's ready + peer's bye
	})

	mu.Lock()
	defer mu.Unlock()
	for _, env := range got {
		if env.SenderID == "u1" {
			t.Fatalf("self envelope dispatched: %T", env.Message)
		}
	}
}

func TestOpenIsIdempotentForSameMatch(t *testing.T) {
	ps := NewMemoryPubSub()
	ch := NewChannel(ps)

	if err := ch.Open("m1", "u1", func(Envelope) {}); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := ch.Open("m1", "u1", func(Envelope) {}); err != nil {
		t.Fatalf("second open: %v", err)
	}

	if n := ps.SubscriberCount(SignalTopic("m1")); n != 1 {
		t.Fatalf("expected a single subscription after double open, got %d", n)
	}
}

func TestOpenForNewMatchTearsDownPrevious(t *testing.T) {
	ps := NewMemoryPubSub()
	ch := NewChannel(ps)

	if err := ch.Open("m1", "u1", func(Envelope) {}); err != nil {
		t.Fatalf("open m1: %v", err)
	}
	if err := ch.Open("m2", "u1", func(Envelope) {}); err != nil {
		t.Fatalf("open m2: %v", err)
	}

	if n := ps.SubscriberCount(SignalTopic("m1")); n != 0 {
		t.Fatalf("old match subscription still live: %d", n)
	}
	if n := ps.SubscriberCount(SignalTopic("m2")); n != 1 {
		t.Fatalf("new match not subscribed: %d", n)
	}
	if ch.MatchID() != "m2" {
		t.Fatalf("channel match not updated: %q", ch.MatchID())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ps := NewMemoryPubSub()
	ch := NewChannel(ps)

	if err := ch.Open("m1", "u1", func(Envelope) {}); err != nil {
		t.Fatalf("open: %v", err)
	}

	ch.Close()
	ch.Close()

	if n := ps.SubscriberCount(SignalTopic("m1")); n != 0 {
		t.Fatalf("subscription survived close: %d", n)
	}

	// Sending after close is swallowed, not a panic.
	ch.Send(Bye{})
}
