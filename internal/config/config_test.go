package config

import (
	"testing"
	"time"
)

func TestClientDefaults(t *testing.T) {
	cfg := NewClientConfig()
	if cfg.BrokerURL == "" {
		t.Fatal("broker URL default missing")
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("poll interval = %s, want 2s", cfg.PollInterval)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CALLCORE_BROKER_URL", "wss://broker.example.com/v1/signal")
	t.Setenv("CALLCORE_POLL_INTERVAL", "500ms")
	t.Setenv("CALLCORE_TURN_PORT", "3479")
	t.Setenv("CALLCORE_EMBED_TURN", "true")

	client := NewClientConfig()
	if client.BrokerURL != "wss://broker.example.com/v1/signal" {
		t.Fatalf("broker URL = %q", client.BrokerURL)
	}
	if client.PollInterval != 500*time.Millisecond {
		t.Fatalf("poll interval = %s", client.PollInterval)
	}

	broker := NewBrokerConfig()
	if broker.TURNPort != 3479 {
		t.Fatalf("turn port = %d", broker.TURNPort)
	}
	if !broker.EmbedTURN {
		t.Fatal("embed turn override ignored")
	}
}

func TestMalformedEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("CALLCORE_TURN_PORT", "not-a-number")
	t.Setenv("CALLCORE_POLL_INTERVAL", "soon")

	if got := NewBrokerConfig().TURNPort; got != 3478 {
		t.Fatalf("turn port = %d, want default 3478", got)
	}
	if got := NewClientConfig().PollInterval; got != 2*time.Second {
		t.Fatalf("poll interval = %s, want default 2s", got)
	}
}
