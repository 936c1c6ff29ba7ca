// Package config carries runtime configuration for the client and broker
// binaries. Defaults are safe for local development; environment variables
// override them in deployment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/heartwire/callcore/internal/callstore"
)

// ClientConfig configures the calling client.
type ClientConfig struct {
	// BrokerURL is the signaling broker's WebSocket endpoint.
	BrokerURL string
	// CredentialURL vends ICE servers; empty means STUN-only fallback.
	CredentialURL string
	// PollInterval is the call status liveness poll period.
	PollInterval time.Duration
	// Postgres is the call record backend. An empty host selects the
	// in-memory store.
	Postgres callstore.PostgresConfig
}

// BrokerConfig configures the broker binary.
type BrokerConfig struct {
	ListenAddr string

	// TURN relay settings. An empty secret disables both the embedded
	// relay and the credential endpoint.
	TURNSecret   string
	TURNRealm    string
	TURNPublicIP string
	TURNPort     int
	TURNURIs     []string
	TURNTTL      time.Duration
	// EmbedTURN starts the relay inside the broker process.
	EmbedTURN bool
}

// NewClientConfig returns development defaults with environment overrides.
func NewClientConfig() ClientConfig {
	return ClientConfig{
		BrokerURL:     envString("CALLCORE_BROKER_URL", "ws://localhost:8080/v1/signal"),
		CredentialURL: envString("CALLCORE_CREDENTIAL_URL", "http://localhost:8080/v1/turn-credentials"),
		PollInterval:  envDuration("CALLCORE_POLL_INTERVAL", 2*time.Second),
		Postgres: callstore.PostgresConfig{
			Host:     envString("CALLCORE_PG_HOST", ""),
			Port:     envInt("CALLCORE_PG_PORT", 5432),
			Database: envString("CALLCORE_PG_DATABASE", "callcore"),
			Username: envString("CALLCORE_PG_USER", "callcore"),
			Password: envString("CALLCORE_PG_PASSWORD", ""),
			SSLMode:  envString("CALLCORE_PG_SSLMODE", "disable"),
		},
	}
}

// NewBrokerConfig returns development defaults with environment overrides.
func NewBrokerConfig() BrokerConfig {
	return BrokerConfig{
		ListenAddr:   envString("CALLCORE_LISTEN_ADDR", ":8080"),
		TURNSecret:   envString("CALLCORE_TURN_SECRET", ""),
		TURNRealm:    envString("CALLCORE_TURN_REALM", "callcore"),
		TURNPublicIP: envString("CALLCORE_TURN_PUBLIC_IP", ""),
		TURNPort:     envInt("CALLCORE_TURN_PORT", 3478),
		TURNTTL:      envDuration("CALLCORE_TURN_TTL", 24*time.Hour),
		EmbedTURN:    envBool("CALLCORE_EMBED_TURN", false),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
