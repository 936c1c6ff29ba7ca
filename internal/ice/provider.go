// Package ice resolves the STUN/TURN server set used for new sessions.
// Credentials are time-boxed, so the set is re-fetched before every session
// initialization rather than cached for the process lifetime.
package ice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// fallbackServers is the static list used whenever the credential endpoint
// cannot be reached. STUN-only: calls behind symmetric NAT will fail without
// the vended TURN relay, but a degraded call beats no call.
var fallbackServers = []webrtc.ICEServer{
	{URLs: []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}},
}

// FallbackServers returns a copy of the static STUN list.
func FallbackServers() []webrtc.ICEServer {
	return append([]webrtc.ICEServer(nil), fallbackServers...)
}

// credentialResponse is the wire shape of the credential endpoint.
type credentialResponse struct {
	ICEServers []struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username,omitempty"`
		Credential string   `json:"credential,omitempty"`
	} `json:"iceServers"`
	TTLSeconds int64 `json:"ttl,omitempty"`
}

// Provider fetches fresh ICE server descriptors from the credential
// endpoint. Refresh never fails: on any error the last known-good set, or
// the static fallback, is returned instead.
type Provider struct {
	logger   *zap.Logger
	endpoint string
	client   *http.Client

	mu        sync.Mutex
	current   []webrtc.ICEServer
	fetchedAt time.Time
	ttl       time.Duration
}

const (
	fetchTimeout  = 5 * time.Second
	fetchAttempts = 3
)

// NewProvider creates a provider for the given credential endpoint URL. An
// empty endpoint yields a provider that always serves the fallback list.
func NewProvider(endpoint string) *Provider {
	return &Provider{
		logger:   zap.L().Named("ice"),
		endpoint: endpoint,
		client:   &http.Client{Timeout: fetchTimeout},
		current:  FallbackServers(),
	}
}

// Refresh fetches a fresh server set with short bounded retries. It is called
// before each session initialization; the previous set stays in place when
// the fetch fails, so the caller always gets a usable configuration.
func (p *Provider) Refresh(ctx context.Context) []webrtc.ICEServer {
	if p.endpoint == "" {
		return FallbackServers()
	}

	var servers []webrtc.ICEServer
	var ttl time.Duration

	fetch := func() error {
		s, d, err := p.fetchOnce(ctx)
		if err != nil {
			return err
		}
		servers = s
		ttl = d
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), fetchAttempts-1), ctx)
	if err := backoff.Retry(fetch, policy); err != nil {
		p.logger.Warn("credential fetch failed, using previous or fallback servers",
			zap.Error(err))
		return p.Servers()
	}

	p.mu.Lock()
	p.current = servers
	p.fetchedAt = time.Now()
	p.ttl = ttl
	p.mu.Unlock()

	p.logger.Info("refreshed ICE servers",
		zap.Int("count", len(servers)), zap.Duration("ttl", ttl))
	return append([]webrtc.ICEServer(nil), servers...)
}

// Servers returns the current set without fetching.
func (p *Provider) Servers() []webrtc.ICEServer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICEServer(nil), p.current...)
}

func (p *Provider) fetchOnce(ctx context.Context) ([]webrtc.ICEServer, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build credential request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("credential request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("credential endpoint returned %s", resp.Status)
	}

	var body credentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, 0, fmt.Errorf("decode credential response: %w", err)
	}
	if len(body.ICEServers) == 0 {
		return nil, 0, fmt.Errorf("credential endpoint returned no servers")
	}

	servers := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return servers, time.Duration(body.TTLSeconds) * time.Second, nil
}
