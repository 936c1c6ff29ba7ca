package ice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

const fixture = `{
	"iceServers": [
		{"urls": ["stun:stun.example.com:3478"]},
		{"urls": ["turn:turn.example.com:3478"], "username": "1756700000:u1", "credential": "c2VjcmV0"}
	],
	"ttl": 86400
}`

func TestRefreshFetchesVendedServers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(fixture))
	}))
	defer srv.Close()

	p := NewProvider(srv.URL)
	servers := p.Refresh(context.Background())

	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[1].Username == "" || servers[1].Credential == nil {
		t.Fatalf("TURN credentials not carried through: %+v", servers[1])
	}

	// Credentials are time-boxed: each refresh must hit the endpoint again.
	p.Refresh(context.Background())
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected a fetch per refresh, got %d calls", got)
	}
}

func TestRefreshFallsBackOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProvider(srv.URL)
	servers := p.Refresh(context.Background())

	if len(servers) == 0 {
		t.Fatal("fallback list must never be empty")
	}
	if servers[0].Username != "" {
		t.Fatalf("fallback should be credential-free STUN, got %+v", servers[0])
	}
}

func TestRefreshKeepsLastGoodSetAfterFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(fixture))
	}))
	defer srv.Close()

	p := NewProvider(srv.URL)
	first := p.Refresh(context.Background())
	if len(first) != 2 {
		t.Fatalf("seed refresh failed: %d servers", len(first))
	}

	fail.Store(true)
	second := p.Refresh(context.Background())
	if len(second) != 2 {
		t.Fatalf("expected last good set to survive endpoint outage, got %d servers", len(second))
	}
}

func TestEmptyEndpointServesFallback(t *testing.T) {
	p := NewProvider("")
	if len(p.Refresh(context.Background())) == 0 {
		t.Fatal("empty endpoint must still yield the static list")
	}
}
