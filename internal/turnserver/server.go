// Package turnserver embeds a TURN relay so a single binary can serve
// signaling and relay for deployments without managed TURN. Clients
// authenticate with the time-boxed credentials the broker vends; both sides
// derive keys from the same shared secret, so no user database is involved.
package turnserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/pion/turn/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Config describes the relay.
type Config struct {
	Realm    string
	Secret   string // shared with the broker's credential endpoint
	PublicIP string // address advertised in relayed candidates
	Port     int
	// ThreadNum is the number of UDP listeners sharing the port via
	// SO_REUSEPORT; the kernel load-balances packets across them.
	ThreadNum int

	MinRelayPort uint16
	MaxRelayPort uint16
}

// Server wraps a pion TURN server with lifecycle management.
type Server struct {
	logger *zap.Logger
	config Config

	mu        sync.RWMutex
	server    *turn.Server
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	done      chan struct{}
	startTime time.Time
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	ActiveAllocations int
	Uptime            time.Duration
}

func New(config Config) (*Server, error) {
	if config.Secret == "" {
		return nil, fmt.Errorf("turnserver: secret cannot be empty")
	}
	if config.Realm == "" {
		config.Realm = "callcore"
	}
	if config.Port == 0 {
		config.Port = 3478
	}
	if config.ThreadNum <= 0 {
		config.ThreadNum = 4
	}
	if config.MinRelayPort == 0 {
		config.MinRelayPort = 49152
	}
	if config.MaxRelayPort == 0 {
		config.MaxRelayPort = 65535
	}
	if net.ParseIP(config.PublicIP) == nil {
		return nil, fmt.Errorf("turnserver: invalid public IP %q", config.PublicIP)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		logger: zap.L().Named("turnserver"),
		config: config,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Start binds the listeners and begins relaying.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("turnserver: already running")
	}

	server, err := s.build()
	if err != nil {
		return err
	}

	s.server = server
	s.running = true
	s.startTime = time.Now()
	go s.monitor()

	s.logger.Info("TURN server started",
		zap.Int("port", s.config.Port),
		zap.String("publicIp", s.config.PublicIP),
		zap.Int("listeners", s.config.ThreadNum))
	return nil
}

func (s *Server) build() (*turn.Server, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("0.0.0.0:%d", s.config.Port))
	if err != nil {
		return nil, fmt.Errorf("turnserver: resolve listen address: %w", err)
	}

	// All listeners share the port; SO_REUSEPORT makes the kernel spread
	// the load per IP 5-tuple.
	listenerConfig := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if cerr := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); cerr != nil {
				return cerr
			}
			return operr
		},
	}

	relayGen := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: net.ParseIP(s.config.PublicIP),
		Address:      "0.0.0.0",
		MinPort:      s.config.MinRelayPort,
		MaxPort:      s.config.MaxRelayPort,
	}
	if err := relayGen.Validate(); err != nil {
		return nil, fmt.Errorf("turnserver: validate relay generator: %w", err)
	}

	packetConnConfigs := make([]turn.PacketConnConfig, s.config.ThreadNum)
	for i := range packetConnConfigs {
		conn, err := listenerConfig.ListenPacket(s.ctx, addr.Network(), addr.String())
		if err != nil {
			return nil, fmt.Errorf("turnserver: listener %d on %s: %w", i, addr, err)
		}
		packetConnConfigs[i] = turn.PacketConnConfig{
			PacketConn:            conn,
			RelayAddressGenerator: relayGen,
		}
	}

	server, err := turn.NewServer(turn.ServerConfig{
		Realm: s.config.Realm,
		AuthHandler: turn.NewLongTermAuthHandler(s.config.Secret,
			logging.NewDefaultLoggerFactory().NewLogger("turn")),
		PacketConnConfigs: packetConnConfigs,
	})
	if err != nil {
		return nil, fmt.Errorf("turnserver: create server: %w", err)
	}
	return server, nil
}

// Stop shuts the relay down and waits for the monitor to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	if err := s.server.Close(); err != nil {
		return fmt.Errorf("turnserver: close: %w", err)
	}
	s.running = false

	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("turnserver: timeout waiting for shutdown")
	}

	s.logger.Info("TURN server stopped")
	return nil
}

func (s *Server) monitor() {
	defer close(s.done)

	tick := time.NewTicker(30 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-tick.C:
			s.mu.RLock()
			if s.running && s.server != nil {
				s.logger.Debug("relay allocations",
					zap.Int("count", s.server.AllocationCount()))
			}
			s.mu.RUnlock()
		}
	}
}

// IsRunning reports whether the relay is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetStats snapshots the relay for diagnostics.
func (s *Server) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{}
	if s.running {
		stats.Uptime = time.Since(s.startTime)
	}
	if s.server != nil {
		stats.ActiveAllocations = s.server.AllocationCount()
	}
	return stats
}
