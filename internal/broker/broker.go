// Package broker is the server side of the signaling path: a WebSocket
// pub/sub fan-out plus the HTTP endpoint that vends time-boxed TURN
// credentials. It relays opaque payloads between subscribers of a topic and
// never inspects the SDP inside.
package broker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/turn/v4"
	"go.uber.org/zap"

	"github.com/heartwire/callcore/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // SDP with many candidates stays well under this
	clientQueue    = 64
)

// TURNConfig describes the relay whose credentials the broker vends. An empty
// Secret disables the credential endpoint.
type TURNConfig struct {
	Secret string
	URIs   []string // turn:host:port entries handed to clients
	TTL    time.Duration
}

// Server fans published frames out to every subscriber of a topic, the
// publisher included; senders filter their own messages client-side.
type Server struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	turn     TURNConfig

	mu     sync.Mutex
	topics map[string]map[*client]struct{}
}

func NewServer(turnCfg TURNConfig) *Server {
	if turnCfg.TTL <= 0 {
		turnCfg.TTL = 24 * time.Hour
	}
	return &Server{
		logger: zap.L().Named("broker"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The broker fronts mobile clients from any origin; auth
			// belongs to the API gateway in front of it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		turn:   turnCfg,
		topics: make(map[string]map[*client]struct{}),
	}
}

// Handler mounts the broker's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/signal", s.handleSignal)
	mux.HandleFunc("/v1/turn-credentials", s.handleTURNCredentials)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// client is one WebSocket connection. outbound is never closed: publish may
// hold a reference to a client that is concurrently disconnecting, so
// shutdown is signalled through done instead, and writePump exits on it.
type client struct {
	conn     *websocket.Conn
	outbound chan []byte
	done     chan struct{}

	mu     sync.Mutex
	topics map[string]struct{}
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	c := &client{
		conn:     conn,
		outbound: make(chan []byte, clientQueue),
		done:     make(chan struct{}),
		topics:   make(map[string]struct{}),
	}

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer s.disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f signaling.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("client connection lost", zap.Error(err))
			}
			return
		}

		switch f.Op {
		case signaling.OpSubscribe:
			s.subscribe(c, f.Topic)
		case signaling.OpUnsubscribe:
			s.unsubscribe(c, f.Topic)
		case signaling.OpPublish:
			s.publish(f.Topic, f.Payload)
		default:
			s.logger.Debug("unknown frame op", zap.String("op", f.Op))
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) subscribe(c *client, topic string) {
	if topic == "" {
		return
	}

	s.mu.Lock()
	subs := s.topics[topic]
	if subs == nil {
		subs = make(map[*client]struct{})
		s.topics[topic] = subs
	}
	subs[c] = struct{}{}
	s.mu.Unlock()

	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()

	s.logger.Debug("subscribed", zap.String("topic", topic))
}

func (s *Server) unsubscribe(c *client, topic string) {
	s.mu.Lock()
	if subs := s.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(s.topics, topic)
		}
	}
	s.mu.Unlock()

	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (s *Server) publish(topic string, payload json.RawMessage) {
	frame, err := json.Marshal(signaling.Frame{
		Op:      signaling.OpMessage,
		Topic:   topic,
		Payload: payload,
	})
	if err != nil {
		s.logger.Error("encode message frame", zap.Error(err))
		return
	}

	s.mu.Lock()
	subs := make([]*client, 0, len(s.topics[topic]))
	for c := range s.topics[topic] {
		subs = append(subs, c)
	}
	s.mu.Unlock()

	for _, c := range subs {
		select {
		case c.outbound <- frame:
		case <-c.done:
			// Client disconnected between the snapshot and the send.
		default:
			// Backpressure: a subscriber that cannot drain its queue
			// loses messages rather than stalling the topic.
			s.logger.Warn("dropping frame for slow subscriber", zap.String("topic", topic))
		}
	}
}

func (s *Server) disconnect(c *client) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	for _, t := range topics {
		s.unsubscribe(c, t)
	}
	close(c.done)
}

// SubscriberCount reports the current subscriber count for a topic.
func (s *Server) SubscriberCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics[topic])
}

// turnCredentialsResponse matches what the client-side ICE provider expects.
type turnCredentialsResponse struct {
	ICEServers []iceServerEntry `json:"iceServers"`
	TTL        int64            `json:"ttl"`
}

type iceServerEntry struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// handleTURNCredentials vends long-term credentials derived from the shared
// secret, so the TURN server can verify them without a database lookup.
func (s *Server) handleTURNCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.turn.Secret == "" || len(s.turn.URIs) == 0 {
		http.Error(w, "no relay configured", http.StatusNotFound)
		return
	}

	username, password, err := turn.GenerateLongTermCredentials(s.turn.Secret, s.turn.TTL)
	if err != nil {
		s.logger.Error("generate turn credentials", zap.Error(err))
		http.Error(w, "credential generation failed", http.StatusInternalServerError)
		return
	}

	resp := turnCredentialsResponse{
		ICEServers: []iceServerEntry{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: s.turn.URIs, Username: username, Credential: password},
		},
		TTL: int64(s.turn.TTL.Seconds()),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("write credential response", zap.Error(err))
	}
}

// ListenAndServe runs the broker on addr until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  0, // WebSocket connections are long-lived
		WriteTimeout: 0,
	}
	s.logger.Info("broker listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil {
		return fmt.Errorf("broker: serve %s: %w", addr, err)
	}
	return nil
}
