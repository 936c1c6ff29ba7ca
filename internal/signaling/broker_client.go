package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// BrokerClient is the PubSub implementation over a WebSocket connection to
// the signaling broker. One connection multiplexes every topic the process
// subscribes to. A dropped connection is redialed in the background and the
// live subscriptions replayed, so open topics survive a broker restart.
type BrokerClient struct {
	logger *zap.Logger
	url    string

	// writeMu serializes writes; gorilla/websocket allows one writer at a time.
	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]func([]byte)
	closed   bool
}

const (
	dialAttempts   = 4
	redialAttempts = 8
)

// DialBroker connects to the broker's WebSocket endpoint, retrying with
// bounded exponential backoff. The returned client is ready for Open calls.
func DialBroker(ctx context.Context, url string) (*BrokerClient, error) {
	var conn *websocket.Conn

	dial := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dialAttempts-1), ctx)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, fmt.Errorf("signaling: dial broker %s: %w", url, err)
	}

	c := &BrokerClient{
		logger:   zap.L().Named("broker-client"),
		url:      url,
		conn:     conn,
		handlers: make(map[string]func([]byte)),
	}
	go c.readLoop()

	return c, nil
}

// Open binds a topic handle on this connection.
func (c *BrokerClient) Open(topic string) (Topic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("signaling: broker connection closed")
	}
	return &brokerTopic{client: c, name: topic}, nil
}

// Close tears down the connection. Every open topic becomes unusable.
func (c *BrokerClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handlers = make(map[string]func([]byte))
	conn := c.conn
	c.mu.Unlock()

	return conn.Close()
}

func (c *BrokerClient) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			c.logger.Warn("broker connection lost, redialing", zap.Error(err))
			if !c.redial() {
				return
			}
			continue
		}

		if f.Op != OpMessage {
			c.logger.Debug("ignoring unexpected frame", zap.String("op", f.Op))
			continue
		}

		c.mu.Lock()
		handler := c.handlers[f.Topic]
		c.mu.Unlock()

		if handler != nil {
			handler(f.Payload)
		}
	}
}

// redial replaces the dead connection and replays the subscribe frames for
// every live handler. Returns false when the client is closed or the broker
// stayed unreachable through the backoff window.
func (c *BrokerClient) redial() bool {
	var conn *websocket.Conn
	dial := func() error {
		newConn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			return err
		}
		conn = newConn
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), redialAttempts-1)
	if err := backoff.Retry(dial, policy); err != nil {
		c.logger.Error("broker redial failed, giving up", zap.Error(err))
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		if err := c.send(Frame{Op: OpSubscribe, Topic: topic}); err != nil {
			c.logger.Warn("resubscribe after redial",
				zap.String("topic", topic), zap.Error(err))
		}
	}
	c.logger.Info("broker connection restored", zap.Int("topics", len(topics)))
	return true
}

func (c *BrokerClient) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn.WriteJSON(f)
}

type brokerTopic struct {
	client *BrokerClient
	name   string

	mu         sync.Mutex
	subscribed bool
}

func (t *brokerTopic) Subscribe(onMessage func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscribed {
		return nil
	}

	t.client.mu.Lock()
	if t.client.closed {
		t.client.mu.Unlock()
		return fmt.Errorf("signaling: broker connection closed")
	}
	t.client.handlers[t.name] = onMessage
	t.client.mu.Unlock()

	if err := t.client.send(Frame{Op: OpSubscribe, Topic: t.name}); err != nil {
		t.client.mu.Lock()
		delete(t.client.handlers, t.name)
		t.client.mu.Unlock()
		return fmt.Errorf("signaling: subscribe %s: %w", t.name, err)
	}

	t.subscribed = true
	return nil
}

// Publish does not require a subscription; send-only topics are valid.
func (t *brokerTopic) Publish(payload []byte) error {
	return t.client.send(Frame{Op: OpPublish, Topic: t.name, Payload: json.RawMessage(payload)})
}

func (t *brokerTopic) Unsubscribe() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.subscribed {
		return nil
	}
	t.subscribed = false

	t.client.mu.Lock()
	delete(t.client.handlers, t.name)
	t.client.mu.Unlock()

	if err := t.client.send(Frame{Op: OpUnsubscribe, Topic: t.name}); err != nil {
		return fmt.Errorf("signaling: unsubscribe %s: %w", t.name, err)
	}
	return nil
}
