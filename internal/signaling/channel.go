package signaling

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Channel delivers envelopes between the two participants of one match. A
// channel owns at most one topic subscription at a time; opening it for a
// different match tears the previous subscription down first.
//
// Send is fire-and-forget. A publish that never reaches the peer stalls the
// handshake rather than surfacing an error here; the orchestrator's stale-call
// polling is the backstop that eventually reaps a call that cannot connect.
type Channel struct {
	logger *zap.Logger
	pubsub PubSub

	mu          sync.Mutex
	topic       Topic
	matchID     string
	localUserID string
}

// NewChannel creates a closed channel bound to a transport.
func NewChannel(pubsub PubSub) *Channel {
	return &Channel{
		logger: zap.L().Named("signaling"),
		pubsub: pubsub,
	}
}

// Open subscribes to the match's signaling topic and announces liveness with
// a ready signal. Opening an already-open channel for the same match is a
// no-op, so a caller may invoke it redundantly (once for signaling setup,
// again right before media) without losing the subscription.
func (c *Channel) Open(matchID, localUserID string, onMessage func(Envelope)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.topic != nil && c.matchID == matchID {
		c.logger.Debug("channel already open", zap.String("matchId", matchID))
		return nil
	}

	if c.topic != nil {
		// Switching matches: release the old subscription before touching
		// the new one. At most one live topic per channel.
		c.closeLocked()
	}

	topic, err := c.pubsub.Open(SignalTopic(matchID))
	if err != nil {
		return fmt.Errorf("signaling: open topic for match %s: %w", matchID, err)
	}

	err = topic.Subscribe(func(payload []byte) {
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.logger.Warn("dropping malformed envelope", zap.Error(err))
			return
		}
		// Our own broadcasts come back from the transport; discard them
		// before dispatch, whatever the message type.
		if env.SenderID == localUserID {
			return
		}
		onMessage(env)
	})
	if err != nil {
		return fmt.Errorf("signaling: subscribe match %s: %w", matchID, err)
	}

	c.topic = topic
	c.matchID = matchID
	c.localUserID = localUserID

	c.logger.Info("signaling channel open",
		zap.String("matchId", matchID), zap.String("userId", localUserID))

	c.sendLocked(Ready{})
	return nil
}

// Send publishes a message to the peer. Failures are logged and swallowed.
func (c *Channel) Send(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendLocked(msg)
}

func (c *Channel) sendLocked(msg Message) {
	if c.topic == nil {
		c.logger.Warn("send on closed channel", zap.String("type", msg.signalType()))
		return
	}

	payload, err := json.Marshal(Envelope{SenderID: c.localUserID, Message: msg})
	if err != nil {
		c.logger.Error("marshal envelope", zap.String("type", msg.signalType()), zap.Error(err))
		return
	}

	if err := c.topic.Publish(payload); err != nil {
		c.logger.Warn("publish failed",
			zap.String("type", msg.signalType()),
			zap.String("matchId", c.matchID),
			zap.Error(err))
	}
}

// MatchID reports the match this channel is currently open for, or "".
func (c *Channel) MatchID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matchID
}

// Close releases the topic subscription. Safe to call repeatedly.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Channel) closeLocked() {
	if c.topic == nil {
		return
	}
	if err := c.topic.Unsubscribe(); err != nil {
		c.logger.Warn("unsubscribe failed", zap.String("matchId", c.matchID), zap.Error(err))
	}
	c.topic = nil
	c.matchID = ""
	c.localUserID = ""
}
