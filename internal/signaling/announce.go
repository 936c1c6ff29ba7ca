package signaling

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// CallAnnouncer rings users over their personal calls topic. The match-scoped
// channel only reaches a receiver who already joined it; the announce topic
// reaches them as soon as they are online at all.
type CallAnnouncer struct {
	logger *zap.Logger
	pubsub PubSub
}

func NewCallAnnouncer(pubsub PubSub) *CallAnnouncer {
	return &CallAnnouncer{
		logger: zap.L().Named("signaling"),
		pubsub: pubsub,
	}
}

// Announce publishes a call_start to the receiver's calls topic.
func (a *CallAnnouncer) Announce(receiverID, senderID string, summary CallSummary) error {
	topic, err := a.pubsub.Open(CallsTopic(receiverID))
	if err != nil {
		return fmt.Errorf("signaling: open calls topic for %s: %w", receiverID, err)
	}

	payload, err := json.Marshal(Envelope{
		SenderID: senderID,
		Message:  CallStart{Call: summary},
	})
	if err != nil {
		return fmt.Errorf("signaling: marshal call announce: %w", err)
	}

	if err := topic.Publish(payload); err != nil {
		return fmt.Errorf("signaling: announce call to %s: %w", receiverID, err)
	}
	return nil
}

// Listen subscribes to the user's calls topic and invokes onCall for each
// inbound call_start. The returned stop function releases the subscription.
func (a *CallAnnouncer) Listen(userID string, onCall func(CallSummary)) (func(), error) {
	topic, err := a.pubsub.Open(CallsTopic(userID))
	if err != nil {
		return nil, fmt.Errorf("signaling: open calls topic for %s: %w", userID, err)
	}

	err = topic.Subscribe(func(payload []byte) {
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			a.logger.Warn("dropping malformed call announce", zap.Error(err))
			return
		}
		if env.SenderID == userID {
			return
		}
		start, ok := env.Message.(CallStart)
		if !ok {
			a.logger.Debug("ignoring non-call_start on calls topic",
				zap.String("sender", env.SenderID))
			return
		}
		onCall(start.Call)
	})
	if err != nil {
		return nil, fmt.Errorf("signaling: subscribe calls topic for %s: %w", userID, err)
	}

	return func() {
		if err := topic.Unsubscribe(); err != nil {
			a.logger.Warn("release calls topic", zap.String("userId", userID), zap.Error(err))
		}
	}, nil
}
