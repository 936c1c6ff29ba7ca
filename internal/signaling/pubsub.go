package signaling

// Topic naming: one signaling topic per match, one call-announce topic per
// user. Keep these in sync with the mobile clients.
const (
	signalTopicPrefix = "signaling:"
	callsTopicPrefix  = "calls:"
)

// SignalTopic returns the signaling topic key for a match.
func SignalTopic(matchID string) string { return signalTopicPrefix + matchID }

// CallsTopic returns the incoming-call announce topic for a user.
func CallsTopic(userID string) string { return callsTopicPrefix + userID }

// PubSub is the broadcast transport the signaling layer runs over. The
// transport promises delivery to all current subscribers of a topic,
// including the publisher itself; it promises nothing about delivery to
// subscribers that attach later, and nothing about ordering across senders.
type PubSub interface {
	// Open binds a topic by name. Opening does not subscribe.
	Open(topic string) (Topic, error)
}

// Topic is a single named broadcast scope.
type Topic interface {
	// Subscribe registers the message handler and starts delivery. The
	// handler is invoked from the transport's delivery goroutine, one
	// message at a time, in per-sender publish order.
	Subscribe(onMessage func(payload []byte)) error

	// Publish is fire-and-forget: a nil return means the transport accepted
	// the message, not that any peer received it.
	Publish(payload []byte) error

	// Unsubscribe releases the subscription. Safe to call more than once.
	Unsubscribe() error
}
