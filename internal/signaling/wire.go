package signaling

import "encoding/json"

// Frame is the broker wire protocol: one JSON frame per WebSocket message.
// Clients send subscribe/unsubscribe/publish; the broker fans publishes back
// out as message frames to every subscriber of the topic, the publisher
// included.
type Frame struct {
	Op      string          `json:"op"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame ops.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpMessage     = "message"
)
