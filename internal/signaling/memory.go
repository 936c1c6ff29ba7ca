package signaling

import (
	"sync"
)

// MemoryPubSub is an in-process PubSub. It backs unit tests and single-host
// deployments where both participants run inside one broker process.
//
// Delivery is asynchronous: each subscriber owns a buffered queue drained by
// its own goroutine, so a handler that publishes from inside its callback
// can never deadlock the transport. Per-sender order is preserved because
// Publish enqueues under the topic lock.
type MemoryPubSub struct {
	mu     sync.Mutex
	topics map[string]*memTopicState
}

// NewMemoryPubSub creates an empty in-process transport.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{topics: make(map[string]*memTopicState)}
}

// Open binds a topic handle. The underlying topic state is shared by every
// handle opened with the same name.
func (ps *MemoryPubSub) Open(topic string) (Topic, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	state, ok := ps.topics[topic]
	if !ok {
		state = &memTopicState{subscribers: make(map[*memSubscriber]struct{})}
		ps.topics[topic] = state
	}
	return &memTopic{state: state}, nil
}

// SubscriberCount reports the live subscriptions on a topic.
func (ps *MemoryPubSub) SubscriberCount(topic string) int {
	ps.mu.Lock()
	state, ok := ps.topics[topic]
	ps.mu.Unlock()
	if !ok {
		return 0
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.subscribers)
}

type memTopicState struct {
	mu          sync.Mutex
	subscribers map[*memSubscriber]struct{}
}

type memSubscriber struct {
	queue chan []byte
	done  chan struct{}
}

type memTopic struct {
	state *memTopicState

	mu  sync.Mutex
	sub *memSubscriber
}

const memQueueDepth = 64

func (t *memTopic) Subscribe(onMessage func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sub != nil {
		// Re-subscribing an open handle is a no-op.
		return nil
	}

	sub := &memSubscriber{
		queue: make(chan []byte, memQueueDepth),
		done:  make(chan struct{}),
	}
	t.sub = sub

	t.state.mu.Lock()
	t.state.subscribers[sub] = struct{}{}
	t.state.mu.Unlock()

	go func() {
		for {
			select {
			case payload := <-sub.queue:
				onMessage(payload)
			case <-sub.done:
				return
			}
		}
	}()

	return nil
}

// Publish does not require a local subscription; send-only handles are valid.
func (t *memTopic) Publish(payload []byte) error {
	t.state.mu.Lock()
	defer t.state.mu.Unlock()

	for sub := range t.state.subscribers {
		select {
		case sub.queue <- payload:
		default:
			// Queue full: the transport is best-effort, drop rather than
			// block the publisher.
		}
	}
	return nil
}

func (t *memTopic) Unsubscribe() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()

	if sub == nil {
		return nil
	}

	t.state.mu.Lock()
	delete(t.state.subscribers, sub)
	t.state.mu.Unlock()

	close(sub.done)
	return nil
}
