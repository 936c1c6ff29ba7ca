package rtc

import "fmt"

// State is the negotiator's explicit handshake state. Transitions are guarded:
// an operation invoked in the wrong state returns a TransitionError instead of
// silently doing nothing.
type State int

const (
	// StateIdle: no peer connection exists.
	StateIdle State = iota
	// StateSignalingReady: peer connection created and channel open, no
	// description exchanged yet.
	StateSignalingReady
	// StateOfferSent: local description is an offer, awaiting the answer
	// (initiator side).
	StateOfferSent
	// StateAnswerSent: remote offer applied and local answer sent
	// (receiver side).
	StateAnswerSent
	// StateConnected: remote description set on both sides; candidates
	// apply immediately.
	StateConnected
	// StateClosed: peer connection closed and released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSignalingReady:
		return "signaling_ready"
	case StateOfferSent:
		return "offer_sent"
	case StateAnswerSent:
		return "answer_sent"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TransitionError reports an operation attempted in a state that does not
// permit it.
type TransitionError struct {
	Op   string
	From State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("rtc: %s not allowed in state %s", e.Op, e.From)
}
