// Package signaling carries call-setup messages between the two participants
// of a match over a topic-scoped pub/sub transport.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Message is the closed set of signaling payloads. Every variant carries its
// own wire tag; receivers switch on the concrete type instead of a string
// field, so an unhandled kind is a compile-time hole rather than a silent one.
type Message interface {
	signalType() string
}

// Ready announces channel liveness after a successful subscribe. It never
// drives negotiation; the offer is always sent explicitly by the initiator.
type Ready struct{}

// Offer carries the initiator's session description.
type Offer struct {
	Description webrtc.SessionDescription `json:"description"`
}

// Answer carries the receiver's session description.
type Answer struct {
	Description webrtc.SessionDescription `json:"description"`
}

// Candidate carries a single trickled ICE candidate.
type Candidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Bye requests full teardown of the session. Receivers must not answer a Bye
// with another Bye.
type Bye struct{}

// CallStart mirrors the persisted call record over the signaling path so the
// callee learns about the call even when the record feed lags.
type CallStart struct {
	Call CallSummary `json:"call"`
}

// CallAccepted tells the caller's UI to leave the ringing state. It is an
// application-level signal, independent of the SDP handshake that may still
// be in flight.
type CallAccepted struct{}

func (Ready) signalType() string        { return TypeReady }
func (Offer) signalType() string        { return TypeOffer }
func (Answer) signalType() string       { return TypeAnswer }
func (Candidate) signalType() string    { return TypeCandidate }
func (Bye) signalType() string          { return TypeBye }
func (CallStart) signalType() string    { return TypeCallStart }
func (CallAccepted) signalType() string { return TypeCallAccepted }

// Wire tags. These are shared with the mobile clients and must not change.
const (
	TypeReady        = "ready"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeCandidate    = "candidate"
	TypeBye          = "bye"
	TypeCallStart    = "call_start"
	TypeCallAccepted = "call_accepted"
)

// CallSummary is the slice of a call record that travels inside a CallStart
// signal: enough for the callee to render the incoming call and join the
// right signaling topic.
type CallSummary struct {
	ID         string `json:"id"`
	MatchID    string `json:"matchId"`
	CallerID   string `json:"callerId"`
	ReceiverID string `json:"receiverId"`
	CallType   string `json:"callType"`
}

// Envelope is the unit published on a signaling topic. SenderID lets the
// receiving side discard its own broadcast echo.
type Envelope struct {
	SenderID string
	Message  Message
}

type wireEnvelope struct {
	SenderID string      `json:"senderId"`
	Message  wireMessage `json:"message"`
}

type wireMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the envelope as {"senderId":..., "message":{"type":...,
// "payload":...}}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Message == nil {
		return nil, fmt.Errorf("signaling: envelope has no message")
	}

	w := wireEnvelope{
		SenderID: e.SenderID,
		Message:  wireMessage{Type: e.Message.signalType()},
	}

	switch e.Message.(type) {
	case Ready, Bye, CallAccepted:
		// No payload.
	default:
		payload, err := json.Marshal(e.Message)
		if err != nil {
			return nil, fmt.Errorf("signaling: marshal %s payload: %w", w.Message.Type, err)
		}
		w.Message.Payload = payload
	}

	return json.Marshal(w)
}

// UnmarshalJSON decodes an envelope, rejecting unknown message types.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("signaling: decode envelope: %w", err)
	}

	msg, err := decodeMessage(w.Message)
	if err != nil {
		return err
	}

	e.SenderID = w.SenderID
	e.Message = msg
	return nil
}

func decodeMessage(w wireMessage) (Message, error) {
	switch w.Type {
	case TypeReady:
		return Ready{}, nil
	case TypeBye:
		return Bye{}, nil
	case TypeCallAccepted:
		return CallAccepted{}, nil
	case TypeOffer:
		var m Offer
		if err := json.Unmarshal(w.Payload, &m); err != nil {
			return nil, fmt.Errorf("signaling: decode offer payload: %w", err)
		}
		return m, nil
	case TypeAnswer:
		var m Answer
		if err := json.Unmarshal(w.Payload, &m); err != nil {
			return nil, fmt.Errorf("signaling: decode answer payload: %w", err)
		}
		return m, nil
	case TypeCandidate:
		var m Candidate
		if err := json.Unmarshal(w.Payload, &m); err != nil {
			return nil, fmt.Errorf("signaling: decode candidate payload: %w", err)
		}
		return m, nil
	case TypeCallStart:
		var m CallStart
		if err := json.Unmarshal(w.Payload, &m); err != nil {
			return nil, fmt.Errorf("signaling: decode call_start payload: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("signaling: unknown message type %q", w.Type)
	}
}
