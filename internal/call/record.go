// Package call coordinates call lifecycle: who is calling whom, whether the
// call was answered, and when the session around it must be created or torn
// down. The SDP handshake itself lives one layer down.
package call

import (
	"context"
	"time"
)

// Status is the persisted lifecycle state of a call record.
type Status string

const (
	// StatusCalling: record created, receiver not yet responded.
	StatusCalling Status = "calling"
	// StatusActive: receiver accepted; media negotiation in progress or done.
	StatusActive Status = "active"
	// StatusEnded: hung up by either side after being active.
	StatusEnded Status = "ended"
	// StatusRejected: receiver declined before answering.
	StatusRejected Status = "rejected"
	// StatusMissed: caller gave up or the call timed out unanswered.
	StatusMissed Status = "missed"
)

// Terminal reports whether the status ends the call. A terminal record can
// never go back to calling or active.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusRejected, StatusMissed:
		return true
	}
	return false
}

// Type distinguishes voice-only from video calls.
type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

// Record is one call between two matched users. The match, not the call, is
// the signaling scope: all signaling for this call travels on the match's
// topic.
type Record struct {
	ID         string    `db:"id" json:"id"`
	MatchID    string    `db:"match_id" json:"matchId"`
	CallerID   string    `db:"caller_id" json:"callerId"`
	ReceiverID string    `db:"receiver_id" json:"receiverId"`
	Type       Type      `db:"call_type" json:"callType"`
	Status     Status    `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`

	// Set when the record reaches a terminal status. DurationSeconds is how
	// long the call was active; zero for calls that were never answered.
	EndedAt         *time.Time `db:"ended_at" json:"endedAt,omitempty"`
	DurationSeconds int64      `db:"duration_seconds" json:"durationSeconds,omitempty"`
}

// Ending carries the call-history fields written with a terminal transition.
type Ending struct {
	EndedAt  time.Time
	Duration time.Duration // zero when the call never became active
}

// Store persists call records and exposes the two read paths the orchestrator
// needs: point lookups for the liveness poll and a realtime feed of records
// addressed to a user.
type Store interface {
	// Create persists a new record in status calling and returns it with
	// its assigned ID.
	Create(ctx context.Context, matchID, callerID, receiverID string, callType Type) (Record, error)
	// UpdateStatus moves a record to the given status. A non-nil ending is
	// persisted alongside a terminal status. Updating a record that is
	// already terminal is a no-op, not an error.
	UpdateStatus(ctx context.Context, callID string, status Status, ending *Ending) error
	// GetStatus returns the current status of a record.
	GetStatus(ctx context.Context, callID string) (Status, error)
	// Watch emits records whose receiver is the given user, as they are
	// created or updated. The channel closes when ctx is done.
	Watch(ctx context.Context, receiverID string) (<-chan Record, error)
}

// Profile is the display information shown on the incoming-call screen.
type Profile struct {
	UserID   string
	Name     string
	PhotoURL string
}

// ProfileDirectory resolves user profiles for call UI. Lookups are best
// effort; an error leaves the screen without a name, it does not block the
// call.
type ProfileDirectory interface {
	Lookup(ctx context.Context, userID string) (Profile, error)
}
