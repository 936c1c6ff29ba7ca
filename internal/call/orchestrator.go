package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/heartwire/callcore/internal/signaling"
)

// Negotiator is the session layer underneath the orchestrator, satisfied by
// *rtc.Negotiator.
type Negotiator interface {
	Initialize(ctx context.Context, userID, matchID string, acquireMedia, video bool) error
	CreateOffer() error
	Cleanup(reason string)
	Signal(msg signaling.Message)
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	SwitchCamera() error
	SetSpeakerphone(enabled bool) error
}

// Announcer rings the receiver on their personal calls topic, satisfied by
// *signaling.CallAnnouncer. Optional: the store watch rings receivers too.
type Announcer interface {
	Announce(receiverID, senderID string, summary signaling.CallSummary) error
}

// ActiveCall is the one call the orchestrator is currently managing.
type ActiveCall struct {
	Record      Record
	IsIncoming  bool
	PeerProfile Profile
	// AnsweredAt is when the call went active; zero while still ringing.
	AnsweredAt time.Time
}

// Events surface call lifecycle changes to the UI layer. All callbacks run
// without orchestrator locks held.
type Events struct {
	// OnIncoming fires when a new inbound call should ring.
	OnIncoming func(call ActiveCall)
	// OnEnded fires when the active call is over, whatever the cause.
	OnEnded func(callID, reason string)
}

// Orchestrator owns the active call for one user. At most one call is live at
// a time; a second inbound call while busy is ignored and left for the
// missed-call timeout.
type Orchestrator struct {
	logger       *zap.Logger
	store        Store
	profiles     ProfileDirectory
	neg          Negotiator
	announcer    Announcer
	events       Events
	localUserID  string
	pollInterval time.Duration

	mu         sync.Mutex
	current    *ActiveCall
	starting   bool
	pollCancel context.CancelFunc
}

// endingFrom stamps the hang-up time and, for answered calls, how long the
// call was active.
func endingFrom(answeredAt time.Time) *Ending {
	e := &Ending{EndedAt: time.Now()}
	if !answeredAt.IsZero() {
		e.Duration = e.EndedAt.Sub(answeredAt)
	}
	return e
}

const defaultPollInterval = 2 * time.Second

// storeTimeout bounds persistence calls made from signaling callbacks, which
// have no caller-supplied context.
const storeTimeout = 5 * time.Second

// Options configures an Orchestrator.
type Options struct {
	Store       Store
	Negotiator  Negotiator
	Profiles    ProfileDirectory // optional
	Announcer   Announcer        // optional
	Events      Events
	LocalUserID string
	// PollInterval overrides the status poll period; zero means the
	// default of 2s.
	PollInterval time.Duration
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("call: store cannot be nil")
	}
	if opts.Negotiator == nil {
		return nil, fmt.Errorf("call: negotiator cannot be nil")
	}
	if opts.LocalUserID == "" {
		return nil, fmt.Errorf("call: local user id cannot be empty")
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &Orchestrator{
		logger:       zap.L().Named("call"),
		store:        opts.Store,
		profiles:     opts.Profiles,
		neg:          opts.Negotiator,
		announcer:    opts.Announcer,
		events:       opts.Events,
		localUserID:  opts.LocalUserID,
		pollInterval: interval,
	}, nil
}

// HandleCallSignal is the negotiator's OnCallSignal callback. Wire it into
// rtc.Callbacks when assembling the client.
func (o *Orchestrator) HandleCallSignal(msg signaling.Message) {
	switch m := msg.(type) {
	case signaling.CallAccepted:
		o.onAccepted()
	case signaling.CallStart:
		// Realtime delivery path; the store watch is the fallback for
		// receivers whose signaling channel is not yet open.
		rec := Record{
			ID:         m.Call.ID,
			MatchID:    m.Call.MatchID,
			CallerID:   m.Call.CallerID,
			ReceiverID: m.Call.ReceiverID,
			Type:       Type(m.Call.CallType),
			Status:     StatusCalling,
		}
		o.HandleIncomingCall(context.Background(), rec)
	}
}

// StartCall creates a call record, opens the session with local media, and
// announces the call. The SDP offer is NOT sent here: it waits for the
// receiver's call_accepted so the offer cannot be published before the
// receiver is listening.
func (o *Orchestrator) StartCall(ctx context.Context, matchID, receiverID string, callType Type) (Record, error) {
	o.mu.Lock()
	if o.current != nil {
		id := o.current.Record.ID
		o.mu.Unlock()
		return Record{}, fmt.Errorf("call: already in call %s", id)
	}
	if o.starting {
		o.mu.Unlock()
		return Record{}, fmt.Errorf("call: another call is already starting")
	}
	// Reserve the slot before releasing the lock, so a second StartCall or
	// an inbound ring cannot slip in while this one is still setting up.
	o.starting = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.starting = false
		o.mu.Unlock()
	}()

	rec, err := o.store.Create(ctx, matchID, o.localUserID, receiverID, callType)
	if err != nil {
		return Record{}, fmt.Errorf("call: create record: %w", err)
	}

	if err := o.neg.Initialize(ctx, o.localUserID, matchID, true, callType == TypeVideo); err != nil {
		if serr := o.store.UpdateStatus(ctx, rec.ID, StatusMissed, endingFrom(time.Time{})); serr != nil {
			o.logger.Warn("mark failed call missed", zap.Error(serr))
		}
		o.neg.Cleanup("session_init_failed")
		return Record{}, fmt.Errorf("call: open session: %w", err)
	}

	summary := signaling.CallSummary{
		ID:         rec.ID,
		MatchID:    rec.MatchID,
		CallerID:   rec.CallerID,
		ReceiverID: rec.ReceiverID,
		CallType:   string(rec.Type),
	}
	o.neg.Signal(signaling.CallStart{Call: summary})
	if o.announcer != nil {
		// Best effort: a receiver not yet on the match topic still rings
		// through their calls topic or the store watch.
		if err := o.announcer.Announce(receiverID, o.localUserID, summary); err != nil {
			o.logger.Warn("announce call", zap.Error(err))
		}
	}

	o.mu.Lock()
	o.current = &ActiveCall{Record: rec}
	o.startPollLocked(rec.ID)
	o.mu.Unlock()

	o.logger.Info("call started",
		zap.String("callId", rec.ID),
		zap.String("matchId", matchID),
		zap.String("type", string(callType)))
	return rec, nil
}

// HandleIncomingCall rings an inbound call. Duplicate deliveries of the same
// record (store watch plus realtime signal) collapse into one ringing call.
func (o *Orchestrator) HandleIncomingCall(ctx context.Context, rec Record) {
	o.mu.Lock()
	if o.current != nil || o.starting {
		dup := o.current != nil && o.current.Record.ID == rec.ID
		o.mu.Unlock()
		if !dup {
			o.logger.Info("ignoring call while busy", zap.String("callId", rec.ID))
		}
		return
	}
	o.mu.Unlock()

	// Open signaling immediately so the caller's offer is never missed,
	// but defer media capture until the user actually answers.
	if err := o.neg.Initialize(ctx, o.localUserID, rec.MatchID, false, rec.Type == TypeVideo); err != nil {
		o.logger.Error("open session for incoming call", zap.Error(err))
		return
	}

	active := ActiveCall{Record: rec, IsIncoming: true}
	if o.profiles != nil {
		if p, err := o.profiles.Lookup(ctx, rec.CallerID); err != nil {
			o.logger.Warn("caller profile lookup", zap.Error(err))
		} else {
			active.PeerProfile = p
		}
	}

	o.mu.Lock()
	if o.current != nil {
		// Lost the race with a concurrent delivery of the same record.
		o.mu.Unlock()
		return
	}
	o.current = &active
	o.startPollLocked(rec.ID)
	o.mu.Unlock()

	o.logger.Info("incoming call ringing",
		zap.String("callId", rec.ID), zap.String("caller", rec.CallerID))
	if cb := o.events.OnIncoming; cb != nil {
		cb(active)
	}
}

// Accept answers the ringing call: it acquires local media into the
// already-open session and only then tells the caller to send its offer. A
// media failure leaves the call ringing with nothing signalled, so the user
// can retry or reject and both sides still agree the call is unanswered.
func (o *Orchestrator) Accept(ctx context.Context) error {
	o.mu.Lock()
	cur := o.current
	o.mu.Unlock()

	if cur == nil || !cur.IsIncoming {
		return fmt.Errorf("call: no incoming call to accept")
	}

	// Media first: once call_accepted goes out the caller sends its offer,
	// and an offer answered before our tracks attach would leave the call
	// without media because nothing renegotiates.
	if err := o.neg.Initialize(ctx, o.localUserID, cur.Record.MatchID, true, cur.Record.Type == TypeVideo); err != nil {
		return fmt.Errorf("call: acquire media on accept: %w", err)
	}

	o.neg.Signal(signaling.CallAccepted{})

	if err := o.store.UpdateStatus(ctx, cur.Record.ID, StatusActive, nil); err != nil {
		o.logger.Warn("persist active status", zap.Error(err))
	}

	now := time.Now()
	o.mu.Lock()
	if o.current != nil && o.current.Record.ID == cur.Record.ID {
		o.current.Record.Status = StatusActive
		o.current.AnsweredAt = now
	}
	o.mu.Unlock()

	o.logger.Info("call accepted", zap.String("callId", cur.Record.ID))
	return nil
}

// Reject declines the ringing call and tears the session down.
func (o *Orchestrator) Reject(ctx context.Context) error {
	o.mu.Lock()
	cur := o.current
	o.mu.Unlock()

	if cur == nil || !cur.IsIncoming {
		return fmt.Errorf("call: no incoming call to reject")
	}

	if err := o.store.UpdateStatus(ctx, cur.Record.ID, StatusRejected, endingFrom(time.Time{})); err != nil {
		o.logger.Warn("persist rejected status", zap.Error(err))
	}
	o.teardown(cur.Record.ID, "rejected")
	return nil
}

// End hangs up the active call. An unanswered outbound call becomes missed;
// an answered call becomes ended.
func (o *Orchestrator) End(ctx context.Context) error {
	o.mu.Lock()
	cur := o.current
	o.mu.Unlock()

	if cur == nil {
		return fmt.Errorf("call: no active call")
	}

	status := StatusEnded
	if cur.Record.Status == StatusCalling {
		status = StatusMissed
	}
	if err := o.store.UpdateStatus(ctx, cur.Record.ID, status, endingFrom(cur.AnsweredAt)); err != nil {
		o.logger.Warn("persist final status", zap.Error(err))
	}
	o.teardown(cur.Record.ID, "user_hangup")
	return nil
}

// onAccepted runs on the caller when the receiver answers: persist active and
// only now drive the offer, knowing the receiver is subscribed.
func (o *Orchestrator) onAccepted() {
	o.mu.Lock()
	cur := o.current
	o.mu.Unlock()

	if cur == nil || cur.IsIncoming {
		o.logger.Warn("call_accepted without outbound call")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.store.UpdateStatus(ctx, cur.Record.ID, StatusActive, nil); err != nil {
		o.logger.Warn("persist active status", zap.Error(err))
	}

	now := time.Now()
	o.mu.Lock()
	if o.current != nil && o.current.Record.ID == cur.Record.ID {
		o.current.Record.Status = StatusActive
		o.current.AnsweredAt = now
	}
	o.mu.Unlock()

	if err := o.neg.CreateOffer(); err != nil {
		o.logger.Error("create offer after accept", zap.Error(err))
	}
}

// Run consumes the store's realtime feed of inbound records until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	feed, err := o.store.Watch(ctx, o.localUserID)
	if err != nil {
		return fmt.Errorf("call: watch store: %w", err)
	}

	for rec := range feed {
		switch {
		case rec.Status == StatusCalling:
			o.HandleIncomingCall(ctx, rec)
		case rec.Status.Terminal():
			o.mu.Lock()
			match := o.current != nil && o.current.Record.ID == rec.ID
			o.mu.Unlock()
			if match {
				o.teardown(rec.ID, "remote_"+string(rec.Status))
			}
		}
	}
	return ctx.Err()
}

// Current returns a snapshot of the active call, or false when idle.
func (o *Orchestrator) Current() (ActiveCall, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return ActiveCall{}, false
	}
	return *o.current, true
}

// Media controls pass straight through to the session layer.

func (o *Orchestrator) SetAudioEnabled(enabled bool) { o.neg.SetAudioEnabled(enabled) }
func (o *Orchestrator) SetVideoEnabled(enabled bool) { o.neg.SetVideoEnabled(enabled) }
func (o *Orchestrator) SwitchCamera() error          { return o.neg.SwitchCamera() }
func (o *Orchestrator) SetSpeakerphone(enabled bool) error {
	return o.neg.SetSpeakerphone(enabled)
}

// startPollLocked begins the status liveness poll for the given call. The
// poll backs up the realtime paths: if the peer vanished and only the
// database knows the call is over, the session still gets reaped.
func (o *Orchestrator) startPollLocked(callID string) {
	if o.pollCancel != nil {
		o.pollCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.pollCancel = cancel

	go o.poll(ctx, callID)
}

func (o *Orchestrator) poll(ctx context.Context, callID string) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		statusCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		status, err := o.store.GetStatus(statusCtx, callID)
		cancel()
		if err != nil {
			o.logger.Warn("status poll", zap.String("callId", callID), zap.Error(err))
			continue
		}

		if status.Terminal() {
			o.logger.Info("poll found call terminated",
				zap.String("callId", callID), zap.String("status", string(status)))
			o.teardown(callID, "db_poll_terminated")
			return
		}
	}
}

// teardown releases the session and clears the active call exactly once.
func (o *Orchestrator) teardown(callID, reason string) {
	o.mu.Lock()
	if o.current == nil || o.current.Record.ID != callID {
		o.mu.Unlock()
		return
	}
	o.current = nil
	if o.pollCancel != nil {
		o.pollCancel()
		o.pollCancel = nil
	}
	o.mu.Unlock()

	o.neg.Cleanup(reason)
	o.logger.Info("call torn down",
		zap.String("callId", callID), zap.String("reason", reason))
	if cb := o.events.OnEnded; cb != nil {
		cb(callID, reason)
	}
}
