// Package rtc owns the peer connection and the offer/answer/ICE handshake
// for the single active call. Exactly one Negotiator lives per process; the
// call orchestrator owns it and drives its lifecycle.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/heartwire/callcore/internal/signaling"
)

// MediaSource acquires the local capture stream. Audio is always requested;
// the camera only when video is set. Implementations fall back to audio-only
// when video capture is unavailable, and return an error only for failures
// that should abort the call (typically a denied microphone permission).
type MediaSource interface {
	Capture(ctx context.Context, video bool) (LocalStream, error)
}

// LocalStream is an acquired capture stream. The negotiator owns it until
// Close; enable toggles gate packets without stopping tracks so mute can be
// lifted instantly.
type LocalStream interface {
	AttachTo(pc *webrtc.PeerConnection) error
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	SwitchCamera() error
	Close()
}

// SignalChannel is the match-scoped signaling path, satisfied by
// *signaling.Channel.
type SignalChannel interface {
	Open(matchID, localUserID string, onMessage func(signaling.Envelope)) error
	Send(msg signaling.Message)
	MatchID() string
	Close()
}

// ICEProvider supplies the STUN/TURN set for a new peer connection. Refresh
// never fails; it degrades to a static fallback list.
type ICEProvider interface {
	Refresh(ctx context.Context) []webrtc.ICEServer
}

// AudioRouter switches the playback route (earpiece vs. loudspeaker). The
// route is platform plumbing, independent of the peer connection.
type AudioRouter interface {
	SetSpeakerphone(enabled bool) error
}

// Callbacks surface session events to the UI layer. All callbacks are invoked
// without negotiator locks held and may call back into the negotiator.
type Callbacks struct {
	// OnRemoteTrack fires once per inbound media track.
	OnRemoteTrack func(track *webrtc.TrackRemote)
	// OnConnectionState follows the peer connection state.
	OnConnectionState func(state webrtc.PeerConnectionState)
	// OnCallSignal receives application-level signals (call_start,
	// call_accepted) that ride the signaling channel but belong to the
	// orchestrator, not the handshake.
	OnCallSignal func(msg signaling.Message)
}

// Deps wires a Negotiator's collaborators.
type Deps struct {
	Channel   SignalChannel
	ICE       ICEProvider
	Media     MediaSource
	Router    AudioRouter // optional
	Callbacks Callbacks
}

// Negotiator runs the SDP/ICE state machine for one session at a time.
// Switching matches tears the previous session down synchronously before the
// new one is created: one peer connection, one local stream, one channel,
// process-wide.
type Negotiator struct {
	logger  *zap.Logger
	channel SignalChannel
	ice     ICEProvider
	media   MediaSource
	router  AudioRouter
	cb      Callbacks
	events  *eventRing

	mu      sync.Mutex
	state   State
	epoch   uint64 // bumped on session create and teardown; guards async results
	pc      *webrtc.PeerConnection
	stream  LocalStream
	userID  string
	matchID string

	remoteDescSet bool
	pending       []webrtc.ICECandidateInit

	candidatesApplied int
	candidateFailures int
	remoteTracks      int
}

const eventRingCapacity = 64

// New creates an idle negotiator.
func New(deps Deps) (*Negotiator, error) {
	if deps.Channel == nil {
		return nil, fmt.Errorf("rtc: signal channel cannot be nil")
	}
	if deps.ICE == nil {
		return nil, fmt.Errorf("rtc: ice provider cannot be nil")
	}

	return &Negotiator{
		logger:  zap.L().Named("rtc"),
		channel: deps.Channel,
		ice:     deps.ICE,
		media:   deps.Media,
		router:  deps.Router,
		cb:      deps.Callbacks,
		events:  newEventRing(eventRingCapacity),
		state:   StateIdle,
	}, nil
}

// Initialize prepares a session for the given match. Calling it again for the
// same match never recreates the peer connection or the channel; it only
// acquires media if that was skipped before (the incoming-call path opens
// signaling immediately and defers capture until the user answers). For a
// different match the previous session is fully torn down first.
func (n *Negotiator) Initialize(ctx context.Context, userID, matchID string, acquireMedia, video bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pc != nil && n.matchID == matchID {
		n.logger.Debug("session already initialized", zap.String("matchId", matchID))
		if acquireMedia && n.stream == nil {
			return n.startLocalStreamLocked(ctx, video)
		}
		return nil
	}

	if n.pc != nil {
		n.logger.Info("switching sessions",
			zap.String("from", n.matchID), zap.String("to", matchID))
		n.cleanupLocked("session_switch", true)
	}

	// Credentials are time-boxed; refresh before every new peer connection.
	// The provider degrades to a stale or fallback set on failure.
	servers := n.ice.Refresh(ctx)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return fmt.Errorf("rtc: create peer connection: %w", err)
	}

	n.epoch++
	epoch := n.epoch
	n.pc = pc
	n.userID = userID
	n.matchID = matchID
	n.remoteDescSet = false
	n.pending = nil
	n.candidatesApplied = 0
	n.candidateFailures = 0
	n.remoteTracks = 0
	n.wirePeerConnectionLocked(pc, epoch)

	if err := n.channel.Open(matchID, userID, func(env signaling.Envelope) {
		n.handleEnvelope(epoch, env)
	}); err != nil {
		pc.Close()
		n.pc = nil
		n.state = StateIdle
		return fmt.Errorf("rtc: open signaling for match %s: %w", matchID, err)
	}

	n.state = StateSignalingReady
	n.events.add("session_init", matchID)

	if acquireMedia {
		return n.startLocalStreamLocked(ctx, video)
	}
	return nil
}

// startLocalStreamLocked acquires capture media and, since the peer connection
// already exists by the time this runs, attaches every track immediately.
// Acquisition errors (permission denial) propagate to the caller; the session
// and its signaling stay up so the UI can offer a retry.
func (n *Negotiator) startLocalStreamLocked(ctx context.Context, video bool) error {
	if n.media == nil {
		return fmt.Errorf("rtc: no media source configured")
	}

	stream, err := n.media.Capture(ctx, video)
	if err != nil {
		return fmt.Errorf("rtc: acquire local media: %w", err)
	}
	n.stream = stream
	n.events.add("media_acquired", n.matchID)

	if err := stream.AttachTo(n.pc); err != nil {
		stream.Close()
		n.stream = nil
		return fmt.Errorf("rtc: attach local media: %w", err)
	}
	return nil
}

func (n *Negotiator) wirePeerConnectionLocked(pc *webrtc.PeerConnection, epoch uint64) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Gathering complete.
			return
		}
		if !n.epochCurrent(epoch) {
			return
		}
		n.channel.Send(signaling.Candidate{Candidate: c.ToJSON()})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.logger.Info("remote track",
			zap.String("id", track.ID()),
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))

		n.mu.Lock()
		if epoch == n.epoch {
			n.remoteTracks++
		}
		n.mu.Unlock()

		if cb := n.cb.OnRemoteTrack; cb != nil {
			cb(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.logger.Info("peer connection state", zap.String("state", state.String()))

		n.mu.Lock()
		if epoch == n.epoch && state == webrtc.PeerConnectionStateConnected {
			if n.state == StateOfferSent || n.state == StateAnswerSent {
				n.state = StateConnected
			}
		}
		n.mu.Unlock()

		if cb := n.cb.OnConnectionState; cb != nil {
			cb(state)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		n.logger.Debug("ice connection state", zap.String("state", state.String()))
	})

	pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		n.logger.Debug("ice gathering state", zap.String("state", state.String()))
	})
}

func (n *Negotiator) epochCurrent(epoch uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return epoch == n.epoch
}

// CreateOffer builds an SDP offer requesting audio and video receipt, applies
// it locally, and sends it to the peer. Only the call initiator invokes it,
// and always explicitly; nothing in the negotiator triggers it automatically.
func (n *Negotiator) CreateOffer() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pc == nil {
		n.logger.Warn("create offer with no peer connection")
		return &TransitionError{Op: "create_offer", From: n.state}
	}
	if n.state != StateSignalingReady {
		n.logger.Warn("create offer in unexpected state", zap.String("state", n.state.String()))
		return &TransitionError{Op: "create_offer", From: n.state}
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := n.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("rtc: add %s transceiver: %w", kind, err)
		}
	}

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("rtc: set local offer: %w", err)
	}

	n.channel.Send(signaling.Offer{Description: *n.pc.LocalDescription()})
	n.state = StateOfferSent
	n.events.add("offer_sent", n.matchID)
	return nil
}

func (n *Negotiator) handleEnvelope(epoch uint64, env signaling.Envelope) {
	var callSignal signaling.Message

	n.mu.Lock()
	if epoch != n.epoch {
		n.logger.Debug("dropping signal for stale session",
			zap.String("sender", env.SenderID))
		n.mu.Unlock()
		return
	}

	switch msg := env.Message.(type) {
	case signaling.Ready:
		// Liveness announcement only. The offer is driven by the
		// initiator's explicit CreateOffer, never by ready.
		n.logger.Debug("peer ready", zap.String("sender", env.SenderID))
	case signaling.Offer:
		n.handleOfferLocked(msg)
	case signaling.Answer:
		n.handleAnswerLocked(msg)
	case signaling.Candidate:
		n.handleCandidateLocked(msg)
	case signaling.Bye:
		// Teardown without re-broadcasting bye, or the two peers would
		// bounce byes at each other forever.
		n.events.add("remote_bye", n.matchID)
		n.cleanupLocked("remote_bye", false)
	case signaling.CallStart, signaling.CallAccepted:
		callSignal = env.Message
	}
	n.mu.Unlock()

	if callSignal != nil {
		if cb := n.cb.OnCallSignal; cb != nil {
			cb(callSignal)
		}
	}
}

// handleOfferLocked runs the receiver side of the handshake. Step failures
// are logged and swallowed: a malformed offer stalls this call, it does not
// crash the process, and the stale-call poll will reap the session.
func (n *Negotiator) handleOfferLocked(msg signaling.Offer) {
	if n.state == StateClosed {
		n.logger.Warn("offer after close, ignoring")
		return
	}
	if n.pc == nil {
		// Normally Initialize created the peer connection before the
		// channel opened; recover if signaling raced ahead of it.
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: n.ice.Refresh(context.Background())})
		if err != nil {
			n.logger.Error("create peer connection for inbound offer", zap.Error(err))
			return
		}
		n.pc = pc
		n.wirePeerConnectionLocked(pc, n.epoch)
	}

	if err := n.pc.SetRemoteDescription(msg.Description); err != nil {
		n.logger.Warn("set remote offer", zap.Error(err))
		return
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		n.logger.Warn("create answer", zap.Error(err))
		return
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		n.logger.Warn("set local answer", zap.Error(err))
		return
	}

	n.channel.Send(signaling.Answer{Description: *n.pc.LocalDescription()})
	n.remoteDescSet = true
	n.flushPendingLocked()
	n.state = StateAnswerSent
	n.events.add("answer_sent", n.matchID)
}

func (n *Negotiator) handleAnswerLocked(msg signaling.Answer) {
	if n.state != StateOfferSent {
		n.logger.Warn("answer in unexpected state", zap.String("state", n.state.String()))
		return
	}

	if err := n.pc.SetRemoteDescription(msg.Description); err != nil {
		n.logger.Warn("set remote answer", zap.Error(err))
		return
	}

	n.remoteDescSet = true
	n.flushPendingLocked()
	n.state = StateConnected
	n.events.add("answer_applied", n.matchID)
}

func (n *Negotiator) handleCandidateLocked(msg signaling.Candidate) {
	if n.state == StateClosed || n.pc == nil {
		n.logger.Debug("candidate after close, dropping")
		return
	}

	if !n.remoteDescSet {
		// The remote description is not in yet; hold the candidate and
		// replay it in receipt order right after the description lands.
		n.pending = append(n.pending, msg.Candidate)
		n.events.add("candidate_buffered", n.matchID)
		return
	}
	n.applyCandidateLocked(msg.Candidate)
}

// flushPendingLocked applies buffered candidates in receipt order, exactly
// once, tolerating individual failures, and leaves the buffer empty.
func (n *Negotiator) flushPendingLocked() {
	if len(n.pending) == 0 {
		return
	}
	n.logger.Info("flushing buffered candidates", zap.Int("count", len(n.pending)))
	for _, c := range n.pending {
		n.applyCandidateLocked(c)
	}
	n.pending = nil
}

func (n *Negotiator) applyCandidateLocked(c webrtc.ICECandidateInit) {
	if err := n.pc.AddICECandidate(c); err != nil {
		// A single bad or late candidate is expected noise on mobile
		// networks and must not abort the call.
		n.candidateFailures++
		n.events.add("candidate_failed", c.Candidate)
		n.logger.Warn("add ice candidate", zap.Error(err))
		return
	}
	n.candidatesApplied++
	n.events.add("candidate_applied", c.Candidate)
}

// Cleanup is the terminal transition from any state. Every teardown path
// (local hang-up, remote bye, navigation away, stale-call reaping) may call
// it any number of times. The reason string is diagnostic only.
func (n *Negotiator) Cleanup(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleanupLocked(reason, true)
}

func (n *Negotiator) cleanupLocked(reason string, sendBye bool) {
	if n.state == StateClosed {
		return
	}

	// Invalidate in-flight async work (a pending answer, a late candidate
	// apply) so its results cannot touch the next session.
	n.epoch++

	if sendBye && n.channel.MatchID() != "" {
		n.channel.Send(signaling.Bye{})
		n.events.add("bye_sent", n.matchID)
	}

	if n.stream != nil {
		n.stream.Close()
		n.stream = nil
	}

	if n.pc != nil {
		if err := n.pc.Close(); err != nil {
			n.logger.Warn("close peer connection", zap.Error(err))
		}
		n.pc = nil
	}

	n.channel.Close()

	n.remoteDescSet = false
	n.pending = nil
	n.remoteTracks = 0
	n.userID = ""
	n.matchID = ""
	n.state = StateClosed

	n.events.add("session_closed", reason)
	n.logger.Info("session closed", zap.String("reason", reason))
}

// Signal sends an application-level message over the session's signaling
// channel on behalf of the orchestrator.
func (n *Negotiator) Signal(msg signaling.Message) {
	n.channel.Send(msg)
}

// SetAudioEnabled gates outbound audio without stopping the track or touching
// the negotiated descriptions, so unmute is instant.
func (n *Negotiator) SetAudioEnabled(enabled bool) {
	n.mu.Lock()
	stream := n.stream
	n.mu.Unlock()
	if stream != nil {
		stream.SetAudioEnabled(enabled)
	}
}

// SetVideoEnabled gates outbound video; same contract as SetAudioEnabled.
func (n *Negotiator) SetVideoEnabled(enabled bool) {
	n.mu.Lock()
	stream := n.stream
	n.mu.Unlock()
	if stream != nil {
		stream.SetVideoEnabled(enabled)
	}
}

// SwitchCamera flips the capture device feeding the video track.
func (n *Negotiator) SwitchCamera() error {
	n.mu.Lock()
	stream := n.stream
	n.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("rtc: no local stream")
	}
	return stream.SwitchCamera()
}

// SetSpeakerphone reroutes audio playback. A deployment without a platform
// router treats this as a no-op.
func (n *Negotiator) SetSpeakerphone(enabled bool) error {
	if n.router == nil {
		n.logger.Debug("no audio router configured")
		return nil
	}
	return n.router.SetSpeakerphone(enabled)
}

// State reports the current handshake state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// RemoteDescriptionSet reports whether candidates currently apply directly.
func (n *Negotiator) RemoteDescriptionSet() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remoteDescSet
}

// Stats is a diagnostic snapshot of the session.
type Stats struct {
	State              State
	MatchID            string
	CandidatesBuffered int
	CandidatesApplied  int
	CandidateFailures  int
	RemoteTracks       int
	RecentEvents       []Event
}

// Stats snapshots the session for diagnostics and tests.
func (n *Negotiator) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Stats{
		State:              n.state,
		MatchID:            n.matchID,
		CandidatesBuffered: len(n.pending),
		CandidatesApplied:  n.candidatesApplied,
		CandidateFailures:  n.candidateFailures,
		RemoteTracks:       n.remoteTracks,
		RecentEvents:       n.events.recent(),
	}
}
