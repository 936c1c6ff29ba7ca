package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/heartwire/callcore/internal/signaling"
)

type fakeStore struct {
	mu      sync.Mutex
	nextID  int
	records map[string]Record
	updates []Status
	endings map[string]*Ending
	feed    chan Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]Record),
		endings: make(map[string]*Ending),
		feed:    make(chan Record, 16),
	}
}

func (s *fakeStore) Create(ctx context.Context, matchID, callerID, receiverID string, callType Type) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec := Record{
		ID:         fmt.Sprintf("call-%d", s.nextID),
		MatchID:    matchID,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Type:       callType,
		Status:     StatusCalling,
		CreatedAt:  time.Now(),
	}
	s.records[rec.ID] = rec
	return rec, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, callID string, status Status, ending *Ending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		return errors.New("no such record")
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.Status = status
	s.records[callID] = rec
	s.updates = append(s.updates, status)
	if ending != nil {
		s.endings[callID] = ending
	}
	return nil
}

func (s *fakeStore) GetStatus(ctx context.Context, callID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		return "", errors.New("no such record")
	}
	return rec.Status, nil
}

func (s *fakeStore) Watch(ctx context.Context, receiverID string) (<-chan Record, error) {
	return s.feed, nil
}

func (s *fakeStore) setStatus(callID string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[callID]
	rec.Status = status
	s.records[callID] = rec
}

func (s *fakeStore) lastUpdate() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return ""
	}
	return s.updates[len(s.updates)-1]
}

func (s *fakeStore) ending(callID string) *Ending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endings[callID]
}

type fakeNegotiator struct {
	mu          sync.Mutex
	inits       []string // matchID per Initialize call
	mediaOn     []bool
	initErr     error
	initGate    chan struct{} // when set, Initialize blocks until it closes
	initStarted chan struct{} // when set, receives one signal per Initialize entry
	offers      int
	cleanups    []string
	signals     []signaling.Message
}

func (n *fakeNegotiator) Initialize(ctx context.Context, userID, matchID string, acquireMedia, video bool) error {
	n.mu.Lock()
	gate := n.initGate
	started := n.initStarted
	n.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.initErr != nil {
		return n.initErr
	}
	n.inits = append(n.inits, matchID)
	n.mediaOn = append(n.mediaOn, acquireMedia)
	return nil
}

func (n *fakeNegotiator) CreateOffer() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers++
	return nil
}

func (n *fakeNegotiator) Cleanup(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleanups = append(n.cleanups, reason)
}

func (n *fakeNegotiator) Signal(msg signaling.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, msg)
}

func (n *fakeNegotiator) SetAudioEnabled(bool)       {}
func (n *fakeNegotiator) SetVideoEnabled(bool)       {}
func (n *fakeNegotiator) SwitchCamera() error        { return nil }
func (n *fakeNegotiator) SetSpeakerphone(bool) error { return nil }

func (n *fakeNegotiator) offerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offers
}

func (n *fakeNegotiator) cleanupCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.cleanups)
}

func (n *fakeNegotiator) sentSignal(match func(signaling.Message) bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.signals {
		if match(m) {
			return true
		}
	}
	return false
}

func newTestOrchestrator(t *testing.T, store Store, neg Negotiator, events Events) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(Options{
		Store:        store,
		Negotiator:   neg,
		Events:       events,
		LocalUserID:  "alice",
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartCallAnnouncesButDefersOffer(t *testing.T) {
	store := newFakeStore()
	neg := &fakeNegotiator{}
	o := newTestOrchestrator(t, store, neg, Events{})

	rec, err := o.StartCall(context.Background(), "m1", "bob", TypeVideo)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if rec.Status != StatusCalling {
		t.Fatalf("status = %s, want calling", rec.Status)
	}
	if !neg.sentSignal(func(m signaling.Message) bool {
		cs, ok := m.(signaling.CallStart)
		return ok && cs.Call.ID == rec.ID && cs.Call.CallType == "video"
	}) {
		t.Fatal("call_start not announced")
	}
	// The offer waits for call_accepted so it cannot beat the receiver's
	// subscription.
	if neg.offerCount() != 0 {
		t.Fatalf("offer sent before accept: %d", neg.offerCount())
	}

	o.HandleCallSignal(signaling.CallAccepted{})

	waitFor(t, "offer after accept", func() bool { return neg.offerCount() == 1 })
	if got := store.lastUpdate(); got != StatusActive {
		t.Fatalf("status after accept = %s, want active", got)
	}
}

func TestSecondStartCallRejectedWhileBusy(t *testing.T) {
	store := newFakeStore()
	neg := &fakeNegotiator{}
	o := newTestOrchestrator(t, store, neg, Events{})

	if _, err := o.StartCall(context.Background(), "m1", "bob", TypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if _, err := o.StartCall(context.Background(), "m2", "carol", TypeVoice); err == nil {
		t.Fatal("second concurrent call must be refused")
	}
}

func TestIncomingCallDeduplicated(t *testing.T) {
	store := newFakeStore()
	neg := &fakeNegotiator{}
	var rings int
	var mu sync.Mutex
	o := newTestOrchestrator(t, store, neg, Events{
		OnIncoming: func(ActiveCall) { mu.Lock(); rings++; mu.Unlock() },
	})

	rec := Record{ID: "c1", MatchID: "m1", CallerID: "bob", ReceiverID: "alice", Type: TypeVoice, Status: StatusCalling}
	store.mu.Lock()
	store.records["c1"] = rec
	store.mu.Unlock()

	// The same record arrives via the store watch and the realtime signal.
	o.HandleIncomingCall(context.Background(), rec)
	o.HandleCallSignal(signaling.CallStart{Call: signaling.CallSummary{
		ID: "c1", MatchID: "m1", CallerID: "bob", ReceiverID: "alice", CallType: "voice",
	}})

	mu.Lock()
	got := rings
	mu.Unlock()
	if got != 1 {
		t.Fatalf("rang %d times, want 1", got)
	}

	neg.mu.Lock()
	inits := len(neg.inits)
	deferred := !neg.mediaOn[0]
	neg.mu.Unlock()
	if inits != 1 {
		t.Fatalf("session initialized %d times, want 1", inits)
	}
	if !deferred {
		t.Fatal("incoming call must not capture media before accept")
	}
}

func TestAcceptAcquiresMediaAndPersistsActive(t *testing.T) {
	store := newFakeStore()
	neg := &fakeNegotiator{}
	o := newTestOrchestrator(t, store, neg, Events{})

	rec := Record{ID: "c1", MatchID: "m1", CallerID: "bob", ReceiverID: "alice", Type: TypeVideo, Status: StatusCalling}
	store.mu.Lock()
	store.records["c1"] = rec
	store.mu.Unlock()
	o.HandleIncomingCall(context.Background(), rec)

	if err := o.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if !neg.sentSignal(func(m signaling.Message) bool {
		_, ok := m.(signaling.CallAccepted)
		return ok
	}) {
		t.Fatal("call_accepted not signaled")
	}
	neg.mu.Lock()
	mediaAcquired := len(neg.mediaOn) == 2 && neg.mediaOn[1]
	neg.mu.Unlock()
	if !mediaAcquired {
		t.Fatal("accept did not acquire media into the open session")
	}
	if got := store.lastUpdate(); got != StatusActive {
		t.Fatalf("persisted status = %s, want active", got)
	}

	cur, ok := o.Current()
	if !ok || cur.Record.Status != StatusActive {
		t.Fatalf("active call snapshot = %+v, %v", cur, ok)
	}
}

func TestAcceptMediaFailureSendsNoSignal(t *testing.T) {
	store := newFakeStore()
	neg := &fakeNegotiator{}
	o := newTestOrchestrator(t, store, neg, Events{})

	rec := Record{ID: "c1", MatchID: "m1", CallerID: "bob", ReceiverID: "alice", Type: TypeVideo, Status: StatusCalling}
	store.mu.Lock()
	store.records["c1"] = rec
	store.mu.Unlock()
	o.HandleIncomingCall(context.Background(), rec)

	neg.mu.Lock()
	neg.initErr = errors.New("camera busy")
	neg.mu.Unlock()

	if err := o.Accept(context.Background()); err == nil {
		t.Fatal("expected Accept to fail on media error")
	}

	// The caller must not see an accept: otherwise it sends its offer and
	// goes active while this side is still ringing without tracks.
	if neg.sentSignal(func(m signaling.Message) bool {
		_, ok := m.(signaling.CallAccepted)
		return ok
	}) {
		t.Fatal("call_accepted signalled despite media failure")
	}
	if got := store.lastUpdate(); got == StatusActive {
		t.Fatal("call persisted active despite media failure")
	}
	cur, ok := o.Current()
	if !ok || !cur.IsIncoming || cur.Record.Status != StatusCalling {
		t.Fatalf("call not left ringing: %+v, %v", cur, ok)
	}

	// Retry once the camera frees up.
	neg.mu.Lock()
	neg.initErr = nil
	neg.mu.Unlock()
	if err := o.Accept(context.Background()); err != nil {
		t.Fatalf("Accept retry: %v", err)
	}
	if !neg.sentSignal(func(m signaling.Message) bool {
		_, ok := m.(signaling.CallAccepted)
		return ok
	}) {
		t.Fatal("call_accepted not signalled on retry")
	}
}

func TestConcurrentStartCallsAdmitOne(t *testing.T) {
	store := newFakeStore()
	neg := &fakeNegotiator{
		initGate:    make(chan struct{}),
		initStarted: make(chan struct{}, 1),
	}
	o := newTestOrchestrator(t, store, neg, Events{})

	errs := make(chan error, 1)
	go func() {
		_, err := o.StartCall(context.Background(), "m1", "bob", TypeVoice)
		errs <- err
	}()

	// First call is mid-setup: current is still nil but the slot is taken.
	<-neg.initStarted
	if _, err := o.StartCall(context.Background(), "m2", "carol", TypeVoice); err == nil {
		t.Fatal("second call admitted while the first was still starting")
	}

	close(neg.initGate)
	if err := <-errs; err != nil {
		t.Fatalf("first StartCall: %v", err)
	}
	cur, ok := o.Current()
	if !ok || cur.Record.MatchID != "m1" {
		t.Fatalf("active call = %+v, %v, want m1", cur, ok)
	}
}

func TestRejectPersistsAndTearsDown(t *testing.T) {
	store := newFakeStore()
	neg := &fakeNegotiator{}
	o := newTestOrchestrator(t, store, neg, Events{})

	rec := Record{ID: "c1", MatchID: "m1", CallerID: "bob", ReceiverID: "alice", Type: TypeVoice, Status: StatusCalling}
	store.mu.Lock()
	store.records["c1"] = rec
	store.mu.Unlock()
	o.HandleIncomingCall(context.Background(), rec)

	if err := o.Reject(context.Background()); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if got := store.lastUpdate(); got != StatusRejected {
		t.Fatalf("persisted status = %s, want rejected", got)
	}
	end := store.ending("c1")
	if end == nil || end.EndedAt.IsZero() {
		t.Fatalf("rejected call has no ended timestamp: %+v", end)
	}
	if end.Duration != 0 {
		t.Fatalf("unanswered call recorded duration %v", end.Duration)
	}
	if neg.cleanupCount() != 1 {
		t.Fatalf("cleanups = %d, want 1", neg.cleanupCount())
	}
	if _, ok := o.Current(); ok {
		t.Fatal("call still active after reject")
	}
}

func TestEndUnansweredCallBecomesMissed(t *testing.T) {
	store := newFakeStore()
	neg := &fakeNegotiator{}
	o := newTestOrchestrator(t, store, neg, Events{})

	if _, err := o.StartCall(context.Background(), "m1", "bob", TypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := o.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}

	if got := store.lastUpdate(); got != StatusMissed {
		t.Fatalf("persisted status = %s, want missed", got)
	}
}

func TestEndAnsweredCallRecordsDuration(t *testing.T) {
	store := newFakeStore()
	neg := &fakeNegotiator{}
	o := newTestOrchestrator(t, store, neg, Events{})

	rec, err := o.StartCall(context.Background(), "m1", "bob", TypeVoice)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	o.HandleCallSignal(signaling.CallAccepted{})
	waitFor(t, "call active", func() bool {
		cur, ok := o.Current()
		return ok && cur.Record.Status == StatusActive
	})

	time.Sleep(20 * time.Millisecond)
	if err := o.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}

	if got := store.lastUpdate(); got != StatusEnded {
		t.Fatalf("persisted status = %s, want ended", got)
	}
	end := store.ending(rec.ID)
	if end == nil || end.EndedAt.IsZero() {
		t.Fatalf("ended call has no ended timestamp: %+v", end)
	}
	if end.Duration <= 0 {
		t.Fatalf("answered call recorded duration %v", end.Duration)
	}
}

func TestPollReapsRemotelyTerminatedCall(t *testing.T) {
	store := newFakeStore()
	neg := &fakeNegotiator{}
	ended := make(chan string, 1)
	o := newTestOrchestrator(t, store, neg, Events{
		OnEnded: func(callID, reason string) { ended <- reason },
	})

	rec, err := o.StartCall(context.Background(), "m1", "bob", TypeVoice)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	// The peer hangs up out of band: only the database knows.
	store.setStatus(rec.ID, StatusEnded)

	select {
	case reason := <-ended:
		if reason != "db_poll_terminated" {
			t.Fatalf("reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll never reaped the terminated call")
	}
	if _, ok := o.Current(); ok {
		t.Fatal("call still active after poll teardown")
	}
}

func TestWatchFeedRingsAndReaps(t *testing.T) {
	store := newFakeStore()
	neg := &fakeNegotiator{}
	rang := make(chan ActiveCall, 1)
	o := newTestOrchestrator(t, store, neg, Events{
		OnIncoming: func(c ActiveCall) { rang <- c },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	rec := Record{ID: "c9", MatchID: "m1", CallerID: "bob", ReceiverID: "alice", Type: TypeVoice, Status: StatusCalling}
	store.mu.Lock()
	store.records["c9"] = rec
	store.mu.Unlock()
	store.feed <- rec

	select {
	case got := <-rang:
		if got.Record.ID != "c9" || !got.IsIncoming {
			t.Fatalf("rang with %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch feed never rang")
	}

	// Caller gives up before we answer.
	ended := rec
	ended.Status = StatusMissed
	store.setStatus("c9", StatusMissed)
	store.feed <- ended

	waitFor(t, "teardown from feed", func() bool {
		_, ok := o.Current()
		return !ok
	})
}

func TestMediaFailureOnStartMarksMissed(t *testing.T) {
	store := newFakeStore()
	neg := &fakeNegotiator{initErr: errors.New("camera busy")}
	o := newTestOrchestrator(t, store, neg, Events{})

	if _, err := o.StartCall(context.Background(), "m1", "bob", TypeVideo); err == nil {
		t.Fatal("expected StartCall to fail")
	}
	if got := store.lastUpdate(); got != StatusMissed {
		t.Fatalf("failed call persisted as %s, want missed", got)
	}
	if _, ok := o.Current(); ok {
		t.Fatal("failed call left active")
	}
}
