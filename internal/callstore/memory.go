package callstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heartwire/callcore/internal/call"
)

// MemoryStore is an in-process call.Store for tests and single-machine demos.
// Watch semantics match the Postgres store: every create and update of a
// record addressed to the watched receiver is delivered.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]call.Record
	watchers map[string][]chan call.Record // keyed by receiverID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]call.Record),
		watchers: make(map[string][]chan call.Record),
	}
}

func (s *MemoryStore) Create(ctx context.Context, matchID, callerID, receiverID string, callType call.Type) (call.Record, error) {
	now := time.Now()
	rec := call.Record{
		ID:         uuid.NewString(),
		MatchID:    matchID,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Type:       callType,
		Status:     call.StatusCalling,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.notifyLocked(rec)
	s.mu.Unlock()
	return rec, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, callID string, status call.Status, ending *call.Ending) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[callID]
	if !ok {
		return fmt.Errorf("call not found: %s", callID)
	}
	if rec.Status.Terminal() {
		return nil
	}

	rec.Status = status
	rec.UpdatedAt = time.Now()
	if ending != nil {
		endedAt := ending.EndedAt
		rec.EndedAt = &endedAt
		rec.DurationSeconds = int64(ending.Duration.Seconds())
	}
	s.records[callID] = rec
	s.notifyLocked(rec)
	return nil
}

func (s *MemoryStore) GetStatus(ctx context.Context, callID string) (call.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[callID]
	if !ok {
		return "", fmt.Errorf("call not found: %s", callID)
	}
	return rec.Status, nil
}

// Get returns a copy of the record, for tests and call-history reads.
func (s *MemoryStore) Get(callID string) (call.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	return rec, ok
}

func (s *MemoryStore) Watch(ctx context.Context, receiverID string) (<-chan call.Record, error) {
	ch := make(chan call.Record, 16)

	s.mu.Lock()
	s.watchers[receiverID] = append(s.watchers[receiverID], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		watchers := s.watchers[receiverID]
		for i, w := range watchers {
			if w == ch {
				s.watchers[receiverID] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (s *MemoryStore) notifyLocked(rec call.Record) {
	for _, ch := range s.watchers[rec.ReceiverID] {
		select {
		case ch <- rec:
		default:
			// Slow watcher; the status poll covers the gap.
		}
	}
}
