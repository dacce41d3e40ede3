package convo

import (
	"context"
	"sync"
	"time"

	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/pkg/models"
)

// minWindow is the smallest usable history window: the pinned system
// message plus one conversational entry.
const minWindow = 2

// record is one caller's conversation state. Access requires holding the
// caller's entry.
type record struct {
	callerID      string
	agentID       string
	messages      []models.Message
	createdAt     time.Time
	lastTouchedAt time.Time
	pending       map[string]struct{}
}

// entry pairs a caller's record with its exclusivity semaphore. A slot in
// sem is the caller's write lock; mu guards the metadata and record pointer.
type entry struct {
	sem chan struct{}

	mu         sync.Mutex
	holder     string
	acquiredAt time.Time
	record     *record
}

// Store owns every conversation record, keyed by normalized caller ID.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	window  int
	logger  *observability.Logger
	nowFunc func() time.Time // For testing
}

// NewStore creates a conversation store whose histories are pruned to at
// most window messages.
func NewStore(window int, logger *observability.Logger) *Store {
	if window < minWindow {
		window = minWindow
	}
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &Store{
		entries: make(map[string]*entry),
		window:  window,
		logger:  logger,
		nowFunc: time.Now,
	}
}

func (s *Store) entryFor(callerID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[callerID]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		s.entries[callerID] = e
	}
	return e
}

// Acquire takes exclusive ownership of the caller's conversation, blocking
// until the current holder releases or ctx is done. holder identifies the
// acquirer (call SID or managed session ID) for diagnostics.
func (s *Store) Acquire(ctx context.Context, callerID, agentID, holder string) (*Handle, error) {
	e := s.entryFor(callerID)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.adopt(e, callerID, agentID, holder), nil
}

// TryAcquire takes the conversation without waiting. It reports false when
// another holder has it, which the accept layer surfaces as a busy caller.
func (s *Store) TryAcquire(callerID, agentID, holder string) (*Handle, bool) {
	e := s.entryFor(callerID)
	select {
	case e.sem <- struct{}{}:
		return s.adopt(e, callerID, agentID, holder), true
	default:
		return nil, false
	}
}

func (s *Store) adopt(e *entry, callerID, agentID, holder string) *Handle {
	now := s.nowFunc()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record == nil {
		e.record = &record{
			callerID:  callerID,
			createdAt: now,
			pending:   make(map[string]struct{}),
		}
	}
	// Re-resolution is authoritative: a caller remapped to a different
	// agent keeps their history but speaks to the new profile.
	e.record.agentID = agentID
	e.record.lastTouchedAt = now
	e.holder = holder
	e.acquiredAt = now

	return &Handle{store: s, entry: e, callerID: callerID}
}

// Holder reports who currently owns the caller's conversation.
func (s *Store) Holder(callerID string) (holder string, since time.Time, held bool) {
	s.mu.Lock()
	e, ok := s.entries[callerID]
	s.mu.Unlock()
	if !ok {
		return "", time.Time{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sem) == 0 {
		return "", time.Time{}, false
	}
	return e.holder, e.acquiredAt, true
}

// Held reports whether anyone currently owns the caller's conversation.
func (s *Store) Held(callerID string) bool {
	_, _, held := s.Holder(callerID)
	return held
}

// Len counts callers with recorded history.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		e.mu.Lock()
		if e.record != nil {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// SweepIdle discards records untouched for at least idleFor. Conversations
// currently held are skipped; their history is in use. Returns the number
// of records discarded.
func (s *Store) SweepIdle(idleFor time.Duration) int {
	if idleFor <= 0 {
		return 0
	}
	cutoff := s.nowFunc().Add(-idleFor)

	s.mu.Lock()
	entries := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		entries[id] = e
	}
	s.mu.Unlock()

	swept := 0
	for callerID, e := range entries {
		select {
		case e.sem <- struct{}{}:
		default:
			continue
		}

		e.mu.Lock()
		if e.record != nil && e.record.lastTouchedAt.Before(cutoff) {
			e.record = nil
			swept++
			s.logger.Debug(context.Background(), "idle conversation discarded", "caller_id", callerID)
		}
		e.mu.Unlock()

		<-e.sem
	}
	return swept
}
