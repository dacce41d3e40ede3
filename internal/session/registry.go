package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/pkg/models"
)

var (
	// ErrCallerBusy means the caller's conversation handle is held by
	// another live session. The accept layer turns this into a polite
	// rejection.
	ErrCallerBusy = errors.New("caller already in an active call")

	// ErrCallInProgress means a setup frame reused the call SID of a live,
	// non-parked session.
	ErrCallInProgress = errors.New("call already in progress")

	// ErrSessionClosed means the target session shut down mid-operation.
	ErrSessionClosed = errors.New("session closed")

	// ErrMissingCallSid means the setup frame carried no call SID.
	ErrMissingCallSid = errors.New("setup frame missing callSid")
)

// ManagerConfig overrides lifecycle durations. Zero values keep the
// production defaults.
type ManagerConfig struct {
	ReconnectAfter time.Duration
	AdoptGrace     time.Duration
}

// Manager owns every live voice session, keyed by call SID. It decides on
// each setup frame whether to start a session or hand the socket to a
// parked one awaiting reconnect.
type Manager struct {
	deps   Deps
	cfg    ManagerConfig
	logger *observability.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a Manager around the shared process components.
func NewManager(deps Deps, cfg ManagerConfig) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		logger:   logger.WithComponent("sessions"),
		sessions: make(map[string]*Session),
	}
}

// Attach binds a gateway transport to a session based on its setup frame. A
// known call SID resumes the parked session; anything else starts fresh,
// acquiring the caller's conversation handle. The caller of Attach pumps
// subsequent frames via Deliver and reports socket death via Detach.
func (m *Manager) Attach(tr Transport, setup InboundFrame) (*Session, error) {
	callSid := strings.TrimSpace(setup.CallSid)
	if callSid == "" {
		return nil, ErrMissingCallSid
	}

	m.mu.Lock()
	existing := m.sessions[callSid]
	m.mu.Unlock()
	if existing != nil {
		err := existing.adopt(tr)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrSessionClosed) {
			return nil, err
		}
		// The parked session died between lookup and adopt; fall through
		// and treat the setup as a fresh call.
	}

	callerID := callerKey(setup)
	prof, err := m.deps.Profiles.Resolve(callerID)
	if err != nil {
		return nil, err
	}

	handle, ok := m.deps.Convo.TryAcquire(callerID, prof.ID, callSid)
	if !ok {
		holder, since, _ := m.deps.Convo.Holder(callerID)
		m.logger.Info(context.Background(), "caller busy, refusing second call",
			"caller_id", callerID,
			"call_sid", callSid,
			"holder", holder,
			"held_for", time.Since(since).String(),
		)
		return nil, ErrCallerBusy
	}

	s := newSession(m.deps, m.cfg, callSid, callerID, prof, handle, tr, setup.Direction)
	s.onClose = m.remove

	m.mu.Lock()
	if _, dup := m.sessions[callSid]; dup {
		m.mu.Unlock()
		handle.Release()
		return nil, ErrCallInProgress
	}
	m.sessions[callSid] = s
	m.mu.Unlock()

	go s.run()
	return s, nil
}

// Get returns the live session for a call SID.
func (m *Manager) Get(callSid string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callSid]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown asks every session to end and waits for them, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.callSid]; ok && cur == s {
		delete(m.sessions, s.callSid)
	}
}

// callerKey normalizes the setup frame's from number into the conversation
// store key. Numbers that defy E.164 normalization are used raw; a missing
// number falls back to a per-call anonymous key so distinct withheld
// callers never share history.
func callerKey(setup InboundFrame) string {
	if norm, err := models.NormalizeCallerID(setup.From); err == nil {
		return norm
	}
	if from := strings.TrimSpace(setup.From); from != "" {
		return from
	}
	return "anonymous:" + strings.TrimSpace(setup.CallSid)
}
