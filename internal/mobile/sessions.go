package mobile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ringdown/ringdown/internal/observability"
)

var (
	// ErrSessionNotFound means the session id is unknown or already expired.
	ErrSessionNotFound = errors.New("mobile: session not found")

	// ErrControlDisabled means the control harness is off for this build.
	ErrControlDisabled = errors.New("mobile: control harness disabled")

	// ErrControlKeyMismatch means the supplied control key did not match.
	ErrControlKeyMismatch = errors.New("mobile: control key mismatch")
)

// RoomInfo describes an allocated upstream AV room.
type RoomInfo struct {
	URL               string
	PipelineSessionID string
}

// PipelineProvider provisions audio rooms on the managed pipeline. The
// static provider below serves self-hosted deployments; hosted AV vendors
// plug in behind the same interface.
type PipelineProvider interface {
	// CreateRoom allocates an upstream room for the session.
	CreateRoom(ctx context.Context, sessionID, deviceID, agentID string) (RoomInfo, error)
	// CloseRoom releases the upstream room. Unknown ids are not an error.
	CloseRoom(ctx context.Context, pipelineSessionID string) error
	// SupportsRefresh reports whether an access token can be re-minted
	// against an existing room. When false, refresh allocates a new session.
	SupportsRefresh() bool
}

// StaticPipeline derives room URLs from the server's public base URL. It
// keeps no upstream state, so refresh is always in place.
type StaticPipeline struct {
	baseURL string
}

// NewStaticPipeline builds the default provider.
func NewStaticPipeline(publicBaseURL string) *StaticPipeline {
	return &StaticPipeline{baseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (p *StaticPipeline) CreateRoom(_ context.Context, sessionID, _, _ string) (RoomInfo, error) {
	base := p.baseURL
	if base == "" {
		base = "http://localhost"
	}
	return RoomInfo{
		URL:               base + "/av/rooms/" + sessionID,
		PipelineSessionID: uuid.NewString(),
	}, nil
}

func (p *StaticPipeline) CloseRoom(context.Context, string) error { return nil }

func (p *StaticPipeline) SupportsRefresh() bool { return true }

// Session is one live managed-AV session. Mobile clients hold its access
// token and poll its control queue; completions run against CallerKey.
type Session struct {
	ID                string
	DeviceID          string
	AgentID           string
	CallerKey         string
	RoomURL           string
	AccessToken       string
	ExpiresAt         time.Time
	PipelineSessionID string
	ControlKey        string
	Greeting          string
	Metadata          map[string]string
	CreatedAt         time.Time

	control *controlQueue
}

func (s *Session) snapshot() Session {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// callerKeyForDevice maps a device onto the conversation store's keyspace.
// Devices share history across sessions the way phone callers do across
// calls.
func callerKeyForDevice(deviceID string) string {
	return "device:" + deviceID
}

// SessionManager owns the managed-AV session map: create/refresh, lookup,
// delete, TTL expiry, and the per-session control queues.
type SessionManager struct {
	tokens         *TokenService
	pipeline       PipelineProvider
	controlEnabled bool
	logger         *observability.Logger
	metrics        *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*Session // session id → session
	byDevice map[string]string   // device id → session id

	nowFunc func() time.Time
}

// NewSessionManager wires the session map. pipeline may not be nil; pass
// NewStaticPipeline for self-hosted deployments.
func NewSessionManager(tokens *TokenService, pipeline PipelineProvider, controlEnabled bool, logger *observability.Logger, metrics *observability.Metrics) *SessionManager {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &SessionManager{
		tokens:         tokens,
		pipeline:       pipeline,
		controlEnabled: controlEnabled,
		logger:         logger.WithComponent("mobile"),
		metrics:        metrics,
		sessions:       make(map[string]*Session),
		byDevice:       make(map[string]string),
		nowFunc:        time.Now,
	}
}

// ControlEnabled reports whether the control harness is compiled in.
func (m *SessionManager) ControlEnabled() bool { return m.controlEnabled }

// CreateOrRefresh returns a session for the device. When the device already
// holds an unexpired session for the same agent and the provider supports
// in-place refresh, the existing session is returned with a fresh token.
// Otherwise a new session replaces whatever was there.
func (m *SessionManager) CreateOrRefresh(ctx context.Context, deviceID, agentID, greeting string) (Session, bool, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return Session{}, false, errors.New("mobile: device id required")
	}

	m.mu.Lock()
	if sid, ok := m.byDevice[deviceID]; ok {
		sess := m.sessions[sid]
		if sess != nil && sess.AgentID == agentID && m.pipeline.SupportsRefresh() && m.nowFunc().Before(sess.ExpiresAt) {
			token, expiresAt, err := m.tokens.Mint(sess.ID, deviceID, agentID)
			if err != nil {
				m.mu.Unlock()
				return Session{}, false, err
			}
			sess.AccessToken = token
			sess.ExpiresAt = expiresAt
			out := sess.snapshot()
			m.mu.Unlock()
			m.logger.Info(ctx, "mobile_managed_session_refreshed",
				"session_id", out.ID, "device_id", deviceID, "agent_id", agentID,
				"expires_at", expiresAt)
			return out, true, nil
		}
	}
	m.mu.Unlock()

	id := uuid.NewString()
	room, err := m.pipeline.CreateRoom(ctx, id, deviceID, agentID)
	if err != nil {
		return Session{}, false, fmt.Errorf("mobile: allocate room: %w", err)
	}
	token, expiresAt, err := m.tokens.Mint(id, deviceID, agentID)
	if err != nil {
		_ = m.pipeline.CloseRoom(ctx, room.PipelineSessionID)
		return Session{}, false, err
	}

	sess := &Session{
		ID:                id,
		DeviceID:          deviceID,
		AgentID:           agentID,
		CallerKey:         callerKeyForDevice(deviceID),
		RoomURL:           room.URL,
		AccessToken:       token,
		ExpiresAt:         expiresAt,
		PipelineSessionID: room.PipelineSessionID,
		Greeting:          greeting,
		CreatedAt:         m.nowFunc(),
	}
	if m.controlEnabled {
		sess.ControlKey = newControlKey()
		sess.control = newControlQueue(0)
	}

	var stale *Session
	m.mu.Lock()
	if oldID, ok := m.byDevice[deviceID]; ok {
		if old := m.sessions[oldID]; old != nil {
			delete(m.sessions, oldID)
			stale = old
		}
	}
	m.sessions[id] = sess
	m.byDevice[deviceID] = id
	out := sess.snapshot()
	m.mu.Unlock()

	if stale != nil {
		_ = m.pipeline.CloseRoom(ctx, stale.PipelineSessionID)
	}

	m.logger.Info(ctx, "mobile_managed_session_started",
		"session_id", id, "device_id", deviceID, "agent_id", agentID,
		"expires_at", expiresAt, "control", m.controlEnabled)
	if m.metrics != nil {
		m.metrics.ManagedSessionOpened()
	}
	return out, false, nil
}

// Get returns a snapshot of an unexpired session.
func (m *SessionManager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || m.nowFunc().After(sess.ExpiresAt) {
		return Session{}, false
	}
	return sess.snapshot(), true
}

// Close deletes a session and releases its upstream room.
func (m *SessionManager) Close(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		if m.byDevice[sess.DeviceID] == sessionID {
			delete(m.byDevice, sess.DeviceID)
		}
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if err := m.pipeline.CloseRoom(ctx, sess.PipelineSessionID); err != nil {
		m.logger.Warn(ctx, "upstream room close failed",
			"session_id", sessionID, "error", err)
	}
	m.logger.Info(ctx, "mobile_managed_session_closed",
		"session_id", sessionID, "device_id", sess.DeviceID, "agent_id", sess.AgentID)
	if m.metrics != nil {
		m.metrics.ManagedSessionClosed()
	}
	return nil
}

// EnqueueControl queues a control-audio message for the session. The spool
// watcher and tests are the producers.
func (m *SessionManager) EnqueueControl(ctx context.Context, sessionID string, msg ControlMessage) error {
	if !m.controlEnabled {
		return ErrControlDisabled
	}
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if sess.control == nil {
		return ErrControlDisabled
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = m.nowFunc().UTC()
	}
	if evicted := sess.control.Push(msg); evicted {
		m.logger.Warn(ctx, "control queue full, dropped oldest",
			"session_id", sessionID)
	}
	return nil
}

// NextControl pops the oldest control message after verifying the caller's
// key in constant time.
func (m *SessionManager) NextControl(sessionID, key string) (*ControlMessage, error) {
	if !m.controlEnabled {
		return nil, ErrControlDisabled
	}
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.control == nil || sess.ControlKey == "" {
		return nil, ErrControlDisabled
	}
	if !controlKeyMatches(sess.ControlKey, key) {
		return nil, ErrControlKeyMismatch
	}
	msg, ok := sess.control.Pop()
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

// ExpireStale drops sessions whose token TTL has lapsed and returns how
// many were removed. The maintenance scheduler calls this periodically.
func (m *SessionManager) ExpireStale(ctx context.Context) int {
	now := m.nowFunc()

	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			delete(m.sessions, id)
			if m.byDevice[sess.DeviceID] == id {
				delete(m.byDevice, sess.DeviceID)
			}
			expired = append(expired, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		if err := m.pipeline.CloseRoom(ctx, sess.PipelineSessionID); err != nil {
			m.logger.Warn(ctx, "upstream room close failed",
				"session_id", sess.ID, "error", err)
		}
		m.logger.Info(ctx, "mobile_managed_session_closed",
			"session_id", sess.ID, "device_id", sess.DeviceID,
			"agent_id", sess.AgentID, "reason", "ttl_expired")
		if m.metrics != nil {
			m.metrics.ManagedSessionClosed()
		}
	}
	return len(expired)
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
