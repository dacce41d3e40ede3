// Package mobile serves the managed-AV HTTP path: session provisioning
// with short-TTL access tokens, non-streaming completions over the shared
// conversation store, device registration, and the feature-flagged
// control-audio harness.
package mobile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/internal/profile"
)

// ControlKeyHeader authenticates control-queue polls.
const ControlKeyHeader = "X-Ringdown-Control-Key"

const (
	pathVoiceSession   = "/v1/mobile/voice/session"
	pathCompletions    = "/v1/mobile/managed-av/completions"
	pathSessions       = "/v1/mobile/managed-av/sessions/"
	pathControlNext    = "/v1/mobile/managed-av/control/next"
	pathDeviceRegister = "/v1/mobile/devices/register"
)

const maxRequestBody = 1 << 20

// Controller is the HTTP surface for managed-AV clients. Mount attaches it
// to the gateway's mux.
type Controller struct {
	sessions *SessionManager
	runner   *CompletionRunner
	devices  *DeviceRegistry
	profiles *profile.Registry
	tokens   *TokenService
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// ControllerOptions wires a Controller.
type ControllerOptions struct {
	Sessions *SessionManager
	Runner   *CompletionRunner
	Devices  *DeviceRegistry
	Profiles *profile.Registry
	Tokens   *TokenService
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// NewController builds the managed-AV HTTP controller.
func NewController(opts ControllerOptions) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &Controller{
		sessions: opts.Sessions,
		runner:   opts.Runner,
		devices:  opts.Devices,
		profiles: opts.Profiles,
		tokens:   opts.Tokens,
		logger:   logger.WithComponent("mobile"),
		metrics:  opts.Metrics,
	}
}

// Mount registers the mobile routes.
func (c *Controller) Mount(mux *http.ServeMux) {
	mux.HandleFunc(pathVoiceSession, c.handleCreateSession)
	mux.HandleFunc(pathCompletions, c.handleCompletion)
	mux.HandleFunc(pathSessions, c.handleSession)
	mux.HandleFunc(pathControlNext, c.handleControlNext)
	mux.HandleFunc(pathDeviceRegister, c.handleRegisterDevice)
}

type createSessionRequest struct {
	DeviceID string `json:"deviceId"`
	Agent    string `json:"agent,omitempty"`
}

type sessionResponse struct {
	SessionID         string         `json:"sessionId"`
	Agent             string         `json:"agent"`
	RoomURL           string         `json:"roomUrl"`
	AccessToken       string         `json:"accessToken"`
	ExpiresAt         time.Time      `json:"expiresAt"`
	PipelineSessionID string         `json:"pipelineSessionId,omitempty"`
	Greeting          string         `json:"greeting,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

func (c *Controller) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		c.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		c.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		c.jsonError(w, "deviceId required", http.StatusBadRequest)
		return
	}

	if decision := c.devices.Decide(deviceID); decision.Status != DeviceApproved {
		c.logger.Warn(r.Context(), "session refused for unapproved device",
			"device_id", deviceID, "status", string(decision.Status))
		c.jsonWith(w, decision, http.StatusForbidden)
		return
	}

	prof, ok := c.profiles.Default()
	if req.Agent != "" {
		prof, ok = c.profiles.Get(req.Agent)
	}
	if !ok {
		c.jsonError(w, "unknown agent", http.StatusBadRequest)
		return
	}

	sess, refreshed, err := c.sessions.CreateOrRefresh(r.Context(), deviceID, prof.ID, prof.Greeting)
	if err != nil {
		c.logger.Error(r.Context(), "session create failed",
			"device_id", deviceID, "error", err)
		c.jsonError(w, "session allocation failed", http.StatusBadGateway)
		return
	}

	resp := sessionResponse{
		SessionID:         sess.ID,
		Agent:             sess.AgentID,
		RoomURL:           sess.RoomURL,
		AccessToken:       sess.AccessToken,
		ExpiresAt:         sess.ExpiresAt,
		PipelineSessionID: sess.PipelineSessionID,
		Greeting:          sess.Greeting,
	}
	if sess.ControlKey != "" {
		resp.Metadata = map[string]any{
			"control": map[string]string{
				"key":      sess.ControlKey,
				"pollPath": pathControlNext,
			},
		}
	}

	status := http.StatusCreated
	if refreshed {
		status = http.StatusOK
	}
	c.jsonWith(w, resp, status)
}

type completionRequest struct {
	SessionID  string `json:"sessionId"`
	Transcript string `json:"transcript"`
}

type completionResponse struct {
	Text     string `json:"text"`
	Hold     bool   `json:"hold,omitempty"`
	Reset    bool   `json:"reset,omitempty"`
	PromptID string `json:"promptId,omitempty"`
}

func (c *Controller) handleCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		c.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req completionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		c.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Transcript) == "" {
		c.jsonError(w, "transcript required", http.StatusBadRequest)
		return
	}

	sess, ok := c.sessions.Get(req.SessionID)
	if !ok {
		c.jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	if !c.authorize(r, sess.ID) {
		c.jsonError(w, "invalid access token", http.StatusUnauthorized)
		return
	}

	result, err := c.runner.Run(r.Context(), sess, req.Transcript)
	if err != nil {
		c.logger.Error(r.Context(), "completion failed",
			"session_id", sess.ID, "error", err)
		c.jsonError(w, "completion failed", http.StatusBadGateway)
		return
	}

	if result.Reset {
		// The assistant hung up; drop the session so the client re-creates.
		if err := c.sessions.Close(r.Context(), sess.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			c.logger.Warn(r.Context(), "session close after reset failed",
				"session_id", sess.ID, "error", err)
		}
	}

	c.jsonResponse(w, completionResponse{
		Text:     result.Text,
		Hold:     result.Hold,
		Reset:    result.Reset,
		PromptID: result.PromptID,
	})
}

// handleSession serves DELETE /v1/mobile/managed-av/sessions/{id}.
func (c *Controller) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		c.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, pathSessions)
	if id == "" || strings.Contains(id, "/") {
		c.jsonError(w, "session id required", http.StatusBadRequest)
		return
	}

	if err := c.sessions.Close(r.Context(), id); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.jsonError(w, "session not found", http.StatusNotFound)
			return
		}
		c.logger.Error(r.Context(), "session close failed", "session_id", id, "error", err)
		c.jsonError(w, "session close failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type controlNextRequest struct {
	SessionID string `json:"sessionId"`
}

type controlNextResponse struct {
	Message *ControlMessage `json:"message"`
}

func (c *Controller) handleControlNext(w http.ResponseWriter, r *http.Request) {
	if !c.sessions.ControlEnabled() {
		// The harness is compiled out of the surface entirely.
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		c.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req controlNextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		c.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := c.sessions.NextControl(req.SessionID, r.Header.Get(ControlKeyHeader))
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrControlDisabled):
		c.jsonError(w, "session not found", http.StatusNotFound)
		return
	case errors.Is(err, ErrControlKeyMismatch):
		c.jsonError(w, "control key mismatch", http.StatusForbidden)
		return
	case err != nil:
		c.jsonError(w, "control poll failed", http.StatusInternalServerError)
		return
	}
	c.jsonResponse(w, controlNextResponse{Message: msg})
}

func (c *Controller) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		c.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var reg DeviceRegistration
	if err := decodeJSON(w, r, &reg); err != nil {
		c.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(reg.DeviceID) == "" {
		c.jsonError(w, "deviceId required", http.StatusBadRequest)
		return
	}

	decision := c.devices.Register(reg)
	c.logger.Info(r.Context(), "device registered",
		"device_id", reg.DeviceID, "status", string(decision.Status))
	c.jsonResponse(w, decision)
}

// authorize validates a bearer token when one is presented. The session id
// in the token's subject must match the target session. Requests without
// an Authorization header pass: the session id itself is the capability on
// this path, and older clients never send the token back.
func (c *Controller) authorize(r *http.Request, sessionID string) bool {
	header := r.Header.Get("Authorization")
	if header == "" {
		return true
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || c.tokens == nil {
		return false
	}
	claims, err := c.tokens.Validate(strings.TrimSpace(token))
	if err != nil {
		return false
	}
	return claims.Subject == sessionID
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func (c *Controller) jsonResponse(w http.ResponseWriter, data any) {
	c.jsonWith(w, data, http.StatusOK)
}

func (c *Controller) jsonWith(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		c.logger.Error(context.Background(), "json encode error", "error", err)
	}
}

func (c *Controller) jsonError(w http.ResponseWriter, message string, code int) {
	c.jsonWith(w, map[string]string{"error": message}, code)
}
