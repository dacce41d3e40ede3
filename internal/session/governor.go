package session

import "time"

// The hosting platform drops every WebSocket at the 60-minute mark. The
// governor pre-empts it at 55 so the reconnect happens on our terms, with
// the caller warned and the conversation state parked intact.
const (
	// ReconnectAfter is how long one WebSocket connection may live before
	// the governor forces a graceful reconnect. Counted per connection: an
	// adopted socket gets a fresh deadline.
	ReconnectAfter = 55 * time.Minute

	// AdoptGrace is how long a parked session waits for the gateway to
	// come back with the same call SID before the call is abandoned.
	AdoptGrace = 15 * time.Second

	// MaxReconnects caps governor reconnects per call. At the cap the
	// session ends gracefully instead of parking again.
	MaxReconnects = 1
)

// Canned speech for lifecycle events the model does not narrate.
const (
	// ReconnectNotice is spoken right before the governor closes the
	// socket for a reconnect.
	ReconnectNotice = "One moment, I need to briefly reconnect. I'll be right back."

	// ToolBudgetRefusal is spoken when the model requests a tool call past
	// the per-turn budget.
	ToolBudgetRefusal = "I can't look anything else up for this request. What else can I do for you?"

	// DefaultFallbackMessage is spoken after a model stream failure when
	// the agent profile configures no fallback of its own.
	DefaultFallbackMessage = "Sorry, something went wrong on my end. Could you say that again?"
)

// handleGovernor fires at the connection-age ceiling. A first offense parks
// the session for re-adoption; past the reconnect cap the call ends
// gracefully instead.
func (s *Session) handleGovernor() {
	switch s.State() {
	case StateReconnecting, StateClosing, StateClosed:
		return
	}

	if s.reconnects >= MaxReconnects {
		s.logger.Info(s.ctx, "reconnect ceiling reached, ending call",
			"reconnects", s.reconnects,
		)
		s.teardown("connection_ceiling", true)
		return
	}

	// The token stream cannot survive the socket gap, so an in-flight turn
	// is settled now with the same bookkeeping as a barge-in.
	s.cancelTurn(false)

	s.logger.Info(s.ctx, "governor forcing reconnect",
		"connection_age", time.Since(s.startedAt).String(),
	)
	s.sendSpeech(ReconnectNotice, true)

	if s.transport != nil {
		if err := s.transport.Close(CloseReconnect, ReconnectReason); err != nil {
			s.logger.Warn(s.ctx, "reconnect close failed", "error", err)
		}
		s.transport = nil
	}

	s.stopIdle()
	s.setState(StateReconnecting)
	s.armAdoptGrace()
}

// handleAdopt resumes a parked session on the reconnected gateway socket.
// History, locale, and the conversation handle carried across the gap; the
// caller is not greeted again.
func (s *Session) handleAdopt(req adoptRequest) {
	switch s.State() {
	case StateReconnecting:
	case StateClosing, StateClosed:
		req.reply <- ErrSessionClosed
		return
	default:
		req.reply <- ErrCallInProgress
		return
	}

	s.stopAdoptGrace()
	s.transport = req.transport
	s.reconnects++
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordReconnect()
	}

	s.sendInitialLanguage()
	s.armGovernor()
	s.armIdle()
	s.setState(StateAwaitingUser)

	s.logger.Info(s.ctx, "session adopted on new transport",
		"reconnects", s.reconnects,
	)
	req.reply <- nil
}

// handleAdoptExpired abandons a parked session the gateway never reclaimed.
func (s *Session) handleAdoptExpired() {
	if s.State() != StateReconnecting {
		return
	}
	s.logger.Warn(s.ctx, "gateway did not reconnect in time, ending call",
		"grace", s.adoptGrace.String(),
	)
	s.teardown("reconnect_timeout", false)
}

// handleIdle closes a session whose caller went quiet past the agent's
// disconnect window.
func (s *Session) handleIdle() {
	switch s.State() {
	case StateReconnecting, StateClosing, StateClosed:
		return
	}
	s.logger.Info(s.ctx, "caller idle, closing session",
		"idle_limit", s.profile.DisconnectTimeout(2*time.Minute).String(),
	)
	s.teardown("idle", true)
}

// handleDetach reacts to a socket dying. Only the current transport counts;
// the pre-reconnect socket detaching after an adopt is stale news.
func (s *Session) handleDetach(tr Transport) {
	if s.transport == nil || s.transport != tr {
		return
	}
	s.logger.Info(s.ctx, "transport detached")
	s.teardown("disconnect", false)
}
