package session

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ringdown/ringdown/internal/convo"
	"github.com/ringdown/ringdown/internal/llm"
	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/internal/profile"
	"github.com/ringdown/ringdown/internal/tools"
	"github.com/ringdown/ringdown/pkg/models"
)

// State is the session lifecycle phase. Transitions are owned by the loop
// goroutine; State() reads are safe from anywhere.
type State string

const (
	StateIdle           State = "idle"
	StateGreeting       State = "greeting"
	StateAwaitingUser   State = "awaiting_user"
	StateModelStreaming State = "model_streaming"
	StateToolRunning    State = "tool_running"
	StateSpeaking       State = "speaking"
	StateInterrupted    State = "interrupted"
	StateReconnecting   State = "reconnecting"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// Archiver persists finished calls. Implementations must tolerate concurrent
// calls; the session saves in the background with a short deadline.
type Archiver interface {
	SaveCall(ctx context.Context, rec *models.CallRecord) error
}

// Deps bundles the process-wide components a session needs. Constructed once
// at startup and shared by every session.
type Deps struct {
	Profiles *profile.Registry
	Convo    *convo.Store
	Tools    *tools.Registry
	Provider llm.Provider

	// Archive is optional; nil disables call archiving.
	Archive Archiver

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// adoptRequest asks the loop to resume a parked session on a new transport.
type adoptRequest struct {
	transport Transport
	reply     chan error
}

// Session drives one telephony call. A single loop goroutine owns all
// mutable state and merges inbound frames, driver events, tool outcomes,
// and timer deadlines, so outbound frames and history appends keep the
// order the model produced.
type Session struct {
	callSid   string
	callerID  string
	direction string
	profile   *models.AgentProfile

	deps   Deps
	logger *observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	handle *convo.Handle
	driver *llm.Driver

	frames   chan InboundFrame
	adoptCh  chan adoptRequest
	detachCh chan Transport

	// transport and turn are loop-owned. transport is nil while the session
	// is parked between governor close and gateway re-adopt.
	transport Transport
	turn      *turn

	flushTimer    *time.Timer
	governorTimer *time.Timer
	idleTimer     *time.Timer
	adoptTimer    *time.Timer

	reconnectAfter time.Duration
	adoptGrace     time.Duration
	reconnects     int
	startedAt      time.Time

	// ttsLang and transcriptionLang track the active locale so a reconnect
	// can restore a mid-call language switch.
	ttsLang           string
	transcriptionLang string

	transcript []models.TranscriptEntry

	state   atomic.Value
	done    chan struct{}
	onClose func(*Session)
}

func newSession(deps Deps, cfg ManagerConfig, callSid, callerID string, prof *models.AgentProfile, handle *convo.Handle, tr Transport, direction string) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}

	ctx := observability.WithCallSid(context.Background(), callSid)
	ctx = observability.WithCallerID(ctx, callerID)
	ctx = observability.WithAgentID(ctx, prof.ID)
	ctx, cancel := context.WithCancel(ctx)

	reconnectAfter := cfg.ReconnectAfter
	if reconnectAfter <= 0 {
		reconnectAfter = ReconnectAfter
	}
	adoptGrace := cfg.AdoptGrace
	if adoptGrace <= 0 {
		adoptGrace = AdoptGrace
	}

	handle.EnsureSystem(prof.PromptTemplate)

	s := &Session{
		callSid:   callSid,
		callerID:  callerID,
		direction: direction,
		profile:   prof,

		deps:   deps,
		logger: logger.WithComponent("session"),

		ctx:    ctx,
		cancel: cancel,

		handle: handle,
		driver: llm.NewDriver(deps.Provider, llm.DriverConfig{BackupModel: prof.BackupModel}, logger, deps.Metrics),

		frames:   make(chan InboundFrame, 16),
		adoptCh:  make(chan adoptRequest),
		detachCh: make(chan Transport, 1),

		transport: tr,

		flushTimer:    newStoppedTimer(),
		governorTimer: newStoppedTimer(),
		idleTimer:     newStoppedTimer(),
		adoptTimer:    newStoppedTimer(),

		reconnectAfter: reconnectAfter,
		adoptGrace:     adoptGrace,
		startedAt:      time.Now().UTC(),

		ttsLang:           prof.TTSLanguage,
		transcriptionLang: prof.TranscriptionLanguage,

		done: make(chan struct{}),
	}
	s.state.Store(StateIdle)
	return s
}

// CallSid returns the gateway call identifier.
func (s *Session) CallSid() string { return s.callSid }

// CallerID returns the normalized caller identity.
func (s *Session) CallerID() string { return s.callerID }

// AgentID returns the resolved agent profile id.
func (s *Session) AgentID() string { return s.profile.ID }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	if v, ok := s.state.Load().(State); ok {
		return v
	}
	return StateIdle
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Deliver hands an inbound gateway frame to the session loop. Frames
// arriving after shutdown are dropped.
func (s *Session) Deliver(frame InboundFrame) {
	select {
	case s.frames <- frame:
	case <-s.done:
	}
}

// Detach reports that tr's socket closed. The session ignores the signal
// unless tr is its current transport, so a stale socket dying after a
// governor reconnect cannot take down the adopted session.
func (s *Session) Detach(tr Transport) {
	select {
	case s.detachCh <- tr:
	case <-s.done:
	}
}

// adopt resumes a parked session on a new transport. Only valid while the
// session is reconnecting.
func (s *Session) adopt(tr Transport) error {
	req := adoptRequest{transport: tr, reply: make(chan error, 1)}
	select {
	case s.adoptCh <- req:
	case <-s.done:
		return ErrSessionClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) setState(next State) {
	prev := s.State()
	if prev == next {
		return
	}
	s.state.Store(next)
	s.logger.Debug(s.ctx, "session state", "from", string(prev), "to", string(next))
}

// send writes one frame to the current transport. Send failures are logged
// and otherwise ignored; a dead socket surfaces through Detach.
func (s *Session) send(frame OutboundFrame) {
	if s.transport == nil {
		return
	}
	if err := s.transport.Send(frame); err != nil {
		s.logger.Warn(s.ctx, "frame send failed", "frame_type", frame.Type, "error", err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.FrameSent(frame.Type)
	}
}

// sendSpeech speaks a canned line (greeting, narration, apology, notice) as
// a word-token sequence, the shape the gateway gets from model streaming.
// terminal marks the end of the utterance.
func (s *Session) sendSpeech(text string, terminal bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	tokens := splitSpeech(text)
	for i, tok := range tokens {
		s.send(TextFrame(tok, terminal && i == len(tokens)-1))
	}
	s.recordAssistant(text)
}

func (s *Session) recordAssistant(text string) {
	s.transcript = append(s.transcript, models.TranscriptEntry{Speaker: "assistant", Text: text, At: time.Now().UTC()})
}

func (s *Session) recordCaller(text string) {
	s.transcript = append(s.transcript, models.TranscriptEntry{Speaker: "caller", Text: text, At: time.Now().UTC()})
}

func (s *Session) fallbackLine() string {
	if s.profile.FallbackMessage != "" {
		return s.profile.FallbackMessage
	}
	return DefaultFallbackMessage
}

// archive snapshots the call record and saves it off-loop so a slow store
// cannot stall shutdown.
func (s *Session) archive(reason string) {
	if s.deps.Archive == nil {
		return
	}
	rec := &models.CallRecord{
		CallSid:    s.callSid,
		CallerID:   s.callerID,
		AgentID:    s.profile.ID,
		StartedAt:  s.startedAt,
		EndedAt:    time.Now().UTC(),
		Reconnects: s.reconnects,
		EndReason:  reason,
		Transcript: append([]models.TranscriptEntry(nil), s.transcript...),
	}
	logger := s.logger
	saveCtx := observability.WithCallSid(context.Background(), s.callSid)
	go func() {
		ctx, cancel := context.WithTimeout(saveCtx, 5*time.Second)
		defer cancel()
		if err := s.deps.Archive.SaveCall(ctx, rec); err != nil {
			logger.Warn(ctx, "call archive failed", "error", err)
		}
	}()
}

// Timer plumbing. All resets and drains happen on the loop goroutine, so
// the stop-drain-reset dance is race free.

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (s *Session) armFlushTimer()  { resetTimer(s.flushTimer, FlushInterval) }
func (s *Session) stopFlushTimer() { stopTimer(s.flushTimer) }
func (s *Session) armGovernor()    { resetTimer(s.governorTimer, s.reconnectAfter) }
func (s *Session) stopGovernor()   { stopTimer(s.governorTimer) }
func (s *Session) armIdle()        { resetTimer(s.idleTimer, s.profile.DisconnectTimeout(2*time.Minute)) }
func (s *Session) stopIdle()       { stopTimer(s.idleTimer) }
func (s *Session) armAdoptGrace()  { resetTimer(s.adoptTimer, s.adoptGrace) }
func (s *Session) stopAdoptGrace() { stopTimer(s.adoptTimer) }
