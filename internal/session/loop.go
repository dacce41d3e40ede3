package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ringdown/ringdown/internal/llm"
	"github.com/ringdown/ringdown/internal/tools"
	"github.com/ringdown/ringdown/internal/tools/builtin"
	"github.com/ringdown/ringdown/pkg/models"
)

// run is the session goroutine. It greets, then serves the select loop
// until teardown.
func (s *Session) run() {
	defer s.finalize()

	if s.deps.Metrics != nil {
		s.deps.Metrics.VoiceSessionStarted()
	}
	s.logger.Info(s.ctx, "voice session started",
		"direction", s.direction,
		"has_history", s.handle.HasHistory(),
	)

	s.setState(StateGreeting)
	s.sendInitialLanguage()
	s.greet()
	s.setState(StateAwaitingUser)

	s.armGovernor()
	s.armIdle()
	s.loop()
}

func (s *Session) finalize() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.VoiceSessionEnded(time.Since(s.startedAt).Seconds())
	}
	if s.onClose != nil {
		s.onClose(s)
	}
	close(s.done)
}

// greet speaks the configured greeting to new callers, and to returning
// callers whose agent opted out of conversation continuity. The greeting is
// speech only; the model's first context is the user's opening utterance.
func (s *Session) greet() {
	if s.profile.Greeting == "" {
		return
	}
	if s.handle.HasHistory() && s.profile.ContinueConversation {
		return
	}
	s.sendSpeech(s.profile.Greeting, true)
}

func (s *Session) sendInitialLanguage() {
	if s.ttsLang == "" && s.transcriptionLang == "" {
		return
	}
	s.send(LanguageFrame(s.ttsLang, s.transcriptionLang))
}

// loop merges every input source. Nil channels disable their arms: a
// session with no active turn has nil events and results, a stopped timer
// never delivers.
func (s *Session) loop() {
	for s.State() != StateClosed {
		var events <-chan llm.Event
		var results <-chan toolOutcome
		if s.turn != nil {
			events = s.turn.events
			results = s.turn.results
		}

		select {
		case frame := <-s.frames:
			s.handleFrame(frame)
		case req := <-s.adoptCh:
			s.handleAdopt(req)
		case tr := <-s.detachCh:
			s.handleDetach(tr)
		case ev, ok := <-events:
			if !ok {
				s.turn.events = nil
				continue
			}
			s.handleStreamEvent(ev)
		case out := <-results:
			s.handleToolOutcome(out)
		case <-s.flushTimer.C:
			s.handleFlushTimer()
		case <-s.governorTimer.C:
			s.handleGovernor()
		case <-s.idleTimer.C:
			s.handleIdle()
		case <-s.adoptTimer.C:
			s.handleAdoptExpired()
		case <-s.ctx.Done():
			s.teardown("shutdown", true)
		}
	}
}

func (s *Session) handleFrame(frame InboundFrame) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.FrameReceived(frame.Type)
	}

	switch frame.Type {
	case FrameSetup:
		// The gateway already completed setup through Attach; a repeat on a
		// live socket carries nothing new.
		s.logger.Debug(s.ctx, "duplicate setup frame ignored")
	case FramePrompt:
		s.armIdle()
		if !frame.Last {
			return
		}
		s.onUserUtterance(frame.VoicePrompt)
	case FrameInterrupt:
		s.armIdle()
		s.onInterrupt(frame)
	case FrameDTMF:
		s.armIdle()
		s.onDTMF(frame.Digit)
	case FrameError:
		s.logger.Error(s.ctx, "gateway reported transport error", "description", frame.Description)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordError("gateway", "transport")
		}
		s.teardown("gateway_error", true)
	case FramePing, FramePong:
		// Keepalive only; deliberately does not reset the caller idle clock.
	case FrameHangup:
		s.logger.Info(s.ctx, "caller hung up")
		s.teardown("hangup", false)
	default:
		s.logger.Debug(s.ctx, "unrecognized frame ignored", "frame_type", frame.Type)
	}
}

// onUserUtterance starts a turn for final user text. Arriving mid-turn it
// is a barge-in: the running turn is cancelled with full bookkeeping and
// the new turn starts immediately.
func (s *Session) onUserUtterance(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	switch s.State() {
	case StateModelStreaming, StateToolRunning, StateSpeaking:
		s.setState(StateInterrupted)
		s.cancelTurn(true)
	case StateAwaitingUser:
	default:
		s.logger.Debug(s.ctx, "utterance dropped", "state", string(s.State()))
		return
	}

	s.handle.Append(models.UserMessage(text, time.Now().UTC()))
	s.recordCaller(text)
	s.beginTurn()
}

func (s *Session) onInterrupt(frame InboundFrame) {
	switch s.State() {
	case StateModelStreaming, StateToolRunning, StateSpeaking:
	default:
		return
	}
	s.logger.Info(s.ctx, "caller barged in", "heard", frame.UtteranceUntilInterrupt)
	s.setState(StateInterrupted)
	s.cancelTurn(true)
	s.setState(StateAwaitingUser)
}

// onDTMF maps a touch-tone digit to its configured prompt and runs it as a
// user utterance.
func (s *Session) onDTMF(digit string) {
	digit = strings.TrimSpace(digit)
	if digit == "" {
		return
	}
	prompt, ok := s.profile.DTMFPrompts[digit]
	if !ok {
		s.logger.Debug(s.ctx, "unmapped dtmf digit", "digit", digit)
		return
	}
	s.logger.Info(s.ctx, "dtmf prompt", "digit", digit)
	s.onUserUtterance(prompt)
}

func (s *Session) beginTurn() {
	t := newTurn(tools.WithProfile(s.ctx, s.profile))
	s.turn = t
	s.setState(StateModelStreaming)
	s.startSegmentStream(t)
	s.armFlushTimer()
}

// startSegmentStream opens one driver stream over the current history
// snapshot. Continuations land here again after tool results settle.
func (s *Session) startSegmentStream(t *turn) {
	req := llm.Request{
		Model:    s.profile.Model,
		System:   s.profile.PromptTemplate,
		Messages: s.handle.Snapshot(),
		Tools:    s.deps.Tools.DescriptorsFor(s.profile.ToolAllowlist),
	}
	t.startSegment(s.driver.Stream(t.ctx, req))
}

func (s *Session) handleStreamEvent(ev llm.Event) {
	t := s.turn
	switch ev.Type {
	case llm.EventTextDelta:
		t.segmentText += ev.Text
		t.pending += ev.Text
		if flush, rest := splitAtSentenceBoundary(t.pending); flush != "" {
			t.pending = rest
			s.emitSpeech(t, flush, false, FlushSentence)
		}
	case llm.EventToolCallRequest:
		if ev.ToolCall != nil {
			s.onToolCallRequest(t, *ev.ToolCall)
		}
	case llm.EventTurnComplete:
		s.onTurnComplete(t)
	case llm.EventStreamError:
		s.onStreamError(t, ev.Err)
	}
}

// emitSpeech sends one accumulator flush and re-arms the flush clock.
func (s *Session) emitSpeech(t *turn, text string, terminal bool, reason string) {
	s.send(TextFrame(text, terminal))
	t.spokeAny = true
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordFlush(reason)
	}
	s.armFlushTimer()
}

// flushBeforeDispatch drains the accumulator ahead of a tool dispatch or a
// segment end, so pre-tool narration from the model is spoken first.
// Whitespace-only remainders are dropped rather than spoken.
func (s *Session) flushBeforeDispatch(t *turn, reason string) {
	text := t.pending
	t.pending = ""
	if strings.TrimSpace(text) == "" {
		return
	}
	s.emitSpeech(t, text, false, reason)
}

func (s *Session) handleFlushTimer() {
	t := s.turn
	if t == nil {
		return
	}
	if strings.TrimSpace(t.pending) == "" {
		s.armFlushTimer()
		return
	}
	text := t.pending
	t.pending = ""
	s.emitSpeech(t, text, false, FlushTimer)
}

func (s *Session) onToolCallRequest(t *turn, call models.ToolCall) {
	s.flushBeforeDispatch(t, FlushPreTool)

	if t.invocations >= s.profile.MaxToolIterations {
		s.refuseToolCall(t, call)
		return
	}

	t.invocations++
	t.segmentCalls = append(t.segmentCalls, call)
	t.inFlight[call.ID] = call
	s.handle.MarkPending(call.ID)

	if line := s.deps.Tools.NarrationFor(call.Name); line != "" {
		s.sendSpeech(line, false)
		t.spokeAny = true
	}

	s.setState(StateToolRunning)
	s.logger.Info(s.ctx, "tool dispatched",
		"tool", call.Name,
		"tool_call_id", call.ID,
		"invocation", t.invocations,
	)
	go s.invokeTool(t, call)
}

// refuseToolCall ends the turn when the model asks for a tool past the
// per-turn budget. The refused call still enters history with a synthetic
// cancelled result so the next snapshot stays well formed.
func (s *Session) refuseToolCall(t *turn, call models.ToolCall) {
	s.logger.Warn(s.ctx, "tool budget exhausted",
		"tool", call.Name,
		"max_tool_iterations", s.profile.MaxToolIterations,
	)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordError("session", "tool_budget")
	}

	t.cancel()
	s.drainEvents(t)

	t.segmentCalls = append(t.segmentCalls, call)
	t.inFlight[call.ID] = call
	s.handle.MarkPending(call.ID)
	s.appendCancelledSegment(t)

	s.sendSpeech(ToolBudgetRefusal, true)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordTurn(s.profile.ID, "refused")
	}
	s.clearTurn()
	s.setState(StateAwaitingUser)
}

// invokeTool runs off-loop and reports through the turn's results channel.
// A turn that dies first absorbs the outcome via ctx; the cancel path has
// already appended a synthetic result.
func (s *Session) invokeTool(t *turn, call models.ToolCall) {
	result := s.deps.Tools.Invoke(t.ctx, call, nil)
	select {
	case t.results <- toolOutcome{call: call, result: result}:
	case <-t.ctx.Done():
	}
}

func (s *Session) handleToolOutcome(out toolOutcome) {
	t := s.turn
	if t == nil {
		return
	}
	if _, ok := t.inFlight[out.call.ID]; !ok {
		return
	}
	delete(t.inFlight, out.call.ID)

	msg := models.ToolResultMessage(out.call.ID, out.call.Name, out.result.Payload)
	if t.appended {
		s.handle.Append(msg)
		s.handle.ResolvePending(out.call.ID)
		s.applyControl(t, out.result.Payload)
	} else {
		// The assistant message carrying this call is not in history yet;
		// the result lands right after it at segment end.
		t.held = append(t.held, msg)
	}

	s.maybeContinue(t)
}

// flushHeld appends results that finished before the segment's assistant
// message existed. Call order within held matches completion order.
func (s *Session) flushHeld(t *turn) {
	for _, msg := range t.held {
		s.handle.Append(msg)
		s.handle.ResolvePending(msg.ToolCallID)
		s.applyControl(t, msg.Payload)
	}
	t.held = nil
}

// applyControl reacts to control payloads from builtin tools: language
// switches go straight to the gateway, hang-up defers until the turn
// settles.
func (s *Session) applyControl(t *turn, payload json.RawMessage) {
	ctl, ok := builtin.DecodeControl(payload)
	if !ok {
		return
	}
	switch ctl.Control {
	case builtin.ControlSwitchLanguage:
		s.ttsLang = ctl.TTSLanguage
		s.transcriptionLang = ctl.TranscriptionLanguage
		s.send(LanguageFrame(ctl.TTSLanguage, ctl.TranscriptionLanguage))
		s.logger.Info(s.ctx, "language switched",
			"tts_language", ctl.TTSLanguage,
			"transcription_language", ctl.TranscriptionLanguage,
		)
	case builtin.ControlHangUp:
		t.hangUp = true
	}
}

// appendSegment writes the current segment's assistant message: the trimmed
// accumulated text plus any tool calls, exactly once per segment.
func (s *Session) appendSegment(t *turn) {
	if t.appended {
		return
	}
	t.appended = true
	text := strings.TrimRight(t.segmentText, " \t\n\r")
	if text == "" && len(t.segmentCalls) == 0 {
		return
	}
	s.handle.Append(models.AssistantMessage(text, t.segmentCalls))
	if text != "" {
		s.recordAssistant(text)
	}
}

func (s *Session) onTurnComplete(t *turn) {
	t.events = nil
	t.streamDone = true

	if len(t.segmentCalls) == 0 {
		s.finishTurn(t)
		return
	}

	// Tool segment: speak the remainder, put the assistant message in
	// history, and let held or still-running results land behind it.
	s.flushBeforeDispatch(t, FlushTurnEnd)
	s.appendSegment(t)
	s.flushHeld(t)
	s.maybeContinue(t)
}

// finishTurn closes out a segment with no tool calls: the turn is over.
func (s *Session) finishTurn(t *turn) {
	s.setState(StateSpeaking)

	remainder := strings.TrimRight(t.pending, " \t\n\r")
	t.pending = ""
	if remainder != "" {
		s.emitSpeech(t, remainder, true, FlushTurnEnd)
	} else if t.spokeAny {
		// Everything was flushed mid-turn; close the utterance.
		s.send(TextFrame("", true))
	}

	s.appendSegment(t)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordTurn(s.profile.ID, "completed")
	}
	s.clearTurn()
	s.setState(StateAwaitingUser)
}

// maybeContinue streams a continuation once the segment's stream has ended
// and every dispatched tool call has resolved. A hang-up control ends the
// call instead.
func (s *Session) maybeContinue(t *turn) {
	if !t.settled() {
		return
	}

	if t.hangUp {
		s.setState(StateSpeaking)
		if t.spokeAny {
			s.send(TextFrame("", true))
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordTurn(s.profile.ID, "completed")
		}
		s.clearTurn()
		s.teardown("assistant_hangup", true)
		return
	}

	s.setState(StateModelStreaming)
	s.startSegmentStream(t)
}

func (s *Session) onStreamError(t *turn, serr *llm.StreamError) {
	t.events = nil
	t.streamDone = true

	if serr != nil && serr.Kind == llm.KindCancelled {
		// Cancellation originates in this loop; the cancel path does the
		// bookkeeping.
		return
	}

	kind := string(llm.KindFatal)
	if serr != nil {
		kind = string(serr.Kind)
	}
	s.logger.Error(s.ctx, "model stream failed", "kind", kind, "error", serr)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordError("llm", kind)
		s.deps.Metrics.RecordTurn(s.profile.ID, "error")
	}

	t.cancel()
	if len(t.segmentCalls) > 0 || len(t.inFlight) > 0 || len(t.held) > 0 {
		// Tool calls are on record; settle them before dropping the turn.
		s.appendCancelledSegment(t)
	}

	s.sendSpeech(s.fallbackLine(), true)
	s.clearTurn()
	s.setState(StateAwaitingUser)
}

// cancelTurn stops the in-flight turn and appends the barge-in bookkeeping:
// the partial assistant text with its tool calls, real results that already
// finished, and synthetic cancelled results for the rest.
func (s *Session) cancelTurn(emitClear bool) {
	t := s.turn
	if t == nil {
		return
	}

	t.cancel()
	s.drainEvents(t)

	if emitClear {
		s.send(ClearFrame())
	}

	s.appendCancelledSegment(t)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordTurn(s.profile.ID, "interrupted")
	}
	s.clearTurn()
}

// drainEvents discards the rest of a cancelled stream. The driver unblocks
// on its context, emits its terminal event, and closes the channel, so this
// returns promptly. Deltas drained here were never consumed: the partial
// text is what the loop saw before the cancel.
func (s *Session) drainEvents(t *turn) {
	if t.events == nil {
		return
	}
	for range t.events {
	}
	t.events = nil
	t.streamDone = true
}

func (s *Session) appendCancelledSegment(t *turn) {
	if !t.appended {
		t.appended = true
		text := strings.TrimRight(t.segmentText, " \t\n\r")
		if text != "" || len(t.segmentCalls) > 0 {
			s.handle.Append(models.AssistantMessage(text, t.segmentCalls))
			if text != "" {
				s.recordAssistant(text)
			}
		}
	}

	for _, msg := range t.held {
		s.handle.Append(msg)
		s.handle.ResolvePending(msg.ToolCallID)
	}
	t.held = nil

	for id, call := range t.inFlight {
		s.handle.Append(models.ToolResultMessage(id, call.Name, models.CancelledToolPayload()))
		s.handle.ResolvePending(id)
		delete(t.inFlight, id)
	}
}

func (s *Session) clearTurn() {
	if s.turn != nil {
		s.turn.cancel()
		s.turn = nil
	}
	s.stopFlushTimer()
}

// teardown ends the session: settles any in-flight turn, releases the
// conversation handle, archives the call, and closes the transport. sendEnd
// picks between a graceful end frame and a bare close for dead sockets.
func (s *Session) teardown(reason string, sendEnd bool) {
	if s.State() == StateClosed {
		return
	}
	s.setState(StateClosing)

	s.cancelTurn(false)

	if s.transport != nil {
		if sendEnd {
			s.send(EndFrame())
		}
		if err := s.transport.Close(CloseNormal, ""); err != nil {
			s.logger.Debug(s.ctx, "transport close failed", "error", err)
		}
		s.transport = nil
	}

	s.archive(reason)
	s.handle.Release()

	s.stopFlushTimer()
	s.stopGovernor()
	s.stopIdle()
	s.stopAdoptGrace()

	s.setState(StateClosed)
	s.logger.Info(s.ctx, "voice session ended",
		"reason", reason,
		"duration_ms", time.Since(s.startedAt).Milliseconds(),
		"reconnects", s.reconnects,
		"transcript_lines", len(s.transcript),
	)
	s.cancel()
}
