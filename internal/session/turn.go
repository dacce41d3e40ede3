package session

import (
	"context"

	"github.com/ringdown/ringdown/internal/llm"
	"github.com/ringdown/ringdown/internal/tools"
	"github.com/ringdown/ringdown/pkg/models"
)

// toolOutcome carries one finished tool invocation back to the session loop.
type toolOutcome struct {
	call   models.ToolCall
	result tools.Result
}

// turn is the cancellation scope for one user utterance: the driver stream,
// the tool invocations it spawns, and the speech accumulated along the way.
// Continuation streams after tool results reuse the same turn. All fields
// are owned by the session loop goroutine; the context is the only part
// other goroutines touch.
type turn struct {
	ctx    context.Context
	cancel context.CancelFunc

	// events carries driver output for the active streaming segment. It is
	// nil while tool results are being awaited and after the turn's last
	// segment ends, which disables the corresponding select arm.
	events <-chan llm.Event

	// results carries finished tool invocations back from their goroutines.
	// Senders bail out via ctx when the turn dies first.
	results chan toolOutcome

	// streamDone is set when the current segment's stream has ended and no
	// continuation has started yet.
	streamDone bool

	// pending holds streamed text not yet flushed as speech.
	pending string

	// segmentText accumulates every delta of the current segment; the
	// history append at segment end trims its trailing whitespace.
	segmentText string

	// segmentCalls holds the tool calls requested during the current
	// segment, in request order.
	segmentCalls []models.ToolCall

	// appended is set once the current segment's assistant message is in
	// history. Until then, finished tool results wait in held so they land
	// after the message carrying their calls.
	appended bool

	// inFlight tracks dispatched tool calls that have not returned.
	inFlight map[string]models.ToolCall

	// held buffers results that finished before the segment's assistant
	// message was appended.
	held []models.Message

	// invocations counts tool calls dispatched across all segments of this
	// turn. Continuations extend the same budget rather than resetting it.
	invocations int

	// spokeAny is set once any speech frame went out this turn, so the turn
	// can close the utterance with a bare terminal frame when the final
	// flush finds the accumulator already drained.
	spokeAny bool

	// hangUp is set when a tool result carries the hang-up control. The
	// turn finishes without a continuation and the session closes.
	hangUp bool
}

func newTurn(parent context.Context) *turn {
	ctx, cancel := context.WithCancel(parent)
	return &turn{
		ctx:      ctx,
		cancel:   cancel,
		results:  make(chan toolOutcome, 8),
		inFlight: make(map[string]models.ToolCall),
	}
}

// startSegment points the turn at a fresh driver stream and resets the
// per-segment accumulators. The tool budget, the results channel, and
// spokeAny span segments.
func (t *turn) startSegment(events <-chan llm.Event) {
	t.events = events
	t.streamDone = false
	t.segmentText = ""
	t.segmentCalls = nil
	t.appended = false
	t.held = nil
}

// settled reports whether the stream has ended and every dispatched tool
// call has produced a result, i.e. the loop may continue or finish the turn.
func (t *turn) settled() bool {
	return t.streamDone && len(t.inFlight) == 0
}
