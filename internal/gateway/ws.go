package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/internal/profile"
	"github.com/ringdown/ringdown/internal/session"
)

const (
	// wsMaxPayloadBytes caps one inbound frame. Transcript frames are small;
	// anything near this limit is a misbehaving client.
	wsMaxPayloadBytes = 1 << 20

	// wsSendBuffer is the outbound frame queue depth per connection. The
	// session loop is the producer; a full queue means the socket stalled.
	wsSendBuffer = 64

	// wsReadWait bounds the gap between inbound frames. The gateway keeps
	// idle connections alive with ping frames well inside this window.
	wsReadWait = 90 * time.Second

	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second

	// wsSetupWait bounds the wait for the setup frame after upgrade.
	wsSetupWait = 10 * time.Second
)

// Spoken rejection lines for calls the accept layer turns away before a
// session exists.
const (
	busyMessage     = "I'm helping with another call on this line right now. Please try again in a few minutes."
	unknownMessage  = "Sorry, this number isn't set up for me to help you. Goodbye."
	rejectedMessage = "Sorry, I can't take this call right now. Goodbye."
)

var errSendBufferFull = errors.New("ws: send buffer full")

// voiceHandler terminates the telephony gateway's WebSocket. Each upgraded
// connection reads a setup frame, binds to a session through the manager
// (fresh call or governor re-adoption), then pumps frames until the socket
// dies.
type voiceHandler struct {
	sessions *session.Manager
	logger   *observability.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func newVoiceHandler(sessions *session.Manager, logger *observability.Logger, metrics *observability.Metrics) *voiceHandler {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &voiceHandler{
		sessions: sessions,
		logger:   logger.WithComponent("ws"),
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

func (h *voiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	tr := newWSTransport(conn)
	go tr.writeLoop()

	setup, err := h.readSetup(conn)
	if err != nil {
		h.logger.Warn(r.Context(), "connection rejected before setup", "error", err)
		_ = tr.Close(websocket.ClosePolicyViolation, "setup required")
		return
	}

	ctx := observability.WithCallSid(r.Context(), setup.CallSid)
	sess, err := h.sessions.Attach(tr, setup)
	if err != nil {
		h.reject(ctx, tr, err)
		return
	}

	h.readPump(conn, sess, tr)
}

// readSetup waits for the handshake frame. The gateway's contract is that
// setup is the first frame on every connection, reconnects included.
func (h *voiceHandler) readSetup(conn *websocket.Conn) (session.InboundFrame, error) {
	conn.SetReadLimit(wsMaxPayloadBytes)
	if err := conn.SetReadDeadline(time.Now().Add(wsSetupWait)); err != nil {
		return session.InboundFrame{}, err
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return session.InboundFrame{}, fmt.Errorf("read setup: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame session.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return session.InboundFrame{}, fmt.Errorf("decode setup: %w", err)
		}
		if frame.Type != session.FrameSetup {
			return session.InboundFrame{}, fmt.Errorf("first frame was %q, want setup", frame.Type)
		}
		return frame, nil
	}
}

// readPump forwards inbound frames to the session until the socket closes.
// Any read error, including the governor's own 4000 close, surfaces to the
// session as a transport detach; the session decides whether that ends the
// call or parks it for re-adoption.
func (h *voiceHandler) readPump(conn *websocket.Conn, sess *session.Session, tr *wsTransport) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadWait)); err != nil {
			break
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame session.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Debug(context.Background(), "undecodable frame dropped", "call_sid", sess.CallSid(), "error", err)
			continue
		}
		sess.Deliver(frame)
	}
	sess.Detach(tr)
}

// reject closes a connection the manager refused, speaking a short line the
// gateway synthesizes before the socket drops.
func (h *voiceHandler) reject(ctx context.Context, tr *wsTransport, cause error) {
	line := rejectedMessage
	switch {
	case errors.Is(cause, session.ErrCallerBusy):
		line = busyMessage
	case errors.Is(cause, profile.ErrUnknownCaller):
		line = unknownMessage
	case errors.Is(cause, session.ErrCallInProgress):
		line = busyMessage
	}

	h.logger.Info(ctx, "call refused", "reason", cause.Error())
	if h.metrics != nil {
		h.metrics.RecordError("gateway", "call_refused")
	}

	_ = tr.Send(session.TextFrame(line, true))
	_ = tr.Send(session.EndFrame())
	_ = tr.Close(websocket.CloseNormalClosure, "")
}

// wsOp is one queued write: a text frame, or the terminal close.
type wsOp struct {
	data  []byte
	close *wsClose
}

type wsClose struct {
	code   int
	reason string
}

// wsTransport adapts one gorilla connection to the session.Transport
// contract. All writes funnel through a single writer goroutine so queued
// speech and the close control frame keep their order; the governor's
// reconnect notice is always on the wire before the 4000 close.
type wsTransport struct {
	conn *websocket.Conn
	send chan wsOp

	closeOnce sync.Once
	done      chan struct{}
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{
		conn: conn,
		send: make(chan wsOp, wsSendBuffer),
		done: make(chan struct{}),
	}
}

// Send enqueues one frame. It never blocks the session loop: a full queue or
// a dead socket returns an error instead.
func (t *wsTransport) Send(frame session.OutboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("ws: encode frame: %w", err)
	}
	select {
	case <-t.done:
		return errors.New("ws: transport closed")
	default:
	}
	select {
	case t.send <- wsOp{data: data}:
		return nil
	case <-t.done:
		return errors.New("ws: transport closed")
	default:
		return errSendBufferFull
	}
}

// Close drains queued frames, writes the close control frame, and tears the
// socket down. Safe to call more than once; later calls are no-ops.
func (t *wsTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		select {
		case t.send <- wsOp{close: &wsClose{code: code, reason: reason}}:
			// Writer finishes the queue, then closes.
		case <-t.done:
		default:
			// Queue full: close out of band rather than blocking the caller.
			t.writeClose(code, reason)
			_ = t.conn.Close()
		}
	})
	return nil
}

func (t *wsTransport) writeLoop() {
	defer close(t.done)
	for op := range t.send {
		if op.close != nil {
			t.writeClose(op.close.code, op.close.reason)
			_ = t.conn.Close()
			return
		}
		_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := t.conn.WriteMessage(websocket.TextMessage, op.data); err != nil {
			_ = t.conn.Close()
			return
		}
	}
}

func (t *wsTransport) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(wsWriteWait)
	_ = t.conn.SetWriteDeadline(deadline)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, deadline) //nolint:errcheck // best-effort close
}
