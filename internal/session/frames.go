package session

// Inbound frame types, gateway to server.
const (
	FrameSetup     = "setup"
	FramePrompt    = "prompt"
	FrameInterrupt = "interrupt"
	FrameDTMF      = "dtmf"
	FrameError     = "error"
	FramePing      = "ping"
	FramePong      = "pong"
	FrameHangup    = "hangup"
)

// Outbound frame types, server to gateway.
const (
	FrameText     = "text"
	FrameLanguage = "language"
	FrameClear    = "clear"
	FrameEnd      = "end"
)

// WebSocket close codes used on the telephony socket.
const (
	// CloseNormal ends a call for good.
	CloseNormal = 1000

	// CloseReconnect asks the gateway to immediately reconnect and resend
	// setup with the same callSid.
	CloseReconnect = 4000
)

// ReconnectReason is the close reason the gateway matches on, byte for byte.
const ReconnectReason = "Graceful reconnection required"

// InboundFrame is one JSON text frame received from the telephony gateway.
// The populated fields depend on Type.
type InboundFrame struct {
	Type string `json:"type"`

	// setup
	CallSid   string `json:"callSid,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Direction string `json:"direction,omitempty"`

	// prompt
	VoicePrompt string `json:"voicePrompt,omitempty"`
	Last        bool   `json:"last,omitempty"`

	// interrupt
	UtteranceUntilInterrupt string `json:"utteranceUntilInterrupt,omitempty"`

	// dtmf
	Digit string `json:"digit,omitempty"`

	// error
	Description string `json:"description,omitempty"`
}

// OutboundFrame is one JSON text frame sent to the telephony gateway. Build
// them with the constructors below so each type carries exactly its fields.
type OutboundFrame struct {
	Type                  string `json:"type"`
	Token                 string `json:"token,omitempty"`
	Last                  *bool  `json:"last,omitempty"`
	TTSLanguage           string `json:"ttsLanguage,omitempty"`
	TranscriptionLanguage string `json:"transcriptionLanguage,omitempty"`
}

// IsLast reports whether a text frame terminates its utterance.
func (f OutboundFrame) IsLast() bool {
	return f.Last != nil && *f.Last
}

// TextFrame builds a speech fragment. The gateway concatenates tokens into
// one TTS utterance until a frame with last=true arrives.
func TextFrame(token string, last bool) OutboundFrame {
	return OutboundFrame{Type: FrameText, Token: token, Last: &last}
}

// LanguageFrame switches the gateway's synthesis and transcription locales.
func LanguageFrame(tts, transcription string) OutboundFrame {
	return OutboundFrame{Type: FrameLanguage, TTSLanguage: tts, TranscriptionLanguage: transcription}
}

// ClearFrame tells the gateway to drop queued TTS output after a barge-in.
func ClearFrame() OutboundFrame {
	return OutboundFrame{Type: FrameClear}
}

// EndFrame announces a graceful session end before the socket closes.
func EndFrame() OutboundFrame {
	return OutboundFrame{Type: FrameEnd}
}

// Transport is the outbound half of one telephony connection. The session
// loop is the only writer for ordering purposes, but implementations must
// tolerate calls from the loop goroutine at any point before Close returns.
type Transport interface {
	// Send enqueues one frame for delivery in order.
	Send(frame OutboundFrame) error

	// Close sends a close control frame with the given code and reason, then
	// tears the socket down. Safe to call more than once.
	Close(code int, reason string) error
}
