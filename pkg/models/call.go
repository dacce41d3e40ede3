package models

import "time"

// TranscriptEntry is one spoken line of a call, kept for the archive.
type TranscriptEntry struct {
	Speaker string    `json:"speaker"` // "caller" or "assistant"
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// CallRecord summarizes a completed telephony call for the write-only
// archive. It is assembled by the session loop and never read back into live
// conversation state.
type CallRecord struct {
	CallSid    string            `json:"call_sid"`
	CallerID   string            `json:"caller_id"`
	AgentID    string            `json:"agent_id"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
	Reconnects int               `json:"reconnects"`
	EndReason  string            `json:"end_reason"`
	Transcript []TranscriptEntry `json:"transcript,omitempty"`
}

// Duration returns the wall-clock call length.
func (r *CallRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
