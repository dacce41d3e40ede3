package mobile

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"
)

// ControlMessage is one synthesized-audio payload queued for a managed-AV
// session. Clients drain the queue in FIFO order via the control endpoint.
type ControlMessage struct {
	MessageID    string            `json:"messageId"`
	PromptID     string            `json:"promptId"`
	AudioBase64  string            `json:"audioBase64"`
	SampleRateHz int               `json:"sampleRateHz"`
	Channels     int               `json:"channels"`
	Format       string            `json:"format"`
	EnqueuedAt   time.Time         `json:"enqueuedAt"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// controlQueue is a bounded FIFO of control messages. When full, the oldest
// message is dropped so a stalled client cannot pin memory.
type controlQueue struct {
	mu      sync.Mutex
	items   []ControlMessage
	max     int
	dropped int
}

const defaultControlQueueMax = 64

func newControlQueue(max int) *controlQueue {
	if max <= 0 {
		max = defaultControlQueueMax
	}
	return &controlQueue{max: max}
}

// Push appends a message, evicting the oldest entry if the queue is full.
// It reports whether an eviction happened.
func (q *controlQueue) Push(msg ControlMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, msg)
	return evicted
}

// Pop removes and returns the oldest message, if any.
func (q *controlQueue) Pop() (ControlMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return ControlMessage{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Len returns the number of queued messages.
func (q *controlQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many messages have been evicted since creation.
func (q *controlQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// newControlKey mints a random per-session key for the control endpoint.
func newControlKey() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// timestamp-derived key rather than panicking mid-request.
		return hex.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(buf)
}

// controlKeyMatches compares keys in constant time.
func controlKeyMatches(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
