// Package convo is the in-memory conversation store: one bounded message
// history per caller, mutated only through an exclusively-held Handle.
//
// Acquire blocks until the caller's current holder releases, so a second
// call from the same number waits (or is refused up front via TryAcquire).
// Histories keep the pinned system message first and prune oldest-first,
// always removing an assistant message and its tool results together.
// Violations of those ordering rules are orchestrator bugs and panic rather
// than limp along with corrupted state.
package convo
