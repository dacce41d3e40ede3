// Package session runs the voice conversation loop: one goroutine per call
// that merges gateway frames, model stream events, tool outcomes, and
// lifecycle timers into strictly ordered speech frames and history appends.
//
// The Manager maps call SIDs to sessions and arbitrates between starting a
// fresh call and re-adopting one parked by the connection-lifetime
// governor. The gateway layer owns the socket; it hands frames in through
// Deliver and learns about session death through Done.
package session
