// Package llm streams model turns as ordered event sequences.
//
// A Provider (Anthropic or OpenAI) translates its wire protocol into Event
// values: text deltas, fully-accumulated tool call requests, and exactly one
// terminal event per stream. The Driver wraps a provider with the delivery
// guarantees the voice loop depends on: a bounded event channel, first-token
// and inter-token watchdogs, a single transparent backup-model retry when
// the primary fails transiently before producing anything, and a final
// StreamError(KindCancelled) when the consumer cancels mid-stream.
package llm
