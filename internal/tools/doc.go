// Package tools implements the tool invocation engine: typed registration
// with generated JSON Schemas, argument validation, bounded execution with
// timeouts and cooperative cancellation, and status narration hooks for
// long-running tools.
package tools
