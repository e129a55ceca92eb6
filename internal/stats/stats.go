// Package stats holds the process-wide monotonic counters: total
// requests and the token/tool-call tallies accounted from SSE streams.
// Only the primary response path contributes — compare-mode target
// tokens are logged, never counted here.
package stats

import "sync/atomic"

// Snapshot is a point-in-time read of the four counters. Reads across
// fields are not atomic with respect to each other — a snapshot can
// observe field A updated by a concurrent Add while field B still
// reflects the prior value. Each individual field is itself always
// consistent. This tearing is intentional.
type Snapshot struct {
	TotalRequests uint64 `json:"total_requests"`
	InputTokens   uint64 `json:"input_tokens"`
	OutputTokens  uint64 `json:"output_tokens"`
	ToolCalls     uint64 `json:"tool_calls"`
}

// Counter is four independent atomic uint64s. Never decreases.
type Counter struct {
	totalRequests atomic.Uint64
	inputTokens   atomic.Uint64
	outputTokens  atomic.Uint64
	toolCalls     atomic.Uint64
}

// New returns a zeroed Counter.
func New() *Counter {
	return &Counter{}
}

// IncrRequests bumps total_requests by one. Called once per accepted
// request regardless of outcome.
func (c *Counter) IncrRequests() {
	c.totalRequests.Add(1)
}

// Add merges a stream's accounted usage into the running totals.
// Called exactly once per primary-path request by the router, after
// the forwarder returns the stream's accounted usage.
func (c *Counter) Add(inputTokens, outputTokens, toolCalls uint64) {
	if inputTokens != 0 {
		c.inputTokens.Add(inputTokens)
	}
	if outputTokens != 0 {
		c.outputTokens.Add(outputTokens)
	}
	if toolCalls != 0 {
		c.toolCalls.Add(toolCalls)
	}
}

// Snapshot reads all four counters. See the tearing note on Snapshot.
func (c *Counter) Snapshot() Snapshot {
	return Snapshot{
		TotalRequests: c.totalRequests.Load(),
		InputTokens:   c.inputTokens.Load(),
		OutputTokens:  c.outputTokens.Load(),
		ToolCalls:     c.toolCalls.Load(),
	}
}
