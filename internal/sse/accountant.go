// Package sse implements the SSE-parsing token accountant: a streaming
// transformer that forwards upstream bytes to the client unmodified
// while incrementally extracting token usage and tool-call counts from
// the Anthropic event stream.
//
// Extraction decodes each event into a plain map[string]any read off a
// side buffer rather than a typed wrapper struct: a struct would have
// to be round-tripped back to bytes to preserve fidelity, while the
// side-buffer decode leaves the bytes that reach the client untouched
// — they never go through Go's json package at all.
package sse

import "encoding/json"

// Usage is the cumulative per-request count extracted from a single
// SSE stream.
type Usage struct {
	InputTokens  int
	OutputTokens int
	ToolCalls    int
}

// applyEvent extracts what one decoded SSE data payload reports and
// returns it as a Usage; decodeEvent folds that into the running
// total. Malformed JSON is the caller's concern (skip, don't error);
// this function assumes data already unmarshaled into a generic map.
//
// message_delta's input_tokens intentionally overwrites any value
// already captured from message_start: some upstreams report
// input_tokens on message_delta instead of message_start, and if both
// report it the later event wins (last-seen value).
func applyEvent(eventType string, data map[string]any) Usage {
	var delta Usage
	switch eventType {
	case "message_start":
		if msg, ok := data["message"].(map[string]any); ok {
			if usage, ok := msg["usage"].(map[string]any); ok {
				if v, ok := usage["input_tokens"].(float64); ok {
					delta.InputTokens = int(v)
				}
			}
		}
	case "message_delta":
		if usage, ok := data["usage"].(map[string]any); ok {
			if v, ok := usage["input_tokens"].(float64); ok {
				delta.InputTokens = int(v)
			}
			if v, ok := usage["output_tokens"].(float64); ok {
				delta.OutputTokens = int(v)
			}
		}
	case "content_block_start":
		if cb, ok := data["content_block"].(map[string]any); ok {
			if t, ok := cb["type"].(string); ok && t == "tool_use" {
				delta.ToolCalls = 1
			}
		}
	}
	return delta
}

// decodeEvent parses one SSE "data: <json>" payload and folds it into
// usage. Malformed JSON is skipped silently — the accountant never
// errors on a bad event, it just doesn't learn anything from it.
func decodeEvent(jsonPayload []byte, usage *Usage) {
	var data map[string]any
	if err := json.Unmarshal(jsonPayload, &data); err != nil {
		return
	}
	eventType, _ := data["type"].(string)
	if eventType == "" {
		return
	}

	delta := applyEvent(eventType, data)
	if delta.InputTokens != 0 {
		usage.InputTokens = delta.InputTokens
	}
	if delta.OutputTokens != 0 {
		// Anthropic reports output_tokens as the running total on each
		// message_delta, not an incremental count, so the latest value
		// wins rather than accumulating.
		usage.OutputTokens = delta.OutputTokens
	}
	usage.ToolCalls += delta.ToolCalls
}
