package upstream

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nolanhoward/shadowgate/internal/metrics"
)

// maxCompareBufferBytes bounds how much of a compare response body the
// dispatcher will hold in memory for logging. Anything past this is
// discarded — the compare path exists for observability, not replay.
const maxCompareBufferBytes = 1 << 20 // 1 MiB

// compareWallClock bounds the entire fire-and-forget task, independent
// of the target's header timeout, so a target that returns headers
// promptly but then streams forever can't hold the semaphore permit
// past this.
const compareWallClock = 300 * time.Second

// Dispatcher is the fire-and-forget secondary dispatch path: a
// non-blocking counting semaphore gates how many compare tasks run at
// once, and every task's outcome is logged, never surfaced to the
// request that triggered it.
type Dispatcher struct {
	forwarder *Forwarder
	target    *Target
	sem       *semaphore.Weighted
	metrics   *metrics.Metrics
}

// NewDispatcher builds a Dispatcher bounded by target.MaxConcurrent.
// A MaxConcurrent of zero or less is treated as 1 so a misconfigured
// target doesn't silently disable the semaphore (TryAcquire against a
// zero-weight semaphore always fails). m may be nil, in which case
// outcomes are only logged, never recorded as metrics.
func NewDispatcher(forwarder *Forwarder, target *Target, m *metrics.Metrics) *Dispatcher {
	n := target.MaxConcurrent
	if n <= 0 {
		n = 1
	}
	return &Dispatcher{
		forwarder: forwarder,
		target:    target,
		sem:       semaphore.NewWeighted(n),
		metrics:   m,
	}
}

func (d *Dispatcher) recordOutcome(outcome string) {
	if d.metrics != nil {
		d.metrics.RecordCompareOutcome(outcome)
	}
}

// TryDispatch attempts a non-blocking acquire and, on success, spawns
// an independent goroutine that forwards headers/body to the target,
// drains the response into a bounded buffer, and logs the outcome. If
// the semaphore is already at capacity it logs a "skipped" line and
// returns immediately — compare requests are dropped, never queued.
func (d *Dispatcher) TryDispatch(correlationID string, headers http.Header, body []byte) {
	if !d.sem.TryAcquire(1) {
		log.Printf("compare_skipped request_id=%s target=%s reason=at_capacity", correlationID, d.target.Name)
		d.recordOutcome("skipped")
		return
	}

	// headers.Clone and a copy of body travel with the goroutine so the
	// caller is free to reuse or discard its own copies the moment
	// TryDispatch returns.
	hdrCopy := headers.Clone()
	bodyCopy := append([]byte(nil), body...)

	go d.run(correlationID, hdrCopy, bodyCopy)
}

func (d *Dispatcher) run(correlationID string, headers http.Header, body []byte) {
	defer d.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("compare_failure request_id=%s target=%s reason=panic detail=%v", correlationID, d.target.Name, r)
			d.recordOutcome("failed")
		}
	}()

	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), compareWallClock)
	defer cancel()

	sink := newBoundedSink(maxCompareBufferBytes)
	result, err := d.forwarder.Forward(ctx, d.target, headers, body, sink, nil, false)
	latency := time.Since(start)

	if err != nil {
		log.Printf("compare_failure request_id=%s target=%s latency=%s reason=%v", correlationID, d.target.Name, latency, err)
		d.recordOutcome("failed")
		return
	}

	log.Printf("compare_complete request_id=%s target=%s status=%d latency=%s input_tokens=%d output_tokens=%d tool_calls=%d truncated=%t",
		correlationID, d.target.Name, result.StatusCode, latency,
		result.Usage.InputTokens, result.Usage.OutputTokens, result.Usage.ToolCalls, sink.truncated)
	d.recordOutcome("completed")
}

// boundedSink is a throwaway Sink implementation that accepts a
// response for logging purposes only, discarding bytes past its cap.
// It never reaches a client, so there's no flush boundary to respect.
type boundedSink struct {
	status    int
	header    http.Header
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newBoundedSink(limit int) *boundedSink {
	return &boundedSink{header: make(http.Header), limit: limit}
}

func (b *boundedSink) Header() http.Header { return b.header }

func (b *boundedSink) WriteHeader(statusCode int) { b.status = statusCode }

func (b *boundedSink) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}
