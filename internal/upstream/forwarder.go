package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nolanhoward/shadowgate/internal/sse"
)

// Forwarder opens outbound connections to an upstream Target and
// streams responses back verbatim, tapping SSE streams for token
// usage along the way. One Forwarder is shared by the primary path
// and the compare dispatcher; each upstream.Target gets its own
// *http.Client (via NewForwarder) so a misbehaving target can't starve
// the passthrough's connection pool or vice versa.
type Forwarder struct {
	client *http.Client
}

// NewForwarder builds a Forwarder around client. Callers construct one
// *http.Client per Target so connection pools stay isolated.
func NewForwarder(client *http.Client) *Forwarder {
	return &Forwarder{client: client}
}

// Sink is the minimal surface Forward needs to relay a response: set
// headers, commit a status code, and accept a byte stream.
// http.ResponseWriter satisfies this directly; the compare dispatcher
// uses a throwaway implementation over a bounded buffer instead.
type Sink interface {
	Header() http.Header
	WriteHeader(statusCode int)
	Write([]byte) (int, error)
}

// Result carries everything the caller needs after a Forward call:
// the status actually relayed, the usage tapped from an SSE body (zero
// value if the response wasn't SSE), and the x-request-id the upstream
// attached, if any.
type Result struct {
	StatusCode        int
	Usage             sse.Usage
	UpstreamRequestID string
}

// Forward sends body to target's /v1/messages, relays the response
// status and non-hop-by-hop headers to sink, and streams the body
// through — via the SSE accountant when accountSSE is true and the
// response is actually an event stream, or directly otherwise.
//
// flush is called after each chunk reaches sink; pass nil when sink
// has no meaningful flush boundary (e.g. an in-memory buffer).
//
// A failure before headers are received comes back as a *DispatchError
// with Kind one of KindConnect/KindTimeout/KindProtocol — the caller
// hasn't written anything to sink yet and is free to respond however
// it likes. A failure after headers were already relayed comes back as
// a *DispatchError with Kind KindMidStream — sink already has a status
// code and possibly partial body bytes; the caller should stop, not
// write a second response.
func (f *Forwarder) Forward(ctx context.Context, target *Target, headers http.Header, body []byte, sink Sink, flush func(), accountSSE bool) (Result, error) {
	return f.dispatch(ctx, target, http.MethodPost, "/v1/messages", headers, body, sink, flush, accountSSE)
}

// Relay sends an arbitrary method/path to target and streams the
// response back unmodified. It's used by the catch-all
// route: any path other than the control plane's own and
// /v1/messages is forwarded to the passthrough regardless of
// RuntimeMode, without SSE accounting and without touching stats.
func (f *Forwarder) Relay(ctx context.Context, target *Target, method, path string, headers http.Header, body []byte, sink Sink, flush func()) (Result, error) {
	return f.dispatch(ctx, target, method, path, headers, body, sink, flush, false)
}

func (f *Forwarder) dispatch(ctx context.Context, target *Target, method, path string, headers http.Header, body []byte, sink Sink, flush func(), accountSSE bool) (Result, error) {
	resp, err := f.send(ctx, target, method, path, headers, body)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	out := copyForwardableHeaders(resp.Header)
	for k, vv := range out {
		sink.Header()[k] = vv
	}
	sink.WriteHeader(resp.StatusCode)

	result := Result{
		StatusCode:        resp.StatusCode,
		UpstreamRequestID: resp.Header.Get("x-request-id"),
	}

	body2 := io.Reader(newIdleReader(resp.Body, perChunkInactivity(target.Timeout)))

	if accountSSE && isEventStream(resp.Header) {
		usage, pipeErr := sse.Pipe(sink, body2, flush)
		result.Usage = usage
		if pipeErr != nil {
			return result, newDispatchError(KindMidStream, pipeErr)
		}
		return result, nil
	}

	if _, copyErr := copyDirect(sink, body2, flush); copyErr != nil {
		return result, newDispatchError(KindMidStream, copyErr)
	}
	return result, nil
}

// perChunkInactivity derives the body-read inactivity window from the
// target's header-phase timeout. It's intentionally the same
// duration: the config surface only exposes one timeout
// per target, and reusing it keeps "a stalled body looks like a
// stalled response" consistent rather than inventing a second knob.
func perChunkInactivity(headerTimeout time.Duration) time.Duration {
	if headerTimeout <= 0 {
		return 60 * time.Second
	}
	return headerTimeout
}

// send performs the header-phase of the dispatch: build the outbound
// request, apply the end-to-end deadline for receiving headers, and
// stop enforcing that deadline the instant headers arrive so body
// streaming isn't bound by it.
func (f *Forwarder) send(ctx context.Context, target *Target, method, path string, headers http.Header, body []byte) (*http.Response, error) {
	url := strings.TrimRight(target.BaseURL, "/") + path

	deadlineCtx, cancelDeadline := context.WithCancel(ctx)
	timer := time.AfterFunc(headerTimeoutOrDefault(target.Timeout), cancelDeadline)

	req, err := http.NewRequestWithContext(deadlineCtx, method, url, bytes.NewReader(body))
	if err != nil {
		timer.Stop()
		cancelDeadline()
		return nil, newDispatchError(KindProtocol, err)
	}
	req.Header = copyForwardableHeaders(headers)
	if !target.PassthroughAuth {
		req.Header.Del("Authorization")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		timer.Stop()
		// Classify before cancelDeadline: afterwards deadlineCtx.Err()
		// is always non-nil.
		timedOut := deadlineCtx.Err() != nil && ctx.Err() == nil
		cancelDeadline()
		if timedOut {
			return nil, newDispatchError(KindTimeout, err)
		}
		return nil, newDispatchError(KindConnect, err)
	}

	// Headers arrived in time — stop enforcing the deadline so the
	// caller's context (not this timer) governs the rest of the read.
	timer.Stop()

	return resp, nil
}

func headerTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

func isEventStream(h http.Header) bool {
	ct := h.Get("Content-Type")
	return strings.HasPrefix(strings.TrimSpace(ct), "text/event-stream")
}

// copyDirect streams src to dst unmodified, flushing after each chunk
// when flush is non-nil. It's the non-SSE counterpart of sse.Pipe: no
// event parsing, same chunked-and-flushed delivery.
func copyDirect(dst io.Writer, src io.Reader, flush func()) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return total, writeErr
			}
			total += int64(n)
			if flush != nil {
				flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return total, nil
			}
			return total, readErr
		}
	}
}
