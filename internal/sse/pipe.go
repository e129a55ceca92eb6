package sse

import (
	"bytes"
	"io"
)

// eventDelimiter separates complete SSE event blocks.
var eventDelimiter = []byte("\n\n")

// dataPrefix marks a "data: " field line within an event block.
var dataPrefix = []byte("data: ")

// readBufferSize is the chunk size used to read from the upstream.
// It bounds the parser's work per read call; it does not bound how
// much of the stream the accountant buffers overall (that's bounded
// by the size of a single pending, not-yet-complete SSE event).
const readBufferSize = 32 * 1024

// Pipe copies src to dst byte-for-byte, flushing after every read so
// SSE semantics (and client-perceived latency) aren't broken, while
// incrementally parsing complete "\n\n"-delimited events out of a
// small rolling buffer to build a Usage. It returns the final Usage
// regardless of whether copying completed cleanly.
//
// Byte fidelity: the concatenation of everything
// written to dst equals the concatenation of everything read from src.
// The parser never withholds a byte waiting to see whether an event is
// complete — the pending buffer is a copy used only for parsing, not
// the path bytes travel down to reach the client.
//
// flush is called after every non-empty write to dst, if non-nil —
// callers pass an http.Flusher's Flush method; it's nil in contexts
// (like the compare dispatcher's bounded buffer) where there's no
// downstream consumer to wake up immediately.
func Pipe(dst io.Writer, src io.Reader, flush func()) (Usage, error) {
	var usage Usage
	var pending []byte
	buf := make([]byte, readBufferSize)

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, writeErr := dst.Write(chunk); writeErr != nil {
				return usage, writeErr
			}
			if flush != nil {
				flush()
			}
			pending = append(pending, chunk...)
			pending = drainEvents(pending, &usage)
		}
		if readErr != nil {
			if readErr == io.EOF {
				return usage, nil
			}
			return usage, readErr
		}
	}
}

// drainEvents extracts every complete "\n\n"-delimited block from buf,
// feeds each to decodeEvent, and returns whatever partial bytes remain
// (the start of an event still in flight).
func drainEvents(buf []byte, usage *Usage) []byte {
	for {
		idx := bytes.Index(buf, eventDelimiter)
		if idx < 0 {
			return buf
		}
		block := buf[:idx]
		buf = buf[idx+len(eventDelimiter):]
		decodeBlock(block, usage)
	}
}

// decodeBlock processes one event block's lines, looking for "data: "
// fields. The "event: <name>" line is ignored deliberately — the JSON
// payload itself carries a "type" field, so there's no need to track
// state between the event: and data: lines.
func decodeBlock(block []byte, usage *Usage) {
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimPrefix(line, dataPrefix)
		decodeEvent(payload, usage)
	}
}
