package upstream

import (
	"errors"
	"io"
	"time"
)

// errInactive is returned by idleReader when no bytes arrive within
// the configured inactivity window.
var errInactive = errors.New("upstream: no data received within inactivity window")

const idleReaderBufSize = 32 * 1024

type readResult struct {
	n   int
	err error
}

// idleReader wraps a response body so that once headers have been
// received, the forwarder no longer imposes a single end-to-end
// deadline — body reads are governed by per-chunk inactivity instead,
// so a long but actively-streaming response is never cut off, while a
// stalled one is.
//
// net/http doesn't expose a per-Read deadline on an arbitrary
// http.Response.Body (reaching into the connection isn't portable
// across transports), so each Read races the underlying read against
// a timer in a helper goroutine. The goroutine reads into its own
// internal buffer rather than the caller's, because a timed-out Read
// may be followed by a call with a different destination slice — the
// in-flight goroutine must have somewhere stable to land its bytes
// regardless of what the next Read(p) passes in.
type idleReader struct {
	r    io.Reader
	idle time.Duration

	resultCh chan readResult
	pending  bool

	buf      [idleReaderBufSize]byte
	leftover []byte
	deferErr error
}

func newIdleReader(r io.Reader, idle time.Duration) *idleReader {
	return &idleReader{r: r, idle: idle, resultCh: make(chan readResult, 1)}
}

func (d *idleReader) Read(p []byte) (int, error) {
	if len(d.leftover) > 0 {
		n := copy(p, d.leftover)
		d.leftover = d.leftover[n:]
		if len(d.leftover) == 0 && d.deferErr != nil {
			err := d.deferErr
			d.deferErr = nil
			return n, err
		}
		return n, nil
	}

	if !d.pending {
		d.pending = true
		go func() {
			n, err := d.r.Read(d.buf[:])
			d.resultCh <- readResult{n, err}
		}()
	}

	select {
	case res := <-d.resultCh:
		d.pending = false
		if res.n == 0 {
			return 0, res.err
		}
		n := copy(p, d.buf[:res.n])
		if n < res.n {
			d.leftover = append([]byte(nil), d.buf[n:res.n]...)
			d.deferErr = res.err
			return n, nil
		}
		return n, res.err
	case <-time.After(d.idle):
		return 0, errInactive
	}
}
