// Package mode holds the process-wide, lock-free mutable routing state:
// the current ProxyMode and the tracing-enabled flag. Both are read on
// every request and written only through PUT /api/mode and PUT
// /api/tracing, so they're backed by atomics rather than a mutex.
package mode

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ProxyMode is the three-valued routing tag. The zero value is
// TargetOnly so a RuntimeMode declared without a constructor (e.g. in a
// test) still starts somewhere sane.
type ProxyMode int32

const (
	TargetOnly ProxyMode = iota
	Compare
	AnthropicOnly
)

// String renders the wire representation used in config, the CLI, and
// the /api/mode JSON body.
func (m ProxyMode) String() string {
	switch m {
	case TargetOnly:
		return "target"
	case Compare:
		return "compare"
	case AnthropicOnly:
		return "anthropic-only"
	default:
		return fmt.Sprintf("unknown(%d)", int32(m))
	}
}

// Parse turns the wire string back into a ProxyMode. Unknown strings
// return ErrUnknownMode so callers (the control plane) can answer with
// 400 instead of silently defaulting.
func Parse(s string) (ProxyMode, error) {
	switch s {
	case "target":
		return TargetOnly, nil
	case "compare":
		return Compare, nil
	case "anthropic-only":
		return AnthropicOnly, nil
	default:
		return 0, ErrUnknownMode
	}
}

// ErrUnknownMode is returned by Parse for any string that isn't one of
// "target", "compare", "anthropic-only".
var ErrUnknownMode = errors.New("unknown proxy mode")

// ErrPermissionDenied is returned by RuntimeMode.Set when the caller
// asks for AnthropicOnly but the process wasn't launched with the
// allow-anthropic-only permission.
var ErrPermissionDenied = errors.New("anthropic-only mode requires the allow-anthropic-only launch permission")

// RuntimeMode is a lock-free holder of the current ProxyMode. Reads
// never block writes and a write is visible to any subsequent read on
// any goroutine (release-acquire via atomic.Int32).
type RuntimeMode struct {
	v atomic.Int32

	// allowAnthropicOnly is set once at construction and never mutated
	// again — it's the launch-time permission gate, not runtime state.
	allowAnthropicOnly bool
}

// New constructs a RuntimeMode starting at initial. allowAnthropicOnly
// records whether a later Set(AnthropicOnly) is permitted at all; if
// initial is AnthropicOnly but allowAnthropicOnly is false, New still
// honors the configured initial value (the gate only applies to
// runtime transitions via Set).
func New(initial ProxyMode, allowAnthropicOnly bool) *RuntimeMode {
	rm := &RuntimeMode{allowAnthropicOnly: allowAnthropicOnly}
	rm.v.Store(int32(initial))
	return rm
}

// Get returns the current mode. Wait-free.
func (rm *RuntimeMode) Get() ProxyMode {
	return ProxyMode(rm.v.Load())
}

// Set attempts a transition to m. Every transition except "-> AnthropicOnly
// without the launch permission" always succeeds; there is no terminal
// state. On permission denial the mode is left unchanged.
func (rm *RuntimeMode) Set(m ProxyMode) error {
	if m == AnthropicOnly && !rm.allowAnthropicOnly {
		return ErrPermissionDenied
	}
	rm.v.Store(int32(m))
	return nil
}

// AllowAnthropicOnly reports the launch-time permission, mostly useful
// for the control plane's GET responses and logging.
func (rm *RuntimeMode) AllowAnthropicOnly() bool {
	return rm.allowAnthropicOnly
}

// Tracing is a lock-free, process-wide on/off switch consulted by the
// span/event emitter to decide whether to attach payload attributes.
type Tracing struct {
	enabled atomic.Bool
}

// NewTracing constructs a Tracing flag starting at initial.
func NewTracing(initial bool) *Tracing {
	t := &Tracing{}
	t.enabled.Store(initial)
	return t
}

// Enabled reports the current value. Wait-free.
func (t *Tracing) Enabled() bool {
	return t.enabled.Load()
}

// Set toggles the flag. Always succeeds — unlike ProxyMode there's no
// permission gate on tracing.
func (t *Tracing) Set(enabled bool) {
	t.enabled.Store(enabled)
}
