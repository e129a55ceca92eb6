package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nolanhoward/shadowgate/internal/upstream"
)

// errorBody is the short JSON error shape returned on every
// primary-path failure: {"error":{"type":<kind>,"request_id":<id>}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSONError writes a terse JSON error body with the given status,
// kind, and correlation ID. message is logged-worthy context, not part
// of the wire body — the client only sees type and request_id.
func writeJSONError(w http.ResponseWriter, status int, kind, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Type: kind, RequestID: requestID}})
}

// flusherFunc returns a flush callback bound to w's http.Flusher, or
// nil if w doesn't implement one (e.g. in some test recorders).
func flusherFunc(w http.ResponseWriter) func() {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return f.Flush
}

// isMidStream reports whether err is a DispatchError whose failure
// happened after response headers were already relayed to the client
// — in which case the caller must not write a second response.
func isMidStream(err error) bool {
	var de *upstream.DispatchError
	if errors.As(err, &de) {
		return de.Kind == upstream.KindMidStream
	}
	return false
}
