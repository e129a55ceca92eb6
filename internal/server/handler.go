package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nolanhoward/shadowgate/internal/mode"
	"github.com/nolanhoward/shadowgate/internal/rewrite"
	"github.com/nolanhoward/shadowgate/internal/telemetry"
	"github.com/nolanhoward/shadowgate/internal/upstream"
)

// handleHealth responds with a trivial liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStats returns the stats counter snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.stats.Snapshot())
}

// handleGetMode returns the current ProxyMode as its wire string.
func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"mode": s.mode.Get().String()})
}

type modeRequest struct {
	Mode string `json:"mode"`
}

// handlePutMode attempts a ProxyMode transition. Unknown mode strings
// get 400; a gated AnthropicOnly transition without launch permission
// gets 403; anything else succeeds with 200.
func (s *Server) handlePutMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", "")
		return
	}

	m, err := mode.Parse(req.Mode)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unknown_mode", err.Error(), "")
		return
	}

	if err := s.mode.Set(m); err != nil {
		if errors.Is(err, mode.ErrPermissionDenied) {
			writeJSONError(w, http.StatusForbidden, "mode_permission_denied", err.Error(), "")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error(), "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"mode": m.String()})
}

// handleGetTracing returns the current TracingEnabled flag.
func (s *Server) handleGetTracing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"enabled": s.tracing.Enabled()})
}

type tracingRequest struct {
	Enabled bool `json:"enabled"`
}

// handlePutTracing toggles TracingEnabled; always succeeds.
func (s *Server) handlePutTracing(w http.ResponseWriter, r *http.Request) {
	var req tracingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", "")
		return
	}
	s.tracing.Set(req.Enabled)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"enabled": req.Enabled})
}

// handleCatchAll relays any request not matched by a route above to
// the passthrough upstream unconditionally, regardless of the current
// routing mode. It does not update stats or participate in mode
// dispatch.
func (s *Server) handleCatchAll(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "failed to read body", "")
		return
	}
	if int64(len(body)) > maxRequestBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large", "")
		return
	}

	flush := flusherFunc(w)
	_, err = s.passthroughForwarder.Relay(r.Context(), s.passthrough, r.Method, r.URL.RequestURI(), r.Header, body, w, flush)
	if err != nil && !isMidStream(err) {
		writeJSONError(w, http.StatusBadGateway, "upstream_unreachable", err.Error(), "")
	}
}

// handleMessages is the top-level handler for POST /v1/messages. It
// correlates the request, rewrites the body, consults the current
// routing mode, and dispatches to one or both upstreams.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	correlationID := telemetry.NewCorrelationID()
	w.Header().Set("x-shadow-request-id", correlationID)

	ctx, span := s.tracer.StartRequestSpan(r.Context(), "POST /v1/messages", correlationID)
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		span.RecordError(err)
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "failed to read body", correlationID)
		return
	}
	if int64(len(body)) > maxRequestBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body exceeds maximum size", correlationID)
		return
	}

	// Counted once per accepted request regardless of outcome —
	// "accepted" meaning it got past body-size validation, not that
	// the upstream ultimately succeeded.
	s.stats.IncrRequests()

	rewritten := rewrite.Rewrite(body, s.modelOverride, s.rewriteDefaults)
	span.SetAttributes(attribute.String("original_model", rewritten.OriginalModel))

	currentMode := s.mode.Get()
	flush := flusherFunc(w)

	switch currentMode {
	case mode.TargetOnly:
		s.forwardPrimary(ctx, w, flush, s.target, s.targetForwarder, rewritten.Body, r.Header, correlationID, span, currentMode, "target")

	case mode.Compare:
		s.dispatcher.TryDispatch(correlationID, r.Header, rewritten.Body)
		s.forwardPrimary(ctx, w, flush, s.passthrough, s.passthroughForwarder, rewritten.Body, r.Header, correlationID, span, currentMode, "passthrough")

	case mode.AnthropicOnly:
		s.forwardPrimary(ctx, w, flush, s.passthrough, s.passthroughForwarder, rewritten.Body, r.Header, correlationID, span, currentMode, "passthrough")
	}
}

// forwardPrimary dispatches the primary (client-visible) request,
// commits accounted usage to the stats counter and metrics exactly once,
// and answers the client only on a failure that happened before
// headers were relayed — a mid-stream failure has already committed
// the client to a status code, so it's logged and left alone.
func (s *Server) forwardPrimary(ctx context.Context, w http.ResponseWriter, flush func(), target *upstream.Target, forwarder *upstream.Forwarder, body []byte, headers http.Header, correlationID string, span *telemetry.Span, currentMode mode.ProxyMode, upstreamName string) {
	start := time.Now()
	result, err := forwarder.Forward(ctx, target, headers, body, w, flush, true)
	latency := time.Since(start)

	s.stats.Add(uint64(result.Usage.InputTokens), uint64(result.Usage.OutputTokens), uint64(result.Usage.ToolCalls))
	s.metrics.RecordUsage(result.Usage.InputTokens, result.Usage.OutputTokens, result.Usage.ToolCalls)
	s.metrics.RecordRequest(currentMode.String(), upstreamName)
	s.metrics.ObserveLatency(upstreamName, latency.Seconds())

	if result.UpstreamRequestID != "" {
		span.SetAttributes(attribute.String("upstream_request_id", result.UpstreamRequestID))
	}

	if err == nil {
		return
	}

	span.RecordError(err)

	if isMidStream(err) {
		log.Printf("upstream_mid_stream request_id=%s upstream=%s err=%v", correlationID, upstreamName, err)
		return
	}

	kind := "upstream_connect"
	var de *upstream.DispatchError
	if errors.As(err, &de) {
		kind = string(de.Kind)
	}
	log.Printf("%s request_id=%s upstream=%s err=%v", kind, correlationID, upstreamName, err)
	writeJSONError(w, http.StatusBadGateway, kind, "upstream request failed", correlationID)
}
