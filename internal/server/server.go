// Package server wires the HTTP router, middleware, and request
// handlers for the gateway: the mode-gated message dispatch path and
// the control plane.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nolanhoward/shadowgate/internal/config"
	"github.com/nolanhoward/shadowgate/internal/metrics"
	"github.com/nolanhoward/shadowgate/internal/mode"
	"github.com/nolanhoward/shadowgate/internal/rewrite"
	"github.com/nolanhoward/shadowgate/internal/stats"
	"github.com/nolanhoward/shadowgate/internal/telemetry"
	"github.com/nolanhoward/shadowgate/internal/upstream"
)

// maxRequestBodyBytes bounds how much of POST /v1/messages the router
// will buffer before rejecting with 413.
const maxRequestBodyBytes = 16 << 20 // 16 MiB

// Server holds the HTTP router and every dependency the handlers need:
// the routing state, the counters, the two upstream forwarders, the
// compare dispatcher, and the rewrite/telemetry collaborators.
type Server struct {
	router chi.Router

	cfg     *config.Config
	mode    *mode.RuntimeMode
	tracing *mode.Tracing
	stats   *stats.Counter
	metrics *metrics.Metrics
	tracer  telemetry.Tracer

	target               *upstream.Target
	passthrough          *upstream.Target
	targetForwarder      *upstream.Forwarder
	passthroughForwarder *upstream.Forwarder
	dispatcher           *upstream.Dispatcher

	modelOverride   string
	rewriteDefaults rewrite.Defaults
}

// Deps bundles every collaborator New needs. Grouping them in a struct
// instead of a long positional parameter list keeps main.go's wiring
// readable as the set of collaborators grows.
type Deps struct {
	Config               *config.Config
	Mode                 *mode.RuntimeMode
	Tracing              *mode.Tracing
	Stats                *stats.Counter
	Metrics              *metrics.Metrics
	Tracer               telemetry.Tracer
	Target               *upstream.Target
	Passthrough          *upstream.Target
	TargetForwarder      *upstream.Forwarder
	PassthroughForwarder *upstream.Forwarder
	Dispatcher           *upstream.Dispatcher
	ModelOverride        string
	RewriteDefaults      rewrite.Defaults
}

// New builds a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(d Deps) *Server {
	s := &Server{
		cfg:                  d.Config,
		mode:                 d.Mode,
		tracing:              d.Tracing,
		stats:                d.Stats,
		metrics:              d.Metrics,
		tracer:               d.Tracer,
		target:               d.Target,
		passthrough:          d.Passthrough,
		targetForwarder:      d.TargetForwarder,
		passthroughForwarder: d.PassthroughForwarder,
		dispatcher:           d.Dispatcher,
		modelOverride:        d.ModelOverride,
		rewriteDefaults:      d.RewriteDefaults,
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route
// definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Post("/v1/messages", s.handleMessages)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/api/stats", s.handleStats)
	r.Get("/api/mode", s.handleGetMode)
	r.Put("/api/mode", s.handlePutMode)
	r.Get("/api/tracing", s.handleGetTracing)
	r.Put("/api/tracing", s.handlePutTracing)

	// Everything else — any path, any method not matched above — is a
	// generic relay to the passthrough upstream. This deliberately does
	// not participate in mode dispatch or stats: in TargetOnly mode a
	// client calling some other Anthropic endpoint still reaches
	// api.anthropic.com.
	r.NotFound(s.handleCatchAll)
	r.MethodNotAllowed(s.handleCatchAll)

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
