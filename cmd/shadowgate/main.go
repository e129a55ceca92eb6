// Package main is the entry point for the shadowgate gateway.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nolanhoward/shadowgate/internal/config"
	"github.com/nolanhoward/shadowgate/internal/metrics"
	"github.com/nolanhoward/shadowgate/internal/mode"
	"github.com/nolanhoward/shadowgate/internal/rewrite"
	"github.com/nolanhoward/shadowgate/internal/server"
	"github.com/nolanhoward/shadowgate/internal/stats"
	"github.com/nolanhoward/shadowgate/internal/telemetry"
	"github.com/nolanhoward/shadowgate/internal/upstream"
)

// shutdownGrace is how long in-flight requests get to finish after a
// SIGINT/SIGTERM before the listener is forced closed.
const shutdownGrace = 10 * time.Second

// unsetFloat marks a sampling-default flag as not provided: distinct
// from any real temperature/top_p value a deployment might configure.
var unsetFloat = math.NaN()

func main() {
	var (
		configPath         = flag.String("config", "", "path to the TOML config file")
		targetURL          = flag.String("target-url", "", "base URL of the self-hosted target (CLI only, never read from the config file)")
		listenAddr         = flag.String("listen", "", "override the configured listen address")
		modelOverride      = flag.String("model-override", "", "replace every request's model field with this value")
		allowAnthropicOnly = flag.Bool("allow-anthropic-only", false, "permit PUT /api/mode to transition into anthropic-only")
		defaultMaxTokens   = flag.Int64("default-max-tokens", 0, "max_tokens to inject when a request omits it (0 = don't inject)")
		defaultTemperature = flag.Float64("default-temperature", unsetFloat, "temperature to inject when a request omits it")
		defaultTopP        = flag.Float64("default-top-p", unsetFloat, "top_p to inject when a request omits it")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	initialMode, err := mode.Parse(cfg.DefaultMode)
	if err != nil {
		log.Fatalf("invalid default_mode %q: %v", cfg.DefaultMode, err)
	}

	runtimeMode := mode.New(initialMode, *allowAnthropicOnly)
	tracing := mode.NewTracing(false)
	statsCounter := stats.New()
	metricsRegistry := metrics.New()

	target := &upstream.Target{
		Name:            "target",
		BaseURL:         *targetURL,
		Timeout:         cfg.Target.Timeout,
		MaxConcurrent:   cfg.Target.MaxConcurrent,
		PassthroughAuth: cfg.Target.PassthroughAuth,
	}
	passthrough := &upstream.Target{
		Name:            "passthrough",
		BaseURL:         cfg.Passthrough.BaseURL,
		Timeout:         cfg.Passthrough.Timeout,
		PassthroughAuth: cfg.Passthrough.PassthroughAuth,
	}

	if target.BaseURL == "" && (initialMode != mode.AnthropicOnly) {
		log.Printf("warning: -target-url is empty; target/compare dispatch will fail until one is configured")
	}

	// Separate *http.Client (and therefore separate connection pools)
	// per upstream, so a misbehaving target can't starve the
	// passthrough's capacity or vice versa. Timeout is
	// left at zero deliberately: the Forwarder enforces its own
	// header-phase deadline via context, and a blanket http.Client
	// timeout would cut off long-but-healthy SSE streams.
	targetForwarder := upstream.NewForwarder(&http.Client{})
	passthroughForwarder := upstream.NewForwarder(&http.Client{})

	dispatcher := upstream.NewDispatcher(targetForwarder, target, metricsRegistry)

	tracer, shutdownTracing := newTracer(cfg, tracing)

	rewriteDefaults := rewrite.Defaults{}
	if *defaultMaxTokens > 0 {
		rewriteDefaults.MaxTokens = defaultMaxTokens
	}
	if !math.IsNaN(*defaultTemperature) {
		rewriteDefaults.Temperature = defaultTemperature
	}
	if !math.IsNaN(*defaultTopP) {
		rewriteDefaults.TopP = defaultTopP
	}

	srv := server.New(server.Deps{
		Config:               cfg,
		Mode:                 runtimeMode,
		Tracing:              tracing,
		Stats:                statsCounter,
		Metrics:              metricsRegistry,
		Tracer:               tracer,
		Target:               target,
		Passthrough:          passthrough,
		TargetForwarder:      targetForwarder,
		PassthroughForwarder: passthroughForwarder,
		Dispatcher:           dispatcher,
		ModelOverride:        *modelOverride,
		RewriteDefaults:      rewriteDefaults,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrs := make(chan error, 1)
	go func() {
		log.Printf("shadowgate listening on %s (mode=%s allow_anthropic_only=%t)", cfg.Server.ListenAddr, initialMode, *allowAnthropicOnly)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrs <- err
			return
		}
		serverErrs <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrs:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigCh:
		log.Printf("received %s, shutting down (grace=%s)", sig, shutdownGrace)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
		if err := shutdownTracing(ctx); err != nil {
			log.Printf("tracer shutdown failed: %v", err)
		}
	}
}

// newTracer builds the otel SDK around whichever exporter fits the
// config: stdout by default, OTLP over gRPC when cfg.OTLPEndpoint is
// set. internal/telemetry only ever sees the resulting trace.Tracer
// through its own Tracer interface, never the exporter packages.
func newTracer(cfg *config.Config, tracing *mode.Tracing) (telemetry.Tracer, func(context.Context) error) {
	ctx := context.Background()

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		log.Printf("warning: failed to build otel resource: %v, using default", err)
		res = resource.Default()
	}

	var tp *sdktrace.TracerProvider
	if cfg.OTLPEndpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			log.Fatalf("failed to build OTLP exporter: %v", err)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	} else {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			log.Fatalf("failed to build stdout exporter: %v", err)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp), sdktrace.WithResource(res))
	}

	tracer := telemetry.NewTracer(tp.Tracer(cfg.ServiceName), tracing)
	return tracer, tp.Shutdown
}
