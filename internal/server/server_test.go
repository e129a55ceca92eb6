package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nolanhoward/shadowgate/internal/metrics"
	"github.com/nolanhoward/shadowgate/internal/mode"
	"github.com/nolanhoward/shadowgate/internal/rewrite"
	"github.com/nolanhoward/shadowgate/internal/stats"
	"github.com/nolanhoward/shadowgate/internal/telemetry"
	"github.com/nolanhoward/shadowgate/internal/upstream"
)

// sharedMetrics is constructed exactly once for the whole test binary:
// metrics.New registers its collectors against prometheus's global
// default registry, and a second registration attempt panics.
var sharedMetrics = metrics.New()

func noopTracer() telemetry.Tracer {
	return telemetry.NewTracer(noop.NewTracerProvider().Tracer("test"), mode.NewTracing(false))
}

type testEnv struct {
	server      *Server
	target      *httptest.Server
	passthrough *httptest.Server
}

func newTestEnv(t *testing.T, initialMode mode.ProxyMode, allowAnthropicOnly bool, maxConcurrent int64, targetHandler, passthroughHandler http.HandlerFunc) *testEnv {
	t.Helper()

	targetSrv := httptest.NewServer(targetHandler)
	t.Cleanup(targetSrv.Close)
	passthroughSrv := httptest.NewServer(passthroughHandler)
	t.Cleanup(passthroughSrv.Close)

	target := &upstream.Target{Name: "target", BaseURL: targetSrv.URL, Timeout: 5 * time.Second, MaxConcurrent: maxConcurrent}
	passthrough := &upstream.Target{Name: "passthrough", BaseURL: passthroughSrv.URL, Timeout: 5 * time.Second}

	targetForwarder := upstream.NewForwarder(targetSrv.Client())
	passthroughForwarder := upstream.NewForwarder(passthroughSrv.Client())
	dispatcher := upstream.NewDispatcher(targetForwarder, target, sharedMetrics)

	srv := New(Deps{
		Mode:                 mode.New(initialMode, allowAnthropicOnly),
		Tracing:              mode.NewTracing(false),
		Stats:                stats.New(),
		Metrics:              sharedMetrics,
		Tracer:               noopTracer(),
		Target:               target,
		Passthrough:          passthrough,
		TargetForwarder:      targetForwarder,
		PassthroughForwarder: passthroughForwarder,
		Dispatcher:           dispatcher,
		RewriteDefaults:      rewrite.Defaults{},
	})

	return &testEnv{server: srv, target: targetSrv, passthrough: passthroughSrv}
}

const sampleSSE = "event: message_start\n" +
	"data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":7}}}\n\n" +
	"event: content_block_start\n" +
	"data: {\"type\":\"content_block_start\",\"content_block\":{\"type\":\"tool_use\"}}\n\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":3}}\n\n"

func sseHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}
}

func TestHandleMessages_TargetOnlyByteFidelityAndStats(t *testing.T) {
	env := newTestEnv(t, mode.TargetOnly, false, 1, sseHandler(sampleSSE), func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("passthrough should not be reached in target-only mode")
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-3","messages":[]}`))
	env.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sampleSSE, rec.Body.String())

	snap := env.server.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.TotalRequests)
	assert.Equal(t, uint64(7), snap.InputTokens)
	assert.Equal(t, uint64(3), snap.OutputTokens)
	assert.Equal(t, uint64(1), snap.ToolCalls)
}

func TestHandleMessages_CompareModeIsolatesDispatchFailure(t *testing.T) {
	var targetHit atomic.Bool
	env := newTestEnv(t, mode.Compare, false, 2,
		func(w http.ResponseWriter, r *http.Request) {
			targetHit.Store(true)
			// The compare target fails outright; the client-visible
			// passthrough response must be unaffected.
			panic("compare target exploded")
		},
		sseHandler(sampleSSE),
	)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-3","messages":[]}`))

	require.NotPanics(t, func() {
		env.server.ServeHTTP(rec, req)
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sampleSSE, rec.Body.String())

	require.Eventually(t, func() bool { return targetHit.Load() }, time.Second, 10*time.Millisecond,
		"expected the compare dispatch to still have reached the target")
}

func TestHandlePutMode_AnthropicOnlyGatedByLaunchFlag(t *testing.T) {
	env := newTestEnv(t, mode.TargetOnly, false, 1, sseHandler(""), sseHandler(""))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/mode", strings.NewReader(`{"mode":"anthropic-only"}`))
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	getRec := httptest.NewRecorder()
	getReq := httptest.NewRequest(http.MethodGet, "/api/mode", nil)
	env.server.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &body))
	assert.Equal(t, "target", body["mode"], "a denied transition must leave the mode unchanged")
}

func TestHandlePutMode_AnthropicOnlyAllowedWithLaunchFlag(t *testing.T) {
	env := newTestEnv(t, mode.TargetOnly, true, 1, sseHandler(""), sseHandler(""))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/mode", strings.NewReader(`{"mode":"anthropic-only"}`))
	env.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mode.AnthropicOnly, env.server.mode.Get())
}

func TestHandleMessages_ModelOverrideAppliedBeforeDispatch(t *testing.T) {
	var gotModel string
	env := newTestEnv(t, mode.TargetOnly, false, 1, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotModel = strings.TrimSpace(string(b))
		w.WriteHeader(http.StatusOK)
	}, sseHandler(""))
	env.server.modelOverride = "forced-model"

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-3","messages":[]}`))
	env.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, gotModel, `"model":"forced-model"`)
}

func TestHandleCatchAll_RelaysRegardlessOfMode(t *testing.T) {
	var relayed atomic.Bool
	env := newTestEnv(t, mode.TargetOnly, false, 1, sseHandler(""), func(w http.ResponseWriter, r *http.Request) {
		relayed.Store(true)
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("models"))
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	env.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, relayed.Load())
	assert.Equal(t, "models", rec.Body.String())
}

func TestHandleMessages_CompareSemaphoreSaturationSkipsExcessDispatches(t *testing.T) {
	const maxConcurrent = 2
	const requestCount = 10

	release := make(chan struct{})
	var concurrent, maxObserved atomic.Int64
	var targetHits atomic.Int64

	env := newTestEnv(t, mode.Compare, false, maxConcurrent,
		func(w http.ResponseWriter, r *http.Request) {
			targetHits.Add(1)
			n := concurrent.Add(1)
			for {
				cur := maxObserved.Load()
				if n <= cur || maxObserved.CompareAndSwap(cur, n) {
					break
				}
			}
			<-release
			concurrent.Add(-1)
			w.WriteHeader(http.StatusOK)
		},
		sseHandler(""),
	)

	var wg sync.WaitGroup
	for i := 0; i < requestCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-3","messages":[]}`))
			env.server.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code, "every request must still get a passthrough response")
		}()
	}

	require.Eventually(t, func() bool { return targetHits.Load() >= maxConcurrent }, time.Second, 5*time.Millisecond,
		"expected at least maxConcurrent dispatches to reach the target before releasing them")
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, maxObserved.Load(), int64(maxConcurrent))
	assert.Less(t, targetHits.Load(), int64(requestCount), "some compare dispatches must have been skipped at capacity")
}
