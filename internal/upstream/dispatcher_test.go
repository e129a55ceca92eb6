package upstream

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingHandler answers every request only after release is closed, so
// tests can hold a compare dispatch open long enough to observe the
// semaphore at capacity before letting it complete.
func blockingHandler(release <-chan struct{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func TestDispatcher_SkipsWhenAtCapacity(t *testing.T) {
	release := make(chan struct{})
	upstreamSrv := httptest.NewServer(blockingHandler(release))
	defer upstreamSrv.Close()

	target := &Target{Name: "target", BaseURL: upstreamSrv.URL, Timeout: 5 * time.Second, MaxConcurrent: 1}
	d := NewDispatcher(NewForwarder(upstreamSrv.Client()), target, nil)

	d.TryDispatch("req-1", http.Header{}, []byte(`{}`))

	// The semaphore acquire in TryDispatch happens synchronously before
	// the goroutine is spawned, so the second call is guaranteed to
	// observe the first permit already held.
	acquired := d.sem.TryAcquire(1)
	assert.False(t, acquired, "expected semaphore to be at capacity")

	close(release)
}

func TestDispatcher_ReleasesPermitAfterCompletion(t *testing.T) {
	release := make(chan struct{})
	var handled sync.WaitGroup
	handled.Add(1)
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		handled.Done()
	}))
	defer upstreamSrv.Close()

	target := &Target{Name: "target", BaseURL: upstreamSrv.URL, Timeout: 5 * time.Second, MaxConcurrent: 1}
	d := NewDispatcher(NewForwarder(upstreamSrv.Client()), target, nil)

	d.TryDispatch("req-1", http.Header{}, []byte(`{}`))
	close(release)
	handled.Wait()

	require.Eventually(t, func() bool {
		if d.sem.TryAcquire(1) {
			d.sem.Release(1)
			return true
		}
		return false
	}, time.Second, 10*time.Millisecond, "expected permit to free up after the dispatch completed")
}

func TestDispatcher_ZeroMaxConcurrentDefaultsToOne(t *testing.T) {
	target := &Target{Name: "target", BaseURL: "http://127.0.0.1:1", Timeout: time.Second, MaxConcurrent: 0}
	d := NewDispatcher(NewForwarder(&http.Client{}), target, nil)

	acquired := d.sem.TryAcquire(1)
	assert.True(t, acquired, "expected a MaxConcurrent of 0 to behave as 1")
	d.sem.Release(1)
}

func TestDispatcher_ReleasesPermitWhenDialFails(t *testing.T) {
	target := &Target{Name: "target", BaseURL: "http://127.0.0.1:1", Timeout: 50 * time.Millisecond, MaxConcurrent: 1}
	d := NewDispatcher(NewForwarder(&http.Client{}), target, nil)

	assert.NotPanics(t, func() {
		d.TryDispatch("req-1", http.Header{}, []byte(`{}`))
	})

	require.Eventually(t, func() bool {
		if d.sem.TryAcquire(1) {
			d.sem.Release(1)
			return true
		}
		return false
	}, time.Second, 10*time.Millisecond, "expected the permit to be released even though the dial fails")
}
