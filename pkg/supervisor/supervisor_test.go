package supervisor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cardinal-cryptography/most-relayer/pkg/breaker"
)

type fakeWorker struct {
	starts int32
	stops  int32
}

func (w *fakeWorker) Start() error {
	atomic.AddInt32(&w.starts, 1)
	return nil
}

func (w *fakeWorker) Stop() error {
	atomic.AddInt32(&w.stops, 1)
	return nil
}

// TestSupervisorRespawnsAfterBreakerTrip verifies that once a generation's
// breaker trips, the supervisor stops every worker of that generation and
// builds a fresh one, per spec.md §4.7.
func TestSupervisorRespawnsAfterBreakerTrip(t *testing.T) {
	var generations int32
	var w1, w2 *fakeWorker
	ready := make(chan struct{}, 10)

	build := func() (Generation, error) {
		n := atomic.AddInt32(&generations, 1)
		w1, w2 = &fakeWorker{}, &fakeWorker{}
		br := breaker.New()
		if n == 1 {
			go func() {
				time.Sleep(10 * time.Millisecond)
				br.Trip(breaker.Event{Kind: breaker.KindRpcFailure})
			}()
		}
		return Generation{Workers: []Worker{w1, w2}, Breaker: br}, nil
	}

	s := New(Config{Build: build, Backoff: 20 * time.Millisecond}, func() { ready <- struct{}{} })
	require.NoError(t, s.Start())

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("expected onReady to fire after first generation starts")
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&generations) >= 2
	}, time.Second, 5*time.Millisecond, "expected a second generation to be built after the breaker tripped")

	require.NoError(t, s.Stop())
}
