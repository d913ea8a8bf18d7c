package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cardinal-cryptography/most-relayer/pkg/breaker"
	"github.com/cardinal-cryptography/most-relayer/pkg/chainevent"
	"github.com/cardinal-cryptography/most-relayer/pkg/cursor"
)

// memStore is a trivial in-memory cursor.Store for tests.
type memStore struct {
	mu     sync.Mutex
	values map[string]uint64
	writes []uint64
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]uint64)}
}

func (m *memStore) Read(_ context.Context, name string, chain cursor.ChainKey, def uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[cursor.Key(name, chain)]; ok {
		return v, nil
	}
	return def, nil
}

func (m *memStore) Write(_ context.Context, name string, chain cursor.ChainKey, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[cursor.Key(name, chain)] = block
	m.writes = append(m.writes, block)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) lastWrite() (uint64, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writes) == 0 {
		return 0, 0
	}
	return m.writes[len(m.writes)-1], len(m.writes)
}

// TestSourceListenerPublishesAndAcksInOrder drives a listener over a fixed
// finalized head, acking batches out of arrival order (batch 2 before
// batch 1), and checks the persisted cursor never reflects the later
// batch until the earlier one has also been acked — the "never advance
// past an un-acked batch" invariant from spec.md §4.2.
func TestSourceListenerPublishesAndAcksInOrder(t *testing.T) {
	store := newMemStore()
	batchCh := make(chan Batch, 4)
	br := breaker.New()

	cfg := Config{
		Name:    "test",
		Chain:   cursor.ChainEth,
		Cursor:  store,
		Breaker: br,
		FinalizedHead: func(ctx context.Context) (uint64, error) {
			return 30, nil
		},
		FetchEvents: func(ctx context.Context, from, to uint64) ([]chainevent.Event, error) {
			return nil, nil
		},
		SyncStep:        10,
		PollInterval:    10 * time.Millisecond,
		DefaultSyncFrom: 0,
		BatchChan:       batchCh,
		PendingAckDepth: 8,
	}
	l := New(cfg)
	require.NoError(t, l.Start())
	defer l.Stop()

	batch1 := <-batchCh
	batch2 := <-batchCh
	require.Equal(t, uint64(0), batch1.FromBlock)
	require.Equal(t, uint64(9), batch1.ToBlock)
	require.Equal(t, uint64(10), batch2.FromBlock)
	require.Equal(t, uint64(19), batch2.ToBlock)

	// Ack the second batch first; the cursor consumer must still be
	// blocked waiting on batch1's ack, so no write should land yet.
	batch2.Ack <- batch2.ToBlock
	time.Sleep(50 * time.Millisecond)
	_, writeCount := store.lastWrite()
	require.Equal(t, 0, writeCount, "cursor must not advance past an un-acked earlier batch")

	batch1.Ack <- batch1.ToBlock
	require.Eventually(t, func() bool {
		v, _ := store.lastWrite()
		return v == batch1.ToBlock
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		v, _ := store.lastWrite()
		return v == batch2.ToBlock
	}, time.Second, 5*time.Millisecond)
}

// TestSourceListenerEscalatesOnFetchFailure checks that a fetch_events
// error trips the circuit breaker with RpcFailure rather than panicking
// or silently stalling.
func TestSourceListenerEscalatesOnFetchFailure(t *testing.T) {
	store := newMemStore()
	batchCh := make(chan Batch, 1)
	br := breaker.New()
	sub := br.Subscribe()

	cfg := Config{
		Name:    "test",
		Chain:   cursor.ChainAzero,
		Cursor:  store,
		Breaker: br,
		FinalizedHead: func(ctx context.Context) (uint64, error) {
			return 100, nil
		},
		FetchEvents: func(ctx context.Context, from, to uint64) ([]chainevent.Event, error) {
			return nil, errors.New("rpc unavailable")
		},
		SyncStep:     10,
		PollInterval: 10 * time.Millisecond,
		BatchChan:    batchCh,
	}
	l := New(cfg)
	require.NoError(t, l.Start())
	defer l.Stop()

	select {
	case ev := <-sub:
		require.Equal(t, breaker.KindRpcFailure, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected breaker trip on fetch_events failure")
	}
}
