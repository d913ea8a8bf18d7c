package adminserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cardinal-cryptography/most-relayer/pkg/breaker"
	"github.com/cardinal-cryptography/most-relayer/pkg/cursor"
)

// memStore is a trivial in-memory cursor.Store for tests.
type memStore struct {
	mu     sync.Mutex
	values map[string]uint64
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
	return nil
}

func (m *memStore) Close() error { return nil }

func TestHealthzReflectsCurrentGenerationBreaker(t *testing.T) {
	br1 := breaker.New()
	s := New(Config{
		ListenAddr: "127.0.0.1:0",
		Breaker:    br1,
		Status: func() StatusSnapshot {
			return StatusSnapshot{Name: "test"}
		},
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	// healthz should be OK before any trip.
	require.False(t, healthzTripped(t, s))

	br1.Trip(breaker.Event{Kind: breaker.KindRpcFailure})
	require.True(t, healthzTripped(t, s))

	// A fresh generation's breaker clears the old trip.
	br2 := breaker.New()
	s.SetBreaker(br2)
	require.False(t, healthzTripped(t, s))
}

func healthzTripped(t *testing.T, s *Server) bool {
	t.Helper()
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode == http.StatusServiceUnavailable
}

func TestStatusServesJSONSnapshot(t *testing.T) {
	br := breaker.New()
	s := New(Config{
		ListenAddr: "127.0.0.1:0",
		Breaker:    br,
		Status: func() StatusSnapshot {
			return StatusSnapshot{Name: "test-relayer", Cursors: map[string]uint64{"eth": 5}}
		},
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	resp, err := http.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var snap StatusSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	require.Equal(t, "test-relayer", snap.Name)
	require.Equal(t, uint64(5), snap.Cursors["eth"])
}

func TestCursorGetSetRoundTrips(t *testing.T) {
	store := newMemStore()
	s := New(Config{
		ListenAddr:  "127.0.0.1:0",
		Breaker:     breaker.New(),
		RelayerName: "test-relayer",
		Cursor:      store,
		Status:      func() StatusSnapshot { return StatusSnapshot{} },
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	base := "http://" + s.Addr()

	resp, err := http.Get(base + "/cursor?chain=eth")
	require.NoError(t, err)
	var got cursorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	require.Equal(t, uint64(0), got.Block)

	body, err := json.Marshal(cursorRequest{Chain: "eth", Block: 42})
	require.NoError(t, err)
	resp, err = http.Post(base+"/cursor", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(base + "/cursor?chain=eth")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	require.Equal(t, uint64(42), got.Block)
}
