package signer

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// countingObserver is a minimal prometheus.Observer stand-in that counts
// calls instead of maintaining real histogram buckets.
type countingObserver struct {
	n int
}

var _ prometheus.Observer = (*countingObserver)(nil)

func (o *countingObserver) Observe(float64) { o.n++ }

// fakeSignerServer speaks the same length-prefixed JSON framing as
// RemoteSigner expects, so these tests exercise the real wire format
// instead of mocking the Signer interface directly.
func fakeSignerServer(t *testing.T, conn net.Conn, handle func(wireRequest) wireResponse) {
	t.Helper()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	for {
		var lenPrefix [4]byte
		if _, err := readFull(rw, lenPrefix[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		body := make([]byte, n)
		if _, err := readFull(rw, body); err != nil {
			return
		}

		var req wireRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return
		}

		resp := handle(req)
		out, err := json.Marshal(resp)
		require.NoError(t, err)

		var outLen [4]byte
		binary.BigEndian.PutUint32(outLen[:], uint32(len(out)))
		_, _ = rw.Write(outLen[:])
		_, _ = rw.Write(out)
		_ = rw.Flush()
	}
}

func TestRemoteSignerPing(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go fakeSignerServer(t, server, func(req wireRequest) wireResponse {
		require.Equal(t, reqPing, req.Type)
		return wireResponse{Type: reqPing}
	})

	rs := NewRemote(client, time.Second)
	require.NoError(t, rs.Ping(context.Background()))
}

func TestRemoteSignerSignEthHashRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	wantSig := make([]byte, 65)
	for i := range wantSig {
		wantSig[i] = byte(i)
	}

	go fakeSignerServer(t, server, func(req wireRequest) wireResponse {
		require.Equal(t, reqSignEthHash, req.Type)
		require.Len(t, req.Hash, 32)
		return wireResponse{Type: reqSignEthHash, Signature: wantSig}
	})

	rs := NewRemote(client, time.Second)
	var hash [32]byte
	sig, err := rs.SignEthHash(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, wantSig, sig[:])
}

func TestRemoteSignerPropagatesServerError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go fakeSignerServer(t, server, func(req wireRequest) wireResponse {
		return wireResponse{Type: req.Type, Error: "signer locked"}
	})

	rs := NewRemote(client, time.Second)
	err := rs.Ping(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "signer locked")
}

func TestRemoteSignerObservesLockHoldTime(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go fakeSignerServer(t, server, func(req wireRequest) wireResponse {
		return wireResponse{Type: req.Type}
	})

	rs := NewRemote(client, time.Second)
	obs := &countingObserver{}
	rs.LockHeld = obs

	require.NoError(t, rs.Ping(context.Background()))
	require.NoError(t, rs.Ping(context.Background()))
	require.Equal(t, 2, obs.n)
}
