package signer

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// maxWireMessage bounds a single length-prefixed frame so a misbehaving
// or compromised signer peer can't force an unbounded allocation.
const maxWireMessage = 1 << 20 // 1 MiB

// requestType enumerates the signer protocol's request variants, per
// spec.md §6.
type requestType string

const (
	reqPing           requestType = "ping"
	reqAccountIDAzero requestType = "account_id_azero"
	reqSignAzero      requestType = "sign_azero"
	reqEthAddress     requestType = "eth_address"
	reqSignEthHash    requestType = "sign_eth_hash"
	reqSignEthTx      requestType = "sign_eth_tx"
)

type wireRequest struct {
	Type    requestType `json:"type"`
	Payload []byte      `json:"payload,omitempty"`
	Hash    []byte      `json:"hash,omitempty"`
	Tx      []byte      `json:"tx,omitempty"`
}

type wireResponse struct {
	Type      requestType `json:"type"`
	AccountID string      `json:"account_id,omitempty"`
	Address   string      `json:"address,omitempty"`
	Payload   []byte      `json:"payload,omitempty"`
	Hash      []byte      `json:"hash,omitempty"`
	Tx        []byte      `json:"tx,omitempty"`
	Signature []byte      `json:"signature,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// RemoteSigner is a client for the out-of-process signing service
// described in spec.md §6: a single persistent stream (TCP, or AF_VSOCK
// when the signer runs in a separate enclave/VM), framed with a 4-byte
// big-endian length prefix around each JSON message.
//
// Per spec.md §5 ("the remote-signer client is behind a mutual-exclusion
// lock"), every method serializes on mu: signer devices are
// single-threaded and ordering matters, so this is a deliberate
// throughput bottleneck, not an oversight.
type RemoteSigner struct {
	mu      sync.Mutex
	conn    net.Conn
	rw      *bufio.ReadWriter
	timeout time.Duration

	// LockHeld, if set, observes how long each round trip held mu
	// (SPEC_FULL.md §3.6's signer_lock_held_seconds histogram).
	LockHeld prometheus.Observer
}

// DialRemote connects to a signer listening at addr (host:port for TCP;
// callers needing AF_VSOCK should pass an already-dialed net.Conn via
// NewRemote instead).
func DialRemote(network, addr string, timeout time.Duration) (*RemoteSigner, error) {
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial signer at %s: %w", addr, err)
	}
	return NewRemote(conn, timeout), nil
}

// NewRemote wraps an already-established connection (e.g. an AF_VSOCK
// socket dialed by the caller) as a RemoteSigner.
func NewRemote(conn net.Conn, timeout time.Duration) *RemoteSigner {
	return &RemoteSigner{
		conn:    conn,
		rw:      bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		timeout: timeout,
	}
}

// Close releases the underlying connection.
func (s *RemoteSigner) Close() error {
	return s.conn.Close()
}

func (s *RemoteSigner) roundTrip(ctx context.Context, req wireRequest) (wireResponse, error) {
	s.mu.Lock()
	lockedAt := time.Now()
	defer func() {
		if s.LockHeld != nil {
			s.LockHeld.Observe(time.Since(lockedAt).Seconds())
		}
		s.mu.Unlock()
	}()

	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(dl)
	} else if s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	}
	defer s.conn.SetDeadline(time.Time{})

	body, err := json.Marshal(req)
	if err != nil {
		return wireResponse{}, fmt.Errorf("encode signer request: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))

	if _, err := s.rw.Write(lenPrefix[:]); err != nil {
		return wireResponse{}, fmt.Errorf("write signer frame length: %w", err)
	}
	if _, err := s.rw.Write(body); err != nil {
		return wireResponse{}, fmt.Errorf("write signer frame body: %w", err)
	}
	if err := s.rw.Flush(); err != nil {
		return wireResponse{}, fmt.Errorf("flush signer request: %w", err)
	}

	var respLenPrefix [4]byte
	if _, err := readFull(s.rw, respLenPrefix[:]); err != nil {
		return wireResponse{}, fmt.Errorf("read signer frame length: %w", err)
	}
	respLen := binary.BigEndian.Uint32(respLenPrefix[:])
	if respLen > maxWireMessage {
		return wireResponse{}, fmt.Errorf("signer response too large: %d bytes", respLen)
	}

	respBody := make([]byte, respLen)
	if _, err := readFull(s.rw, respBody); err != nil {
		return wireResponse{}, fmt.Errorf("read signer frame body: %w", err)
	}

	var resp wireResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return wireResponse{}, fmt.Errorf("decode signer response: %w", err)
	}
	if resp.Error != "" {
		return wireResponse{}, fmt.Errorf("signer error: %s", resp.Error)
	}
	return resp, nil
}

func readFull(r *bufio.ReadWriter, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Ping implements Signer.
func (s *RemoteSigner) Ping(ctx context.Context) error {
	_, err := s.roundTrip(ctx, wireRequest{Type: reqPing})
	return err
}

// AccountIDAzero implements Signer.
func (s *RemoteSigner) AccountIDAzero(ctx context.Context) (string, error) {
	resp, err := s.roundTrip(ctx, wireRequest{Type: reqAccountIDAzero})
	if err != nil {
		return "", err
	}
	return resp.AccountID, nil
}

// SignAzero implements Signer.
func (s *RemoteSigner) SignAzero(ctx context.Context, payload []byte) ([]byte, error) {
	resp, err := s.roundTrip(ctx, wireRequest{Type: reqSignAzero, Payload: payload})
	if err != nil {
		return nil, err
	}
	return resp.Signature, nil
}

// EthAddress implements Signer.
func (s *RemoteSigner) EthAddress(ctx context.Context) ([20]byte, error) {
	var out [20]byte
	resp, err := s.roundTrip(ctx, wireRequest{Type: reqEthAddress})
	if err != nil {
		return out, err
	}
	raw, err := hex.DecodeString(trimHexPrefix(resp.Address))
	if err != nil || len(raw) != 20 {
		return out, fmt.Errorf("malformed eth address from signer: %q", resp.Address)
	}
	copy(out[:], raw)
	return out, nil
}

// SignEthHash implements Signer.
func (s *RemoteSigner) SignEthHash(ctx context.Context, hash [32]byte) ([65]byte, error) {
	var out [65]byte
	resp, err := s.roundTrip(ctx, wireRequest{Type: reqSignEthHash, Hash: hash[:]})
	if err != nil {
		return out, err
	}
	if len(resp.Signature) != 65 {
		return out, fmt.Errorf("malformed eth signature length: %d", len(resp.Signature))
	}
	copy(out[:], resp.Signature)
	return out, nil
}

// SignEthTx implements Signer.
func (s *RemoteSigner) SignEthTx(ctx context.Context, rawTx []byte) ([65]byte, error) {
	var out [65]byte
	resp, err := s.roundTrip(ctx, wireRequest{Type: reqSignEthTx, Tx: rawTx})
	if err != nil {
		return out, err
	}
	if len(resp.Signature) != 65 {
		return out, fmt.Errorf("malformed eth signature length: %d", len(resp.Signature))
	}
	copy(out[:], resp.Signature)
	return out, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
