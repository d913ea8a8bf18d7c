// Package adminserver implements the relayer's operator-facing HTTP
// surface (SPEC_FULL.md §3.6): Prometheus metrics, a liveness probe, a JSON
// status snapshot, and a websocket stream of circuit-breaker events, so a
// terminal dashboard or cmd/relayerctl can watch the relayer without
// touching its logs.
package adminserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/cert"

	"github.com/cardinal-cryptography/most-relayer/pkg/breaker"
	"github.com/cardinal-cryptography/most-relayer/pkg/cursor"
)

// StatusSnapshot is the JSON body served at /status: a point-in-time view
// of each chain's cursor and the most recent circuit-breaker event, if
// any (spec.md §4.6/§4.7 observability surface). When the StatusFunc
// leaves LastBreakerErr nil, the server fills it with the last event it
// has seen on any generation's breaker since Start.
type StatusSnapshot struct {
	Name           string            `json:"name"`
	Cursors        map[string]uint64 `json:"cursors"`
	LastBreakerErr *breaker.Event    `json:"last_breaker_event,omitempty"`
	Generations    uint64            `json:"generations"`
}

// StatusFunc produces a fresh StatusSnapshot on demand.
type StatusFunc func() StatusSnapshot

// Config parameterizes a Server.
type Config struct {
	ListenAddr string
	// TLSCertPath/TLSKeyPath enable TLS when both are set; the
	// certificate is generated (self-signed) on first run if the files
	// don't yet exist, and reused/reloaded thereafter.
	TLSCertPath string
	TLSKeyPath  string

	// Breaker is the first generation's circuit breaker; the supervisor
	// calls SetBreaker on every respawn so /healthz and /status/stream
	// always reflect the current generation, not a long-tripped one.
	Breaker *breaker.Breaker
	Status  StatusFunc

	// Cursor and RelayerName, when set, back the /cursor endpoint used by
	// relayerctl's "cursor get/set" (spec.md §6's override flags, made
	// operable at runtime instead of only at boot).
	Cursor      cursor.Store
	RelayerName string

	Log btclog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	cfg      Config
	http     *http.Server
	upgrader websocket.Upgrader

	currentBreaker atomic.Pointer[breaker.Breaker]
	lastEvent      atomic.Pointer[breaker.Event]
	breakerUpdated chan struct{}
	boundAddr      atomic.Pointer[string]

	mu        sync.Mutex
	listeners map[chan breaker.Event]struct{}
}

// Addr returns the server's actual bound address once Start has run, or ""
// beforehand. Useful in tests that bind an ephemeral port (":0").
func (s *Server) Addr() string {
	if p := s.boundAddr.Load(); p != nil {
		return *p
	}
	return ""
}

// New constructs a Server. It does not start listening.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = btclog.Disabled
	}
	s := &Server{
		cfg:            cfg,
		listeners:      make(map[chan breaker.Event]struct{}),
		upgrader:       websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		breakerUpdated: make(chan struct{}, 1),
	}
	s.currentBreaker.Store(cfg.Breaker)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/stream", s.handleStatusStream)
	mux.HandleFunc("/cursor", s.handleCursor)

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and serves in a background goroutine. It
// returns once the listener is bound, so callers can rely on the address
// being ready immediately after Start returns.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind admin server on %s: %w", s.cfg.ListenAddr, err)
	}
	addr := ln.Addr().String()
	s.boundAddr.Store(&addr)

	if s.cfg.TLSCertPath != "" && s.cfg.TLSKeyPath != "" {
		tlsConf, err := loadOrGenerateTLSConfig(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("admin server tls: %w", err)
		}
		ln = tls.NewListener(ln, tlsConf)
	}

	go func() {
		s.cfg.Log.Infof("admin server listening on %s", s.cfg.ListenAddr)
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.cfg.Log.Errorf("admin server exited: %v", err)
		}
	}()

	go s.broadcastBreakerEvents()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// SetBreaker points the server at a new generation's circuit breaker. Call
// this from the supervisor's BuildFunc every time a fresh generation is
// built, so /healthz and /status/stream track the live generation instead
// of one that already tripped and was torn down.
func (s *Server) SetBreaker(b *breaker.Breaker) {
	s.currentBreaker.Store(b)
	select {
	case s.breakerUpdated <- struct{}{}:
	default:
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, tripped := s.currentBreaker.Load().Tripped(); tripped {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "circuit breaker tripped")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Status()
	if snap.LastBreakerErr == nil {
		snap.LastBreakerErr = s.lastEvent.Load()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.cfg.Log.Errorf("encode status snapshot: %v", err)
	}
}

// cursorRequest/cursorResponse are the wire types for GET/POST /cursor.
type cursorRequest struct {
	Chain string `json:"chain"`
	Block uint64 `json:"block"`
}

type cursorResponse struct {
	Chain string `json:"chain"`
	Block uint64 `json:"block"`
}

func chainKeyFor(chain string) (cursor.ChainKey, bool) {
	switch chain {
	case "eth", "ethereum":
		return cursor.ChainEth, true
	case "azero", "alephzero":
		return cursor.ChainAzero, true
	default:
		return "", false
	}
}

// handleCursor serves GET (read the current cursor for ?chain=eth|azero)
// and POST (seed it, per spec.md §6's override flags made operable at
// runtime) against the store the relayer itself reads/writes from.
func (s *Server) handleCursor(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cursor == nil {
		http.Error(w, "cursor store not configured", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		chain, ok := chainKeyFor(r.URL.Query().Get("chain"))
		if !ok {
			http.Error(w, `chain must be "eth" or "azero"`, http.StatusBadRequest)
			return
		}
		block, err := s.cfg.Cursor.Read(r.Context(), s.cfg.RelayerName, chain, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cursorResponse{Chain: r.URL.Query().Get("chain"), Block: block})

	case http.MethodPost:
		var req cursorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		chain, ok := chainKeyFor(req.Chain)
		if !ok {
			http.Error(w, `chain must be "eth" or "azero"`, http.StatusBadRequest)
			return
		}
		if err := cursor.Seed(r.Context(), s.cfg.Cursor, s.cfg.RelayerName, chain, req.Block); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cursorResponse{Chain: req.Chain, Block: req.Block})

	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Log.Warnf("status stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan breaker.Event, 8)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ch)
		s.mu.Unlock()
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// broadcastBreakerEvents follows the current generation's breaker across
// respawns: it subscribes, waits for that generation's single trip event
// (or for SetBreaker to point it at a newer generation first), fans the
// event out to every connected websocket client, then moves on to
// whichever breaker is current.
func (s *Server) broadcastBreakerEvents() {
	for {
		b := s.currentBreaker.Load()
		if b == nil {
			<-s.breakerUpdated
			continue
		}

		select {
		case ev := <-b.Subscribe():
			s.lastEvent.Store(&ev)
			s.fanOut(ev)
			<-s.breakerUpdated
		case <-s.breakerUpdated:
		}
	}
}

func (s *Server) fanOut(ev breaker.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// loadOrGenerateTLSConfig loads an existing cert/key pair, or generates and
// persists a fresh self-signed one, matching the teacher's own
// `getTLSConfig` pattern around `lightningnetwork/lnd/cert`.
func loadOrGenerateTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	if !fileExists(certPath) || !fileExists(keyPath) {
		certBytes, keyBytes, err := cert.GenCertPair(
			"most-relayer admin server", nil, nil, false, cert.DefaultAutogenValidity,
		)
		if err != nil {
			return nil, fmt.Errorf("generate self-signed admin cert: %w", err)
		}
		if err := cert.WriteCertPair(certPath, keyPath, certBytes, keyBytes); err != nil {
			return nil, fmt.Errorf("write self-signed admin cert: %w", err)
		}
	}

	certData, _, err := cert.LoadCert(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load admin cert: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{certData}}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
