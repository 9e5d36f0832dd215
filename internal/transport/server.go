// Package transport binds the dispatcher to the network: WebSocket
// accept, per-connection read/write pumps, and the worker pool that
// executes handlers off the I/O goroutines.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/clusterchat/chatd/internal/config"
	"github.com/clusterchat/chatd/internal/limits"
	"github.com/clusterchat/chatd/internal/monitoring"
	"github.com/clusterchat/chatd/internal/registry"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Time allowed between reads before the connection is considered
	// dead. Refreshed on every inbound frame and pong.
	pongWait = 30 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound buffer per connection. Handlers never block on sends;
	// a client that cannot drain this in time loses frames.
	sendBufferSize = 256
)

// Handler is the dispatch surface the transport drives.
type Handler interface {
	Handle(conn registry.Conn, frame []byte, ts time.Time)
	HandleDisconnect(conn registry.Conn)
}

// Server accepts WebSocket connections and pumps frames between them
// and the dispatcher.
type Server struct {
	addr       string
	cfg        *config.Config
	logger     zerolog.Logger
	dispatcher Handler

	listener       net.Listener
	clients        sync.Map // map[*Client]struct{}
	clientCount    int64
	currentConns   int64
	connectionsSem chan struct{}
	rateLimiter    *limits.MessageRateLimiter

	ctx          context.Context
	cancel       context.CancelFunc
	pool         *WorkerPool
	wg           sync.WaitGroup
	shuttingDown int32
}

// NewServer wires the transport. addr is "ip:port" from argv.
func NewServer(addr string, cfg *config.Config, dispatcher Handler, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:           addr,
		cfg:            cfg,
		logger:         logger.With().Str("component", "transport").Logger(),
		dispatcher:     dispatcher,
		connectionsSem: make(chan struct{}, cfg.MaxConnections),
		rateLimiter:    limits.NewMessageRateLimiter(cfg.MsgRatePerSec, cfg.MsgRateBurst),
		ctx:            ctx,
		cancel:         cancel,
		pool:           NewWorkerPool(cfg.WorkerCount, cfg.WorkerQueueSize, logger),
	}
}

// Start binds the listener and serves until Shutdown. Returns an error
// only for startup failures; inability to bind is fatal for the
// process.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	s.pool.Start(s.ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	server := &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Accept loop error")
		}
	}()

	s.logger.Info().
		Str("address", s.addr).
		Int("max_connections", s.cfg.MaxConnections).
		Int("workers", s.cfg.WorkerCount).
		Msg("Server listening")
	return nil
}

// Shutdown stops accepting connections, closes the live ones and waits
// for the pumps and workers to exit. The caller resets persisted user
// state afterwards.
func (s *Server) Shutdown() {
	s.logger.Info().Msg("Initiating shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	s.clients.Range(func(key, _ any) bool {
		if client, ok := key.(*Client); ok {
			client.close()
		}
		return true
	})

	s.cancel()
	s.pool.Wait()
	s.wg.Wait()
	s.logger.Info().Msg("Shutdown complete")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		s.logger.Warn().
			Str("remote_addr", r.RemoteAddr).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected: at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		id:          atomic.AddInt64(&s.clientCount, 1),
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		connectedAt: time.Now(),
	}

	s.clients.Store(client, struct{}{})
	monitoring.ConnectionsCurrent.Set(float64(atomic.AddInt64(&s.currentConns, 1)))

	s.logger.Info().
		Int64("client_id", client.id).
		Str("remote_addr", r.RemoteAddr).
		Msg("Client connected")

	go s.writePump(client)
	go s.readPump(client)
}

// handleHealth reports liveness plus a few load indicators.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"status":        "healthy",
		"connections":   atomic.LoadInt64(&s.currentConns),
		"worker_queue":  s.pool.QueueDepth(),
		"dropped_tasks": s.pool.DroppedTasks(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// disconnectClient tears one connection down exactly once from either
// pump: run the dispatcher's disconnect path first, while the handle is
// still valid, then release transport resources.
func (s *Server) disconnectClient(c *Client) {
	if _, loaded := s.clients.LoadAndDelete(c); !loaded {
		return
	}

	s.dispatcher.HandleDisconnect(c)

	c.close()
	s.rateLimiter.Remove(c.id)
	<-s.connectionsSem
	monitoring.ConnectionsCurrent.Set(float64(atomic.AddInt64(&s.currentConns, -1)))

	s.logger.Info().
		Int64("client_id", c.id).
		Dur("connected_for", time.Since(c.connectedAt)).
		Msg("Client disconnected")
}
