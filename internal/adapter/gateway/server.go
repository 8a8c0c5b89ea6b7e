// Package gateway exposes the bridge's observation surface: a JSON
// roster at GET /api/status and a one-way WebSocket event feed at /ws.
// The warehouse dashboard consumes both; nothing here mutates bridge
// state.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"shelfsync/internal/bridge"
	"shelfsync/internal/domain"
)

// StatusProvider yields the current device roster. Implemented by the
// bridge coordinator.
type StatusProvider interface {
	Status() []bridge.DeviceStatus
}

// clientConn tracks a single WebSocket subscriber.
type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

// Server serves the status API and fans bus events out to WebSocket
// clients.
type Server struct {
	provider  StatusProvider
	bus       domain.EventBus
	logger    *slog.Logger
	addr      string
	httpSrv   *http.Server
	boundAddr string
	clients   sync.Map // connID (uint64) -> *clientConn
	nextID    atomic.Uint64
	unsubAll  func()
	metrics   Metrics
	started   time.Time
}

// NewServer creates the gateway server.
func NewServer(provider StatusProvider, bus domain.EventBus, addr string, logger *slog.Logger) *Server {
	return &Server{
		provider: provider,
		bus:      bus,
		logger:   logger.With("component", "gateway"),
		addr:     addr,
	}
}

// Start begins serving. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.started = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/api/status", s.statusHandler())

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{Handler: mux}

	// Count and forward every bus event to connected clients.
	s.unsubAll = s.bus.SubscribeAll(func(_ context.Context, event domain.Event) {
		s.metrics.observe(event)
		payload, err := json.Marshal(event)
		if err != nil {
			return
		}
		frame := Frame{Type: FrameTypeEvent, Payload: payload}
		s.clients.Range(func(_, value any) bool {
			cc := value.(*clientConn)
			select {
			case cc.sendCh <- frame:
			default:
				s.logger.Warn("gateway: dropped event for slow client")
			}
			return true
		})
	})

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubAll != nil {
		s.unsubAll()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual listen address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("gateway client connected", "conn_id", connID)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

// readLoop discards inbound frames; the feed is one-way. Reading is
// still required so pings are answered and closes are noticed.
func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}
		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
