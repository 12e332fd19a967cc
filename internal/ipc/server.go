package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
	"github.com/gorilla/websocket"
)

// Server carries the command channel over a loopback websocket so the UI
// shell can attach. One socket multiplexes requests, responses and
// server-pushed events.
type Server struct {
	addr       string
	dispatcher *Dispatcher
	hub        *Hub
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
}

func NewServer(addr string, dispatcher *Dispatcher, hub *Hub) *Server {
	return &Server{
		addr:       addr,
		dispatcher: dispatcher,
		hub:        hub,
		upgrader: websocket.Upgrader{
			// The surface is loopback-only; the origin check rejects
			// anything a browser could forward from elsewhere.
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.Contains(origin, "127.0.0.1") || strings.Contains(origin, "localhost")
			},
		},
	}
}

// Start binds the loopback listener and serves until Stop.
func (s *Server) Start() error {
	if !strings.HasPrefix(s.addr, "127.0.0.1:") && !strings.HasPrefix(s.addr, "localhost:") {
		return errors.New("IPC surface must bind loopback, got " + s.addr)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ipc", s.handleSocket)

	srv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.httpSrv = srv
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("IPC server failed", "error", err)
		}
	}()
	logger.Info("IPC surface listening", "addr", s.addr)
	return nil
}

// Stop drains and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Addr reports the bound address (useful when the port was :0).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("IPC upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	// Writes are funneled through one channel; gorilla connections
	// allow a single concurrent writer.
	outbound := make(chan any, 64)
	readerDone := make(chan struct{})
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		defer close(readerDone)
		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := s.dispatcher.Dispatch(r.Context(), req)
			select {
			case outbound <- resp:
			case <-quit:
				return
			}
		}
	}()

	for {
		select {
		case <-readerDone:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeJSON(conn, event); err != nil {
				return
			}
		case msg := <-outbound:
			if err := writeJSON(conn, msg); err != nil {
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, raw)
}
