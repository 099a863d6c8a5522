// Package server exposes the memory service over HTTP: a JSON API for
// records, a backend status endpoint and a WebSocket stream of call and
// breaker events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/scrypster/memvault/internal/config"
)

// Server is the HTTP front end of a memory service.
type Server struct {
	handler http.Handler
	hub     *EventHub

	httpServer   *http.Server
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds the server's routes. hub may be nil, which disables the
// event stream.
func New(cfg *config.Config, svc MemoryService, hub *EventHub) *Server {
	api := &apiHandlers{svc: svc}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/memories", api.CreateMemory)
	apiMux.HandleFunc("GET /api/memories", api.ListMemories)
	apiMux.HandleFunc("GET /api/memories/{id}", api.GetMemory)
	apiMux.HandleFunc("PATCH /api/memories/{id}", api.UpdateMemory)
	apiMux.HandleFunc("DELETE /api/memories/{id}", api.DeleteMemory)
	apiMux.HandleFunc("GET /api/backends", api.ListBackends)

	mux := http.NewServeMux()

	// Health endpoint: no auth required, used by monitoring.
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/api/", requireAuth(apiMux, cfg.Security.APIToken))
	if hub != nil {
		mux.Handle("GET /ws/events", requireAuth(hub, cfg.Security.APIToken))
	}

	// Rate limiting inside, security headers outermost.
	handler := rateLimitMiddleware(mux, NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst))
	handler = securityHeadersMiddleware(handler)

	return &Server{handler: handler, hub: hub}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on addr and serves until ctx is done or Shutdown is
// called. It returns the actual address being listened on (useful with
// port 0).
func (s *Server) Start(ctx context.Context, addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("server: failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if s.hub != nil {
		go s.hub.Run()
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server: serve error: %v", err)
		}
	}()

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	actual := listener.Addr().String()
	log.Printf("server: listening on %s", actual)
	return actual, nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Calling it more than once returns the first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		// The event stream holds hijacked connections Shutdown does not
		// track; stop it first.
		if s.hub != nil {
			s.hub.Stop()
		}
		if s.httpServer != nil {
			s.shutdownErr = s.httpServer.Shutdown(ctx)
			if s.shutdownErr != nil {
				log.Printf("server: shutdown error: %v", s.shutdownErr)
			}
		}
	})
	return s.shutdownErr
}
