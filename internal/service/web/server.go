package web

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"proxydeck/internal/shared/logger"
)

// basicAuthMiddleware enforces HTTP Basic Authentication when both user and
// password are configured. With empty credentials the handler is returned
// unchanged and the API is open.
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the management API listener.
type ServerOptions struct {
	Port     int
	User     string
	Password string
}

// Server owns the HTTP listener for the management API and the WebSocket
// endpoint. A Port of zero disables it.
type Server struct {
	opts       ServerOptions
	httpServer *http.Server
	log        zerolog.Logger
}

func NewServer(opts ServerOptions, handler *Handler, hub *Hub) *Server {
	s := &Server{
		opts: opts,
		log:  logger.WithComponent("WebServer"),
	}
	if opts.Port <= 0 {
		return s
	}

	mux := http.NewServeMux()
	user, pass := opts.User, opts.Password

	protect := func(h http.HandlerFunc) http.Handler {
		return basicAuthMiddleware(h, user, pass)
	}

	mux.Handle("/api/profiles", protect(handler.HandleProfiles))
	mux.Handle("/api/profiles/", protect(handler.HandleProfileActions))
	mux.Handle("/api/activate", protect(handler.HandleActivate))
	mux.Handle("/api/deactivate", protect(handler.HandleDeactivate))
	mux.Handle("/api/connect", protect(handler.HandleConnect))
	mux.Handle("/api/disconnect", protect(handler.HandleDisconnect))
	mux.Handle("/api/diagnostics/ping", protect(handler.HandlePing))
	mux.Handle("/api/diagnostics/speed", protect(handler.HandleSpeedTest))
	mux.Handle("/api/history", protect(handler.HandleHistory))
	mux.Handle("/api/subscriptions", protect(handler.HandleSubscriptions))
	mux.Handle("/api/subscriptions/", protect(handler.HandleSubscriptionActions))
	mux.Handle("/api/settings", protect(handler.HandleGetSettings))
	mux.Handle("/api/settings/", protect(handler.HandleUpdateSettings))

	// The WebSocket endpoint and the status API stay public so dashboards
	// can poll without credentials.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})
	mux.HandleFunc("/api/status", handler.HandleStatus)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"service": "proxydeck", "api": "/api"})
	})

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", opts.Port),
		Handler: mux,
	}
	return s
}

// Start binds the listener and serves in the background. Bind failures are
// returned synchronously.
func (s *Server) Start() error {
	if s.httpServer == nil {
		s.log.Info().Msg("Web API is disabled (port is 0 or not set).")
		return nil
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to start web API on %s: %w", s.httpServer.Addr, err)
	}
	s.log.Info().Msgf("Web API is listening on http://%s", s.httpServer.Addr)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Web server error.")
		}
		s.log.Info().Msg("Web server stopped.")
	}()
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
