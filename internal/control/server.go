package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/yourneighborhoodchef/tokcheck/internal/logging"
)

type ServerConfig struct {
	Listen   string
	User     string
	Password string
}

// Server exposes the webhook, the event websocket, metrics, health and
// status over one listener.
type Server struct {
	srv *http.Server
	mux *http.ServeMux
}

type Handlers struct {
	Webhook http.Handler
	Events  http.Handler
	Metrics http.Handler
	Status  func() interface{}
}

// basicAuthMiddleware enforces basic auth when both user and pass are set.
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func NewServer(cfg ServerConfig, h Handlers) *Server {
	mux := http.NewServeMux()

	if h.Webhook != nil {
		mux.Handle("/webhook", h.Webhook)
	}
	if h.Events != nil {
		mux.Handle("/ws", h.Events)
	}
	if h.Metrics != nil {
		mux.Handle("/metrics", basicAuthMiddleware(h.Metrics, cfg.User, cfg.Password))
	}
	if h.Status != nil {
		mux.Handle("/status", basicAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, h.Status())
		}), cfg.User, cfg.Password))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})

	return &Server{
		mux: mux,
		srv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Serve listens on the configured address and blocks until Shutdown.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	logging.WithComponent("Control/Server").Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening.")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
