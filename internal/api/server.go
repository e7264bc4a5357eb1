package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/resqlink/resqlink/internal/config"
	"github.com/resqlink/resqlink/internal/store"
)

// Server is the reduced ResQlinK backend: the concrete counterpart of
// the node's backend transport.
type Server struct {
	cfg    config.ServerConfig
	store  store.Store
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, s store.Store, log zerolog.Logger) *Server {
	srv := &Server{
		cfg:   cfg,
		store: s,
		log:   log,
	}
	srv.router = srv.buildRouter()
	return srv
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	sosHandler := NewSOSHandler(s.store)
	chatHandler := NewChatHandler(s.store)
	adminHandler := NewAdminHandler(s.store)

	// Availability probe — no auth.
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware([]byte(s.cfg.JWTSecret)))

		r.Post("/sos", sosHandler.Create)
		r.Get("/sos/nearby", sosHandler.Nearby)
		r.Post("/chat/sync", chatHandler.Sync)
		r.Get("/admin/messages", adminHandler.Messages)
	})

	return r
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
