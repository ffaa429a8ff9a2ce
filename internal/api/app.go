package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-realtime/internal/config"
	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/presence"
	"github.com/npezzotti/go-realtime/internal/server"
	"github.com/rs/zerolog"
)

const identityHeader = "X-Identity-Id"

type App struct {
	log            zerolog.Logger
	db             database.Repository
	cs             *server.ChatServer
	presence       *presence.Registry
	allowedOrigins []string
	srv            *http.Server
}

// NewApp builds the HTTP surface. metrics is mounted on GET /metrics when
// set.
func NewApp(logger zerolog.Logger, cs *server.ChatServer, db database.Repository, registry *presence.Registry,
	metrics http.Handler, cfg *config.Config) *App {
	a := &App{
		log:            logger.With().Str("component", "http").Logger(),
		db:             db,
		cs:             cs,
		presence:       registry,
		allowedOrigins: cfg.AllowedOrigins,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(a.requestLogger)

	r.Get("/healthz", a.healthz)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.identityMiddleware)

		r.Post("/api/rooms", a.createRoom)
		r.Get("/api/rooms/{roomId}", a.getRoom)
		r.Post("/api/rooms/{roomId}/participants", a.addParticipant)
		r.Post("/api/rooms/{roomId}/messages", a.postMessage)
		r.Get("/api/rooms/{roomId}/messages", a.getMessages)
		r.Post("/api/presence/heartbeat", a.heartbeat)
		r.Get("/api/presence", a.queryPresence)
		r.Get("/api/nearby", a.nearby)
		r.Get("/api/profile", a.getProfile)
		r.Put("/api/profile", a.updateProfile)
		r.Get("/ws", a.serveWs)
	})

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", identityHeader}),
		handlers.AllowCredentials(),
	)(r)

	h = a.errorHandler(h)

	a.srv = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a
}

func (a *App) Handler() http.Handler {
	return a.srv.Handler
}

func (a *App) Start() error {
	a.log.Info().Str("addr", a.srv.Addr).Msg("starting server")
	return a.srv.ListenAndServe()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info().Msg("shutting down HTTP server")
	if err := a.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
