package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/JonathanMoss/OpenRailDataGateway/internal/publisher"
	"github.com/JonathanMoss/OpenRailDataGateway/pkg/http/middleware/trace"
	"github.com/JonathanMoss/OpenRailDataGateway/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
)

// service is the publisher state exposed to operators.
type service interface {
	Exchange() string
	Connected() bool
	Stats() publisher.Stats
}

type HTTPTransport struct {
	server  *http.Server
	router  *chi.Mux
	service service
}

type statsResponse struct {
	Exchange  string `json:"exchange"`
	Connected bool   `json:"connected"`
	Sent      int64  `json:"sent"`
	Retries   int64  `json:"retries"`
}

func NewHTTPTransport(addr string, service service) *HTTPTransport {
	router := newRouter()
	server := newServer(addr, router)
	return &HTTPTransport{
		server:  server,
		router:  router,
		service: service,
	}
}

// Run serves until Shutdown is called.
func (h *HTTPTransport) Run() error {
	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops the server gracefully.
func (h *HTTPTransport) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// RegisterRoutes registers the routes for the HTTPTransport.
func (h *HTTPTransport) RegisterRoutes() {
	h.router.Get("/health", h.health)
	h.router.Get("/stats", h.stats)
}

// health is 200 while the publisher holds a broker session, 503 otherwise.
func (h *HTTPTransport) health(w http.ResponseWriter, _ *http.Request) {
	if !h.service.Connected() {
		http.Error(w, "broker disconnected", http.StatusServiceUnavailable)

		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		slog.Error("Error sending response", "error", err)
	}
}

func (h *HTTPTransport) stats(w http.ResponseWriter, _ *http.Request) {
	stats := h.service.Stats()
	resp := statsResponse{
		Exchange:  h.service.Exchange(),
		Connected: h.service.Connected(),
		Sent:      stats.Sent,
		Retries:   stats.Retries,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		slog.Error("Error sending response", "error", err)
	}
}

func newRouter() *chi.Mux {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(logger.NewLoggerMiddleware(slog.Default()))
	router.Use(trace.NewTraceMiddleware("gateway-http"))

	c := cors.New(cors.Options{
		AllowedOrigins: viper.GetStringSlice("server.http.cors.allowed_origins"),
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         viper.GetInt("server.http.cors.max_age"),
	})

	router.Use(c.Handler)

	return router
}

func newServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
