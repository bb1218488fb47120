package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Danservfinn/kurultai-sub006/internal/hmacsig"
	"github.com/Danservfinn/kurultai-sub006/internal/observability"
)

// RouterConfig holds everything the router needs, populated in main after
// all components are initialized.
type RouterConfig struct {
	Messages     MessageStore
	Health       HealthStore
	Gateway      GatewayHealth
	Verifier     *hmacsig.Verifier
	GatewayToken string
	Metrics      *observability.Metrics
	Registry     *prometheus.Registry
	Logger       *zap.Logger
}

// NewRouter builds the fully configured chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	messages := NewMessageHandler(cfg.Messages, cfg.Verifier, cfg.Metrics, cfg.Logger)
	health := NewHealthHandler(cfg.Health, cfg.Gateway)

	r.Get("/health", health.Live)
	r.Get("/health/graph", health.Graph)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.GatewayToken, cfg.Metrics))
		r.Post("/agent/{agent_id}/message", messages.Receive)
	})

	return r
}
