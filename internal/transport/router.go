package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zaplane/zaplane/internal/dispatch"
	"github.com/zaplane/zaplane/internal/notify"
	"github.com/zaplane/zaplane/internal/observability"
	"github.com/zaplane/zaplane/internal/webhook"
)

// Dependencies holds the injected dependencies of the HTTP transport layer.
type Dependencies struct {
	Logger       *zap.Logger
	Orchestrator *dispatch.Orchestrator
	Webhook      *webhook.Handler
	Hub          *notify.Hub
	Metrics      *observability.Metrics
	Ready        observability.ReadinessChecks

	HandlerTimeout time.Duration
	MetricsPath    string
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness, and metrics bypass request logging.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Ready))
	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	h := &apiHandler{orchestrator: deps.Orchestrator, logger: logger}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(HandlerTimeout(deps.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/dispatches", h.createDispatch)
		r.Get("/dispatches/{dispatchID}", h.getDispatch)
		r.Post("/dispatches/{dispatchID}/control", h.controlDispatch)
		r.Post("/dispatches/{dispatchID}/retry", h.retryDispatch)

		if deps.Webhook != nil {
			r.Get("/webhook", deps.Webhook.Verify)
			r.Post("/webhook", deps.Webhook.Receive)
		}

		if deps.Hub != nil {
			r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
				userID := req.URL.Query().Get("user_id")
				if userID == "" {
					WriteInvalidInput(w, "user_id query parameter is required")
					return
				}
				deps.Hub.ServeWS(w, req, userID)
			})
		}
	})

	return r
}
