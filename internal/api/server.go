package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/courier/internal/common"
	"github.com/example/courier/internal/dispatch"
	"github.com/example/courier/internal/guard"
	"github.com/example/courier/internal/hub"
	"github.com/example/courier/internal/message"
	"github.com/example/courier/internal/reconcile"
	"github.com/example/courier/internal/schedule"
)

var (
	requestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "API requests by route and status",
	}, []string{"route", "method", "status"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "API request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// StatusCache is the read-aside cache in front of scheduled-status polls.
type StatusCache interface {
	GetStatus(ctx context.Context, id string) (string, bool)
	SetStatus(ctx context.Context, id, status string)
}

// Server wires the delivery engine behind HTTP.
type Server struct {
	Store      message.Store
	Dispatcher *dispatch.Dispatcher
	Reconciler *reconcile.Reconciler
	Scheduler  *schedule.Scheduler
	Hub        *hub.Hub
	Events     hub.Broadcaster
	Limiter    *guard.Limiter
	Cache      StatusCache
	CronToken  string
	// PublicURL is the externally visible base URL callbacks are signed
	// against. Falls back to the request host when empty.
	PublicURL string
	Logger    zerolog.Logger

	tracer trace.Tracer
}

func (s *Server) Router() http.Handler {
	s.tracer = otel.Tracer("api")

	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", s.sendMessage)
		r.Get("/messages/{id}", s.getMessage)
		r.Post("/messages/{id}/read", s.markMessageRead)

		r.Post("/scheduled-messages", s.createScheduled)
		r.Get("/scheduled-messages", s.listScheduled)
		r.Get("/scheduled-messages/{id}", s.getScheduled)
		r.Get("/scheduled-messages/{id}/status", s.getScheduledStatus)
		r.Delete("/scheduled-messages/{id}", s.cancelScheduled)

		r.Post("/webhooks/status", s.statusWebhook)
		r.Post("/webhooks/inbound", s.inboundWebhook)

		r.Get("/stream", s.Hub.ServeHTTP)
		r.Post("/scheduler/run", s.runScheduler)
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
			route := chi.RouteContext(r.Context()).RoutePattern()
			requestLatency.WithLabelValues(route).Observe(v)
			requestCounter.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		}))
		defer timer.ObserveDuration()
		next.ServeHTTP(rec, r)
	})
}

type errorBody struct {
	Error           string `json:"error"`
	Details         string `json:"details,omitempty"`
	Troubleshooting string `json:"troubleshooting,omitempty"`
}

func (s *Server) respondErr(ctx context.Context, w http.ResponseWriter, status int, body errorBody) {
	logger := common.WithContext(ctx, s.Logger)
	logger.Error().Str("error", body.Error).Str("details", body.Details).Int("status", status).Msg("request failed")
	s.respondJSON(w, status, body)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// requestURL reconstructs the URL the provider signed the callback against.
func (s *Server) requestURL(r *http.Request) string {
	if s.PublicURL != "" {
		return strings.TrimRight(s.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// clientIP identifies the caller for rate limiting.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
