// Package transport отдаёт HTTP API терминала для слоя отображения:
// корзина, видимые остатки, поля сессии, а также пробы и метрики.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
	"github.com/vladislavdragonenkov/posreserve/internal/health"
	"github.com/vladislavdragonenkov/posreserve/internal/service/terminal"
)

// Terminal: операции сессии кассы, доступные через API.
type Terminal interface {
	TerminalID() string
	SessionID() string
	AddLine(ctx context.Context, productID string, quantity, unitPrice float64, opts ...terminal.LineOption) (domain.Decision, error)
	RemoveLine(ctx context.Context, productID string) (domain.Decision, error)
	UpdateLineQuantity(ctx context.Context, productID string, quantity float64) (domain.Decision, error)
	UpdateLinePrice(ctx context.Context, productID string, unitPrice float64) (domain.Decision, error)
	ClearCart(ctx context.Context)
	CommitSale(ctx context.Context) ([]domain.CartLine, error)
	SetField(ctx context.Context, key string, value json.RawMessage) error
	Field(key string) (json.RawMessage, bool)
	Watch(productIDs ...string)
	LoadCatalog(ctx context.Context) error
	StockView(productID string) terminal.StockView
	StockViews() []terminal.StockView
	SyncReservations(ctx context.Context) terminal.SyncResult
	Cart() []domain.CartLine
	Total() float64
}

// Options настраивает роутер.
type Options struct {
	Logger         *log.Entry
	Health         *health.Handler
	MetricsHandler http.Handler
	Registerer     prometheus.Registerer
}

// Option функциональная опция.
type Option func(*Options)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithHealth подключает /healthz и /readyz.
func WithHealth(h *health.Handler) Option {
	return func(o *Options) {
		o.Health = h
	}
}

// WithMetricsHandler задаёт обработчик /metrics (по умолчанию promhttp.Handler()).
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Options) {
		o.MetricsHandler = h
	}
}

// WithRegisterer включает метрики длительности запросов API.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = registerer
	}
}

type handler struct {
	terminal Terminal
	logger   *log.Entry
}

// Router собирает HTTP-обработчик API.
func Router(t Terminal, opts ...Option) http.Handler {
	o := Options{
		Logger:         log.WithField("component", "http-api"),
		MetricsHandler: promhttp.Handler(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	h := &handler{terminal: t, logger: o.Logger}

	r := mux.NewRouter()
	r.HandleFunc("/livez", health.LivenessHandler).Methods(http.MethodGet)
	if o.Health != nil {
		r.Handle("/healthz", o.Health).Methods(http.MethodGet)
		r.HandleFunc("/readyz", o.Health.ReadinessHandler).Methods(http.MethodGet)
	}
	if o.MetricsHandler != nil {
		r.Handle("/metrics", o.MetricsHandler).Methods(http.MethodGet)
	}

	s := r.PathPrefix("/api/v1").Subrouter()
	s.HandleFunc("/session", h.session).Methods(http.MethodGet)
	s.HandleFunc("/stock", h.stockList).Methods(http.MethodGet)
	s.HandleFunc("/stock/{productID}", h.stockOne).Methods(http.MethodGet)
	s.HandleFunc("/watch", h.watch).Methods(http.MethodPost)
	s.HandleFunc("/catalog/reload", h.reloadCatalog).Methods(http.MethodPost)
	s.HandleFunc("/sync", h.sync).Methods(http.MethodPost)

	s.HandleFunc("/cart", h.cart).Methods(http.MethodGet)
	s.HandleFunc("/cart/lines", h.addLine).Methods(http.MethodPost)
	s.HandleFunc("/cart/lines/{productID}", h.updateLine).Methods(http.MethodPatch)
	s.HandleFunc("/cart/lines/{productID}", h.removeLine).Methods(http.MethodDelete)
	s.HandleFunc("/cart/clear", h.clearCart).Methods(http.MethodPost)
	s.HandleFunc("/cart/commit", h.commit).Methods(http.MethodPost)
	s.HandleFunc("/cart/fields/{key}", h.getField).Methods(http.MethodGet)
	s.HandleFunc("/cart/fields/{key}", h.putField).Methods(http.MethodPut)
	s.HandleFunc("/cart/fields/{key}", h.deleteField).Methods(http.MethodDelete)

	var out http.Handler = r
	if o.Registerer != nil {
		out = instrument(out, o.Registerer)
	}
	return logMiddleware(out, o.Logger)
}

func logMiddleware(h http.Handler, logger *log.Entry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		h.ServeHTTP(w, r)
		logger.WithFields(log.Fields{
			"method":     r.Method,
			"url":        r.URL.Path,
			"remoteAddr": r.RemoteAddr,
			"userAgent":  r.UserAgent(),
			"duration":   time.Since(started),
		}).Debug("handled request")
	})
}

func instrument(h http.Handler, registerer prometheus.Registerer) http.Handler {
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_http_request_duration_seconds",
		Help:    "Duration of terminal API requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"code", "method"})
	if err := registerer.Register(duration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				duration = existing
			}
		} else {
			return h
		}
	}
	return promhttp.InstrumentHandlerDuration(duration, h)
}
