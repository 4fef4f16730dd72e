package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/taskfabric/fabric/core"
)

const correlationHeader = "X-Correlation-ID"

type correlationKey struct{}

// CorrelationID returns the request's correlation id.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// correlationMiddleware assigns every request a correlation id, reusing the
// caller's when present, and echoes it on the response.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

// API is the monitoring HTTP surface.
type API struct {
	store      *MetricsStore
	alerts     *AlertManager
	dashboards *DashboardGenerator
	collector  *SystemMetricsCollector
	health     *ComponentHealthChecker
	logger     core.Logger
}

// APIOption configures the API.
type APIOption func(*API)

// WithAPILogger sets the logger.
func WithAPILogger(l core.Logger) APIOption {
	return func(a *API) { a.logger = l }
}

// NewAPI wires the monitoring components into one HTTP handler set.
func NewAPI(store *MetricsStore, alerts *AlertManager, dashboards *DashboardGenerator,
	collector *SystemMetricsCollector, health *ComponentHealthChecker, opts ...APIOption) *API {
	a := &API{
		store:      store,
		alerts:     alerts,
		dashboards: dashboards,
		collector:  collector,
		health:     health,
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlationMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", correlationHeader},
	}))

	r.Get("/health", a.handleLiveness)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/metrics/system", func(r chi.Router) {
		r.Get("/", a.handleSystemQuery)
		r.Post("/collect", a.handleCollect)
	})
	r.Route("/metrics/performance", func(r chi.Router) {
		r.Get("/", a.handlePerformanceQuery)
		r.Post("/record", a.handlePerformanceRecord)
	})
	r.Route("/health/components", func(r chi.Router) {
		r.Get("/", a.handleComponentStatuses)
		r.Get("/{id}", a.handleComponentHistory)
		r.Post("/{id}/check", a.handleComponentCheck)
	})
	r.Route("/alerts", func(r chi.Router) {
		r.Get("/active", a.handleActiveAlerts)
		r.Post("/{id}/acknowledge", a.handleAcknowledge)
		r.Post("/{id}/resolve", a.handleResolve)
	})
	r.Route("/dashboards", func(r chi.Router) {
		r.Get("/", a.handleDashboardList)
		r.Post("/generate", a.handleDashboardGenerate)
		r.Get("/{id}", a.handleDashboardRender)
	})
	return otelhttp.NewHandler(r, "monitoring-api")
}

func (a *API) handleLiveness(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleSystemQuery(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	filter := Filter{Name: r.URL.Query().Get("kind")}

	samples, err := a.store.Query(r.Context(), KindSystem, filter, window, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, samples)
}

func (a *API) handleCollect(w http.ResponseWriter, r *http.Request) {
	if kind := r.URL.Query().Get("type"); kind != "" {
		if err := a.collector.CollectType(kind); err != nil {
			a.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	go a.collector.Collect()
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handlePerformanceQuery(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	filter := Filter{
		Component: r.URL.Query().Get("component"),
		Name:      r.URL.Query().Get("op"),
	}
	samples, err := a.store.Query(r.Context(), KindPerformance, filter, window, 0)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, samples)
}

func (a *API) handlePerformanceRecord(w http.ResponseWriter, r *http.Request) {
	var sample Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		a.writeError(w, r, core.WrapTaskError(core.KindValidation, "malformed sample", err))
		return
	}
	sample.Kind = KindPerformance
	if sample.Name == "" {
		a.writeError(w, r, core.NewTaskError(core.KindValidation, "sample name is required"))
		return
	}
	if err := a.store.Append(sample); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *API) handleComponentStatuses(w http.ResponseWriter, r *http.Request) {
	report := a.health.LastReport()
	statuses := make(map[string]string)
	if report != nil {
		for _, e := range report.Entries {
			statuses[e.Name+"@"+e.Version] = string(e.Status)
		}
	}
	a.writeJSON(w, http.StatusOK, statuses)
}

func (a *API) handleComponentHistory(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	filter := Filter{Component: chi.URLParam(r, "id")}
	samples, err := a.store.Query(r.Context(), KindHealth, filter, window, 0)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, samples)
}

func (a *API) handleComponentCheck(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			a.writeError(w, r, core.NewTaskError(core.KindValidation, "timeout_ms must be a non-negative integer"))
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	health, err := a.health.CheckNow(r.Context(), chi.URLParam(r, "id"), timeout)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, health)
}

func (a *API) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.alerts.Active())
}

type alertNote struct {
	Note string `json:"note"`
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	a.alertTransition(w, r, a.alerts.Acknowledge)
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	a.alertTransition(w, r, a.alerts.Resolve)
}

func (a *API) alertTransition(w http.ResponseWriter, r *http.Request, apply func(id, note string) error) {
	var body alertNote
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			a.writeError(w, r, core.WrapTaskError(core.KindValidation, "malformed note body", err))
			return
		}
	}
	id := chi.URLParam(r, "id")
	if err := apply(id, body.Note); err != nil {
		a.writeError(w, r, err)
		return
	}
	alert, err := a.alerts.Get(id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, alert)
}

func (a *API) handleDashboardList(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.dashboards.List())
}

func (a *API) handleDashboardGenerate(w http.ResponseWriter, r *http.Request) {
	var desc DashboardDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		a.writeError(w, r, core.WrapTaskError(core.KindValidation, "malformed dashboard descriptor", err))
		return
	}
	html, err := a.dashboards.Generate(r.Context(), &desc)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeHTML(w, html)
}

func (a *API) handleDashboardRender(w http.ResponseWriter, r *http.Request) {
	html, err := a.dashboards.Render(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeHTML(w, html)
}

func parseWindow(r *http.Request) (Window, error) {
	var window Window
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return window, core.WrapTaskError(core.KindValidation, "from must be RFC3339", err)
		}
		window.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return window, core.WrapTaskError(core.KindValidation, "to must be RFC3339", err)
		}
		window.To = t
	}
	return window, nil
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("Encoding response failed", map[string]interface{}{
			"operation": "api_write",
			"error":     err.Error(),
		})
	}
}

func (a *API) writeHTML(w http.ResponseWriter, html string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(html))
}

// writeError maps error kinds onto HTTP statuses and always includes the
// kind as a machine-readable field.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	kind := core.KindOf(err)

	switch {
	case errors.Is(err, core.ErrBackpressure):
		status = http.StatusTooManyRequests
	case core.IsStateError(err):
		status = http.StatusConflict
		kind = core.KindState
	case core.IsConfigurationError(err):
		status = http.StatusBadRequest
		kind = core.KindValidation
	case core.IsNotFound(err):
		status = http.StatusNotFound
		kind = core.KindNotFound
	default:
		switch kind {
		case core.KindValidation, core.KindConfiguration:
			status = http.StatusBadRequest
		case core.KindAuthentication:
			status = http.StatusUnauthorized
		case core.KindNotFound:
			status = http.StatusNotFound
		case core.KindTimeout:
			status = http.StatusRequestTimeout
		case core.KindRateLimit:
			status = http.StatusTooManyRequests
		case core.KindDependency, core.KindResource:
			status = http.StatusServiceUnavailable
		case core.KindState:
			status = http.StatusConflict
		}
	}

	a.writeJSON(w, status, map[string]interface{}{
		"error":          err.Error(),
		"kind":           string(kind),
		"correlation_id": CorrelationID(r.Context()),
	})
}
