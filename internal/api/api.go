package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"libresync/internal/collector"
	"libresync/internal/domain"
	"libresync/internal/ports"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CollectorStatus reports the state of the rolling average collector.
type CollectorStatus interface {
	Status() collector.Status
}

// SyncHistory returns the last recorded sync, nil when there is none.
type SyncHistory interface {
	LastSyncLog(ctx context.Context) (*domain.SyncLog, error)
}

// RequestObserver records served requests, typically a metrics sink.
type RequestObserver interface {
	ObserveRequest(route string, status int, duration time.Duration)
}

type API struct {
	log       *zap.SugaredLogger
	syncer    ports.Syncer
	collector CollectorStatus
	history   SyncHistory
	metrics   http.Handler
	observer  RequestObserver
	validate  *validator.Validate

	syncing  atomic.Bool
	lastSync atomic.Pointer[domain.SyncLog]
}

type Option func(*API)

// WithCollector exposes the collector status on /collector.
func WithCollector(c CollectorStatus) Option {
	return func(api *API) {
		api.collector = c
	}
}

// WithSyncHistory lets /healthz report the stored last sync before this process ran one.
func WithSyncHistory(h SyncHistory) Option {
	return func(api *API) {
		api.history = h
	}
}

// WithMetrics serves h on /metrics and records every request with o.
func WithMetrics(h http.Handler, o RequestObserver) Option {
	return func(api *API) {
		api.metrics = h
		api.observer = o
	}
}

func NewAPI(log *zap.SugaredLogger, syncer ports.Syncer, opts ...Option) *API {
	api := &API{
		log:      log.With("component", "api"),
		syncer:   syncer,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(api)
	}
	return api
}

func (api *API) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(api.LoggingMiddleware)

	// home endpoint
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		respondWithJSON(w, "LibreLinkUp sync API")
	})

	r.Get("/healthz", api.GetHealth)
	r.Post("/sync", api.PostSync)
	r.Get("/collector", api.GetCollector)

	if api.metrics != nil {
		r.Method(http.MethodGet, "/metrics", api.metrics)
	}

	return r
}

type SyncParams struct {
	TimeoutSeconds int `validate:"gte=0,lte=300"`
}

// HealthResponse reports liveness and the outcome of the last sync.
type HealthResponse struct {
	Status   string          `json:"status"`
	Syncing  bool            `json:"syncing"`
	LastSync *domain.SyncLog `json:"lastSync,omitempty"`
}

// SyncResponse wraps the sync log of a POST /sync call.
type SyncResponse struct {
	Sync  domain.SyncLog `json:"sync"`
	Error string         `json:"error,omitempty"`
	Kind  string         `json:"kind,omitempty"`
}

func (api *API) GetHealth(w http.ResponseWriter, r *http.Request) {
	last := api.lastSync.Load()
	if last == nil && api.history != nil {
		stored, err := api.history.LastSyncLog(r.Context())
		if err != nil {
			api.log.Warnw("failed to load last sync log", "error", err)
		} else {
			last = stored
		}
	}

	respondWithJSON(w, HealthResponse{
		Status:   "ok",
		Syncing:  api.syncing.Load(),
		LastSync: last,
	})
}

func (api *API) PostSync(w http.ResponseWriter, r *http.Request) {
	log := api.log.With("method", "PostSync")

	var params SyncParams
	if v := r.URL.Query().Get("timeout"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Errorf("invalid timeout: %v", err)
			http.Error(w, "Invalid timeout: "+err.Error(), http.StatusBadRequest)
			return
		}
		params.TimeoutSeconds = n
	}

	if err := api.validate.Struct(params); err != nil {
		log.Errorf("validation error: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !api.syncing.CompareAndSwap(false, true) {
		http.Error(w, "sync already running", http.StatusConflict)
		return
	}
	defer api.syncing.Store(false)

	ctx := r.Context()
	if params.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(params.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	entry, err := api.syncer.Sync(ctx)
	api.lastSync.Store(&entry)
	if err != nil {
		log.Errorf("sync failed: %v", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(syncStatus(err))
		json.NewEncoder(w).Encode(SyncResponse{Sync: entry, Error: err.Error(), Kind: errorKind(err)})
		return
	}

	respondWithJSON(w, SyncResponse{Sync: entry})
}

func (api *API) GetCollector(w http.ResponseWriter, r *http.Request) {
	if api.collector == nil {
		http.Error(w, "collector disabled", http.StatusNotFound)
		return
	}
	respondWithJSON(w, api.collector.Status())
}

func syncStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNoConnections), errors.Is(err, domain.ErrConnectionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrBadCredentials):
		return "bad_credentials"
	case errors.Is(err, domain.ErrStepUpRequired):
		return "step_up_required"
	case errors.Is(err, domain.ErrProtocol):
		return "protocol"
	case errors.Is(err, domain.ErrNoConnections):
		return "no_connections"
	case errors.Is(err, domain.ErrConnectionNotFound):
		return "connection_not_found"
	case errors.Is(err, domain.ErrTransient):
		return "transient"
	case errors.Is(err, domain.ErrMalformedResponse):
		return "malformed_response"
	default:
		return "unknown"
	}
}

func respondWithJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (api *API) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			api.log.Infow("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytesWritten", ww.BytesWritten(),
			)
			if api.observer != nil {
				route := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}
				api.observer.ObserveRequest(route, ww.Status(), time.Since(start))
			}
		}()

		next.ServeHTTP(ww, r)
	})
}

type wrapResponseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int
}

func NewWrapResponseWriter(w http.ResponseWriter, protoMajor int) *wrapResponseWriter {
	// Default the status code to 200
	return &wrapResponseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (wr *wrapResponseWriter) WriteHeader(code int) {
	wr.status = code
	wr.ResponseWriter.WriteHeader(code)
}

func (wr *wrapResponseWriter) Write(b []byte) (int, error) {
	size, err := wr.ResponseWriter.Write(b)
	wr.bytesWritten += size
	return size, err
}

func (wr *wrapResponseWriter) Status() int {
	return wr.status
}

func (wr *wrapResponseWriter) BytesWritten() int {
	return wr.bytesWritten
}
