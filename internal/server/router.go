package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/0xlens/yieldsync/internal/config"
	"github.com/0xlens/yieldsync/internal/metrics"
	"github.com/0xlens/yieldsync/internal/runtime"
	"github.com/0xlens/yieldsync/internal/runtime/cache"
	"github.com/0xlens/yieldsync/internal/runtime/jobs"
)

const defaultEntryLimit = 100

// Orchestrator is the surface the admin API needs from the polling runtime.
type Orchestrator interface {
	Trigger(ctx context.Context, name string) (runtime.TriggerResult, error)
	Live(ctx context.Context, name string) (any, error)
	Rearm(ctx context.Context, name string) error
	Running() []string
}

// RouterOptions carries the dependencies of the admin/ops surface.
type RouterOptions struct {
	Cache        *cache.Store
	Jobs         jobs.Store
	Orchestrator Orchestrator
	Mirror       *cache.Mirror
	Skips        []config.SourceSkip
	Metrics      *metrics.Recorder
	Logger       *slog.Logger
}

type router struct {
	cache  *cache.Store
	jobs   jobs.Store
	orch   Orchestrator
	mirror *cache.Mirror
	skips  []config.SourceSkip
	logger *slog.Logger
}

// NewRouter assembles the admin API: cache inspection and invalidation,
// service configuration, manual triggers, the consumer live read, health and
// metrics.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	rt := &router{
		cache:  opts.Cache,
		jobs:   opts.Jobs,
		orch:   opts.Orchestrator,
		mirror: opts.Mirror,
		skips:  opts.Skips,
		logger: logger.With(slog.String("agent", "admin_api")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", rt.cacheStats)
			r.Get("/entries", rt.cacheEntries)
			r.Delete("/entries", rt.cacheClear)
			r.Delete("/entries/{key}", rt.cacheDeleteEntry)
			r.Get("/sources", rt.cacheSources)
			r.Delete("/sources/{source}", rt.cacheClearSource)
		})
		r.Route("/services", func(r chi.Router) {
			r.Get("/", rt.listServices)
			r.Get("/{name}", rt.getService)
			r.Patch("/{name}", rt.patchService)
			r.Post("/{name}/trigger", rt.triggerService)
		})
		r.Get("/live/{service}", rt.liveRead)
	})
	r.Get("/healthz", rt.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	return r
}

func (rt *router) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.cache.Stats())
}

func (rt *router) cacheEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultEntryLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	entries := rt.cache.Search(q.Get("source"), q.Get("q"), limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (rt *router) cacheDeleteEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !rt.cache.Delete(r.Context(), key) {
		writeError(w, http.StatusNotFound, "cache entry not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": key})
}

func (rt *router) cacheClear(w http.ResponseWriter, r *http.Request) {
	removed := rt.cache.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"cleared": removed})
}

func (rt *router) cacheSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": rt.cache.Sources()})
}

func (rt *router) cacheClearSource(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	removed := rt.cache.ClearBySource(r.Context(), source)
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "cleared": removed})
}

func (rt *router) listServices(w http.ResponseWriter, r *http.Request) {
	list, err := rt.jobs.List(r.Context())
	if err != nil {
		rt.logger.Error("service list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "service list unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": list, "count": len(list)})
}

func (rt *router) getService(w http.ResponseWriter, r *http.Request) {
	cfg, err := rt.jobs.Get(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "service lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type servicePatch struct {
	IntervalMinutes *int  `json:"intervalMinutes"`
	Enabled         *bool `json:"isEnabled"`
}

func (rt *router) patchService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var patch servicePatch
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid patch body: "+err.Error())
		return
	}
	if patch.IntervalMinutes == nil && patch.Enabled == nil {
		writeError(w, http.StatusBadRequest, "patch must set intervalMinutes or isEnabled")
		return
	}
	if patch.IntervalMinutes != nil && *patch.IntervalMinutes < 0 {
		writeError(w, http.StatusBadRequest, "intervalMinutes must not be negative")
		return
	}

	cfg, err := rt.jobs.Update(r.Context(), name, jobs.Update{
		IntervalMinutes: patch.IntervalMinutes,
		Enabled:         patch.Enabled,
	})
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "service update failed")
		return
	}

	// Only the touched service's timer moves; a disabled-while-running
	// service finishes its in-flight run.
	if rt.orch != nil {
		if err := rt.orch.Rearm(r.Context(), name); err != nil && !errors.Is(err, runtime.ErrUnknownService) {
			rt.logger.Warn("rearm after update failed",
				slog.String("service", name), slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (rt *router) triggerService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	res, err := rt.orch.Trigger(r.Context(), name)
	switch {
	case errors.Is(err, runtime.ErrUnknownService):
		writeError(w, http.StatusNotFound, "service not found")
		return
	case errors.Is(err, runtime.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "service run already in flight")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "trigger failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (rt *router) liveRead(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	data, err := rt.orch.Live(r.Context(), service)
	switch {
	case errors.Is(err, runtime.ErrUnknownService):
		writeError(w, http.StatusNotFound, "service not found")
		return
	case errors.Is(err, runtime.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":   "unavailable",
			"service": service,
			"detail":  err.Error(),
		})
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "live read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": service,
		"data":    data,
	})
}

func (rt *router) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"

	mirrorState := "disabled"
	if rt.mirror != nil {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rt.mirror.Ping(pingCtx); err != nil {
			mirrorState = "unreachable"
			status = "degraded"
		} else {
			mirrorState = "connected"
		}
	}
	if len(rt.skips) > 0 {
		status = "degraded"
	}

	payload := map[string]any{
		"status": status,
		"mirror": mirrorState,
		"cache": map[string]any{
			"entries": rt.cache.Stats().TotalEntries,
		},
	}
	if rt.orch != nil {
		payload["running"] = rt.orch.Running()
	}
	if len(rt.skips) > 0 {
		payload["skippedSources"] = rt.skips
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
