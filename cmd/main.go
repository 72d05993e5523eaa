package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/0xlens/yieldsync/internal/config"
	"github.com/0xlens/yieldsync/internal/expr"
	"github.com/0xlens/yieldsync/internal/logging"
	"github.com/0xlens/yieldsync/internal/metrics"
	"github.com/0xlens/yieldsync/internal/runtime"
	"github.com/0xlens/yieldsync/internal/runtime/cache"
	"github.com/0xlens/yieldsync/internal/runtime/jobs"
	"github.com/0xlens/yieldsync/internal/runtime/ratelimit"
	"github.com/0xlens/yieldsync/internal/runtime/source"
	"github.com/0xlens/yieldsync/internal/server"
	"github.com/0xlens/yieldsync/internal/templates"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "YIELDSYNC", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	mirror := buildMirror(logger, cfg.Server.Cache.Mirror)
	sampleCache := cache.New(cache.Options{
		Capacity:        cfg.Server.Cache.Capacity,
		DefaultTTL:      time.Duration(cfg.Server.Cache.DefaultTTLSeconds) * time.Second,
		CleanupInterval: time.Duration(cfg.Server.Cache.CleanupSeconds) * time.Second,
		Eviction:        cache.EvictionPolicy(strings.ToLower(cfg.Server.Cache.Eviction)),
		Mirror:          mirror,
		Metrics:         metricsRecorder,
		Logger:          logger,
	})
	sampleCache.Start(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sampleCache.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	sandbox := templates.NewSandbox(cfg.Server.Templates.AllowEnv, cfg.Server.Templates.AllowedEnv)
	renderer := templates.NewRenderer(sandbox)

	guardEnv, err := expr.NewEnvironment()
	if err != nil {
		log.Fatalf("failed to build guard environment: %v", err)
	}

	limiter := ratelimit.New(cfg.Server.Limits.DefaultPerMinute)
	client := source.NewClient(nil, limiter, logger)
	registry := source.NewDefaultRegistry(logger)

	jobsStore, err := buildJobsStore(ctx, logger, cfg.Server.Jobs)
	if err != nil {
		log.Fatalf("failed to open jobs store: %v", err)
	}
	defer func() {
		if err := jobsStore.Close(); err != nil {
			logger.Error("jobs store close failed", slog.Any("error", err))
		}
	}()

	catalog := catalogAssembler{
		logger:   logger,
		renderer: renderer,
		guardEnv: guardEnv,
		registry: registry,
		client:   client,
		limiter:  limiter,
	}
	seed, set := catalog.assemble(cfg.Sources)
	if err := jobsStore.Seed(ctx, seed); err != nil {
		log.Fatalf("failed to seed service configurations: %v", err)
	}

	sched := runtime.NewScheduler(runtime.SchedulerOptions{
		Store:   jobsStore,
		Cache:   sampleCache,
		Metrics: metricsRecorder,
		Logger:  logger,
	})
	sched.SetJobs(ctx, set)
	sched.Start(ctx)
	defer sched.Stop()

	go probeSources(ctx, logger, set)

	var catalogWatcher *config.CatalogWatcher
	if cfg.Server.Catalog.SourcesFile != "" || cfg.Server.Catalog.SourcesFolder != "" {
		watcher, err := loader.WatchCatalog(ctx, cfg, func(bundle config.Catalog) {
			seed, set := catalog.assemble(bundle.Sources)
			if err := jobsStore.Seed(ctx, seed); err != nil {
				logger.Error("catalog reload seed failed", slog.Any("error", err))
				return
			}
			sched.SetJobs(ctx, set)
			logger.Info("source catalog reloaded",
				slog.Int("sources", len(bundle.Sources)),
				slog.Int("skipped", len(bundle.Skipped)))
		}, func(err error) {
			if err != nil {
				logger.Error("catalog watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("catalog watcher setup failed", slog.Any("error", err))
		} else {
			catalogWatcher = watcher
			defer catalogWatcher.Stop()
		}
	}

	handler := server.NewRouter(server.RouterOptions{
		Cache:        sampleCache,
		Jobs:         jobsStore,
		Orchestrator: sched,
		Mirror:       mirror,
		Skips:        cfg.SkippedSources,
		Metrics:      metricsRecorder,
		Logger:       logger,
	})

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildMirror(logger *slog.Logger, cfg config.MirrorConfig) *cache.Mirror {
	if !cfg.Enabled {
		return nil
	}
	mirror, err := cache.NewMirror(cache.MirrorConfig{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		TLS: cache.MirrorTLSConfig{
			Enabled: cfg.TLS.Enabled,
			CAFile:  cfg.TLS.CAFile,
		},
	}, logger)
	if err != nil {
		// The mirror is a best-effort replica for the web tier; the
		// in-process cache serves reads either way.
		logger.Error("cache mirror initialization failed", slog.Any("error", err))
		logger.Info("continuing without cache mirror")
		return nil
	}
	logger.Info("cache mirror connected", slog.String("address", cfg.Address))
	return mirror
}

func buildJobsStore(ctx context.Context, logger *slog.Logger, cfg config.JobsConfig) (jobs.Store, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Store)) {
	case "", "memory":
		logger.Info("using in-memory jobs store")
		return jobs.NewMemoryStore(), nil
	case "sqlite":
		store, err := jobs.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("using sqlite jobs store", slog.String("path", cfg.SQLitePath))
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported jobs store %q", cfg.Store)
	}
}

// catalogAssembler turns catalog source definitions into seed rows and
// scheduler jobs. Assembly is re-run on every catalog reload.
type catalogAssembler struct {
	logger   *slog.Logger
	renderer *templates.Renderer
	guardEnv *expr.Environment
	registry *source.Registry
	client   *source.Client
	limiter  *ratelimit.Limiter
}

func (a catalogAssembler) assemble(sources map[string]config.SourceConfig) ([]jobs.ServiceConfig, []runtime.Job) {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	seed := make([]jobs.ServiceConfig, 0, len(sources))
	set := make([]runtime.Job, 0, len(sources))
	for _, name := range names {
		src := sources[name]

		displayName := src.DisplayName
		if displayName == "" {
			displayName = name
		}
		seed = append(seed, jobs.ServiceConfig{
			ServiceName:     name,
			DisplayName:     displayName,
			Description:     src.Description,
			Category:        src.Category,
			Priority:        src.Priority,
			IntervalMinutes: src.IntervalMinutes,
			Enabled:         src.IsEnabled(),
		})

		if src.RatePerMinute > 0 {
			a.limiter.SetBudget(name, src.RatePerMinute)
		}

		spec := source.Spec{
			Name:     name,
			Type:     src.Type,
			BaseURL:  src.BaseURL,
			Endpoint: src.Endpoint,
			Query:    a.renderValues(name, src.Query),
			Headers:  a.renderValues(name, src.Headers),
			Params:   src.Params,
			Timeout:  src.Timeout(),
		}
		adapter, ok := a.registry.Create(spec, a.client)
		if !ok {
			continue
		}

		var guard expr.Guard
		if strings.TrimSpace(src.Guard) != "" {
			compiled, err := a.guardEnv.Compile(src.Guard)
			if err != nil {
				// The loader quarantines invalid guards, so this only
				// trips on inline definitions that bypassed it.
				a.logger.Warn("guard compile failed, source runs unguarded",
					slog.String("source", name), slog.Any("error", err))
			} else {
				guard = compiled
			}
		}

		cacheKey := src.CacheKey
		if cacheKey == "" {
			cacheKey = "sample:" + name
		}
		set = append(set, runtime.Job{
			Service:     name,
			Adapter:     adapter,
			CacheKey:    cacheKey,
			CacheSource: name,
			TTL:         src.TTL(),
			Guard:       guard,
		})
	}
	return seed, set
}

// renderValues resolves credential templates in header and query values.
// Lookups outside the sandbox allowlist render empty; the affected source
// reports config errors rather than blocking boot.
func (a catalogAssembler) renderValues(sourceName string, values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		rendered, err := a.renderer.RenderString(sourceName+"."+key, value)
		if err != nil {
			a.logger.Warn("credential template failed",
				slog.String("source", sourceName),
				slog.String("field", key),
				slog.Any("error", err))
			continue
		}
		out[key] = rendered
	}
	return out
}

// probeSources runs one reachability check per configured source at boot so
// operators see dead upstreams in the log before the first scheduled run.
func probeSources(ctx context.Context, logger *slog.Logger, set []runtime.Job) {
	for _, job := range set {
		if ctx.Err() != nil {
			return
		}
		if err := job.Adapter.Probe(ctx); err != nil {
			logger.Warn("source probe failed",
				slog.String("source", job.Service),
				slog.Any("error", err))
		}
	}
}
