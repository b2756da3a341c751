package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/voicereader/internal/bus"
	"github.com/loqalabs/voicereader/internal/capability"
	"github.com/loqalabs/voicereader/internal/config"
	"github.com/loqalabs/voicereader/internal/eventstore"
	"github.com/loqalabs/voicereader/internal/natsserver"
	"github.com/loqalabs/voicereader/internal/router"
	"github.com/loqalabs/voicereader/internal/tts"
)

const pruneInterval = time.Hour

type healthChecker interface {
	Healthy() bool
}

// Runtime owns the daemon's services for the lifetime of Start.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded  *natsserver.EmbeddedServer
	bus       *bus.Client
	events    *eventstore.Store
	synthesis *Synthesis
	service   *tts.Service
	router    *router.Service
	registry  *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the services up, serves HTTP and blocks until ctx ends.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /v1/jobs", r.handleJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", r.handleJob)
	mux.HandleFunc("GET /v1/jobs/{id}/events", r.handleJobEvents)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsSrv, "metrics")
	}

	r.wg.Add(1)
	go r.pruneLoop(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("backend", r.synthesis.Backend.Name()),
		slog.Int("sample_rate", r.synthesis.SampleRate),
		slog.Bool("tempo", r.synthesis.TempoAvailable()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.stopServices()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	r.synthesis, err = NewSynthesis(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("start synthesis: %w", err)
	}

	r.service = tts.NewService(ctx, r.cfg.Synthesis.Speak, r.bus, r.synthesis.Backend, r.events, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("start tts service: %w", err)
	}

	r.router = router.NewService(ctx, r.cfg.Router, r.bus, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	caps := capability.ReaderCapabilities(
		r.synthesis.Backend.Name(),
		r.synthesis.SampleRate,
		r.synthesis.Engine != nil,
		r.synthesis.TempoAvailable(),
	)
	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.bus, caps, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	return nil
}

// stopServices closes whatever startServices managed to open, in reverse.
func (r *Runtime) stopServices() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.synthesis != nil {
		if err := r.synthesis.Close(); err != nil {
			r.logger.Warn("synthesis shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]healthChecker{
		"bus":      r.bus,
		"tts":      r.service,
		"router":   r.router,
		"registry": r.registry,
	}
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	for name, check := range checks {
		if !check.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready: " + name))
			return
		}
	}
	if err := r.events.Ensure(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: event store"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// pruneLoop reapplies event store retention while the daemon runs.
func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// handleJob serves the in-memory status of a recent job.
func (r *Runtime) handleJob(w http.ResponseWriter, req *http.Request) {
	info, ok := r.service.Jobs().Status(req.PathValue("id"))
	if !ok {
		http.NotFound(w, req)
		return
	}
	writeJSON(w, info)
}

// handleJobs lists recorded jobs, newest first.
func (r *Runtime) handleJobs(w http.ResponseWriter, req *http.Request) {
	jobs, err := r.events.ListJobs(req.Context(), queryLimit(req, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []eventstore.Job{}
	}
	writeJSON(w, jobs)
}

func (r *Runtime) handleJobEvents(w http.ResponseWriter, req *http.Request) {
	events, err := r.events.ListJobEvents(req.Context(), req.PathValue("id"), queryLimit(req, 500))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(events) == 0 {
		http.NotFound(w, req)
		return
	}
	writeJSON(w, events)
}

// handleNodes lists known reader nodes, optionally those offering ?capability=.
func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	var filter func(capability.NodeInfo) bool
	if name := req.URL.Query().Get("capability"); name != "" {
		filter = capability.WithCapabilityFilter(name)
	}
	nodes := r.registry.Query(filter)
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	writeJSON(w, nodes)
}

func queryLimit(req *http.Request, fallback int) int {
	n, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return fallback
	}
	return min(n, 1000)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
