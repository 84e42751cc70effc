package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-transcribe/internal/assets"
	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/capability"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/engine"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/model"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"github.com/loqalabs/loqa-transcribe/internal/surface"
)

// ResultStream retains published decode results when JetStream is available.
const ResultStream = "STT_RESULTS"

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	metrics       http.Handler
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	events   *eventstore.Store
	registry *capability.Registry
	blobs    *assets.BlobRegistry
	orch     *stt.Orchestrator
	worker   *stt.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		blobs:  assets.NewBlobRegistry(),
	}
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricHandler

	handler, err := r.setup(ctx)
	if err != nil {
		r.teardown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// setup brings up the bus, journal, presence registry, decode worker and
// surface, and returns the HTTP handler serving them.
func (r *Runtime) setup(ctx context.Context) (http.Handler, error) {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.bus = client

	if busCfg.ResultRetentionMS > 0 {
		retention := time.Duration(busCfg.ResultRetentionMS) * time.Millisecond
		if err := client.EnsureStream(ResultStream, []string{protocol.SubjectDecodeResult}, retention); err != nil {
			r.logger.Warn("decode results will not be retained", slog.String("error", err.Error()))
		}
	}

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open decode journal: %w", err)
	}
	r.events = events

	nodeCfg := r.cfg.Node
	if r.cfg.Worker.Enabled {
		orch, manifest, err := NewDecoder(r.cfg, r.blobs, r.logger)
		if err != nil {
			return nil, err
		}
		r.orch = orch
		nodeCfg.Capabilities = withModel(nodeCfg.Capabilities, manifest.Metadata.Name)

		if err := events.RegisterWorker(ctx, nodeCfg.ID, nodeCfg.Role, manifest.Metadata.Name); err != nil {
			r.logger.Warn("failed to register worker in journal", slog.String("error", err.Error()))
		}
		r.worker = stt.NewService(ctx, r.cfg.Worker, client, orch, events, nodeCfg.ID)
		if err := r.worker.Start(); err != nil {
			return nil, err
		}
	} else {
		nodeCfg.Capabilities = withoutCapability(nodeCfg.Capabilities, capability.Decode)
	}

	var presenceOpts []capability.Option
	if r.worker != nil {
		presenceOpts = append(presenceOpts, capability.WithQueueDepth(r.worker.QueueLen))
	}
	registry, err := capability.NewRegistry(ctx, nodeCfg, client, r.logger, presenceOpts...)
	if err != nil {
		return nil, err
	}
	r.registry = registry

	router := chi.NewRouter()
	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	if r.metrics != nil {
		router.Handle("/metrics", r.metrics)
	}
	if r.cfg.Surface.Enabled {
		var localNode string
		if r.worker != nil {
			localNode = nodeCfg.ID
		}
		decoder := surface.NewClient(client.Conn(), time.Duration(r.cfg.Surface.ReplyTimeoutMS)*time.Millisecond, localNode)
		api := surface.NewHandler(r.cfg.Surface, decoder, r.blobs, registry, r.logger)
		router.Mount("/v1", api.Routes())
	}
	return router, nil
}

func (r *Runtime) teardown(ctx context.Context) {
	if r.worker != nil {
		r.worker.Close()
	}
	if r.orch != nil {
		if err := r.orch.Close(ctx); err != nil {
			r.logger.Warn("engine close failed", slog.String("error", err.Error()))
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("decode journal close failed", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

// NewDecoder builds the decode orchestrator described by cfg.Engine. The
// model manifest comes from cfg.Engine.Manifest, or the built-in default.
func NewDecoder(cfg config.Config, blobs *assets.BlobRegistry, logger *slog.Logger) (*stt.Orchestrator, model.Manifest, error) {
	manifest := model.Default()
	if cfg.Engine.Manifest != "" {
		m, err := model.Load(cfg.Engine.Manifest)
		if err != nil {
			return nil, model.Manifest{}, err
		}
		manifest = m
	}
	construct, err := engine.FromConfig(cfg.Engine, logger)
	if err != nil {
		return nil, model.Manifest{}, err
	}
	fetcher := assets.NewFetcher(assets.FetcherOptions{
		BaseDir:   cfg.Engine.AssetDir,
		Blobs:     blobs,
		UserAgent: cfg.RuntimeName,
	})
	orch, err := stt.NewOrchestrator(stt.Options{
		Manifest:     manifest,
		Loader:       assets.NewLoader(fetcher, logger),
		Fetcher:      fetcher,
		Construct:    construct,
		Logger:       logger,
		FetchTimeout: time.Duration(cfg.Worker.FetchTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, model.Manifest{}, err
	}
	logger.Info("decoder configured",
		slog.String("engine", cfg.Engine.Mode),
		slog.String("model", manifest.Metadata.Name))
	return orch, manifest, nil
}

// withModel tags the decode capability with the served model, adding the
// capability when the config omits it.
func withModel(caps []config.NodeCapability, modelName string) []config.NodeCapability {
	out := make([]config.NodeCapability, 0, len(caps)+1)
	found := false
	for _, c := range caps {
		if c.Name == capability.Decode {
			attrs := make(map[string]string, len(c.Attributes)+1)
			for k, v := range c.Attributes {
				attrs[k] = v
			}
			attrs[capability.AttrModel] = modelName
			c.Attributes = attrs
			found = true
		}
		out = append(out, c)
	}
	if !found {
		out = append(out, config.NodeCapability{
			Name:       capability.Decode,
			Attributes: map[string]string{capability.AttrModel: modelName},
		})
	}
	return out
}

func withoutCapability(caps []config.NodeCapability, name string) []config.NodeCapability {
	out := make([]config.NodeCapability, 0, len(caps))
	for _, c := range caps {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return out
}

func (r *Runtime) healthy() bool {
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.worker != nil && !r.worker.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
