package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/assets"
	"github.com/loqalabs/loqa-transcribe/internal/engine"
	"github.com/loqalabs/loqa-transcribe/internal/model"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-transcribe/stt"

// ErrClosed is reported for requests handled after Close.
var ErrClosed = errors.New("orchestrator closed")

// AssetLoader resolves asset locations into buffers, preserving order.
type AssetLoader interface {
	Load(ctx context.Context, locations []string) ([][]byte, error)
}

type state int

const (
	stateUninitialized state = iota
	stateReady
)

func (s state) String() string {
	if s == stateReady {
		return "ready"
	}
	return "uninitialized"
}

// Options wires an Orchestrator.
type Options struct {
	Manifest  model.Manifest
	Loader    AssetLoader
	Fetcher   assets.Fetcher
	Construct engine.Constructor
	Logger    *slog.Logger
	// FetchTimeout bounds audio retrieval. Zero means no extra bound.
	FetchTimeout time.Duration
}

// Orchestrator serves decode requests against a single engine that is built
// on the first request and reused afterwards. Requests are handled one at a
// time.
type Orchestrator struct {
	manifest     model.Manifest
	flags        engine.Flags
	loader       AssetLoader
	fetcher      assets.Fetcher
	construct    engine.Constructor
	log          *slog.Logger
	fetchTimeout time.Duration

	mu     sync.Mutex
	state  state
	engine engine.Engine
	closed bool

	tracer    trace.Tracer
	requests  metric.Int64Counter
	latency   metric.Float64Histogram
	loadCount metric.Int64Counter
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Loader == nil {
		return nil, errors.New("orchestrator requires an asset loader")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("orchestrator requires a fetcher")
	}
	if opts.Construct == nil {
		return nil, errors.New("orchestrator requires an engine constructor")
	}
	if err := model.Validate(opts.Manifest); err != nil {
		return nil, fmt.Errorf("model manifest: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		manifest:     opts.Manifest,
		flags:        engine.FlagsFromManifest(opts.Manifest),
		loader:       opts.Loader,
		fetcher:      opts.Fetcher,
		construct:    opts.Construct,
		log:          logger.With(slog.String("component", "decode-orchestrator")),
		fetchTimeout: opts.FetchTimeout,
		tracer:       otel.Tracer(instrumentationName),
	}
	if err := o.initMetrics(); err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	}
	return o, nil
}

func (o *Orchestrator) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if o.requests, err = meter.Int64Counter("transcribe.decode.requests", metric.WithDescription("Decode requests by terminal status")); err != nil {
		return err
	}
	if o.latency, err = meter.Float64Histogram("transcribe.decode.duration_ms", metric.WithDescription("Decode request latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if o.loadCount, err = meter.Int64Counter("transcribe.assets.loads", metric.WithDescription("Model asset bundle loads")); err != nil {
		return err
	}
	return nil
}

// Ready reports whether the engine has been constructed.
func (o *Orchestrator) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == stateReady
}

// Handle runs one request to completion. Failures are reported in the
// returned result; Handle never panics on engine faults.
func (o *Orchestrator) Handle(ctx context.Context, req protocol.DecodeRequest) protocol.DecodeResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "stt.decode", trace.WithAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("model", o.manifest.Metadata.Name),
	))
	defer span.End()

	result := protocol.DecodeResult{RequestID: req.RequestID}
	segments, err := o.handle(ctx, req)
	if err != nil {
		kind := KindOf(err)
		if kind == "" {
			kind = KindDecodeEngine
		}
		result.Status = string(kind)
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		o.log.Warn("decode failed",
			slog.String("request_id", req.RequestID),
			slog.String("kind", string(kind)),
			slogError(err))
	} else {
		segments = Normalize(segments)
		result.Status = protocol.StatusComplete
		result.Text = JoinTranscript(segments)
		result.Output = toOutput(segments)
		o.log.Info("decode complete",
			slog.String("request_id", req.RequestID),
			slog.Int("segments", len(segments)),
			slog.Duration("elapsed", time.Since(start)))
	}
	result.DurationMS = time.Since(start).Milliseconds()
	result.Timestamp = time.Now().UTC()

	if o.requests != nil {
		o.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", result.Status)))
	}
	if o.latency != nil {
		o.latency.Record(ctx, float64(result.DurationMS), metric.WithAttributes(attribute.String("status", result.Status)))
	}
	return result
}

func (o *Orchestrator) handle(ctx context.Context, req protocol.DecodeRequest) ([]Segment, error) {
	if o.closed {
		return nil, newError(KindEngineInit, ErrClosed)
	}
	if o.state == stateUninitialized {
		if err := o.initialize(ctx); err != nil {
			return nil, err
		}
	}

	audio, err := o.fetchAudio(ctx, req.AudioSource)
	if err != nil {
		return nil, newError(KindAudioFetch, err)
	}

	payload, err := o.decode(ctx, audio)
	if err != nil {
		return nil, newError(KindDecodeEngine, err)
	}

	segments, err := ParseSegments(payload)
	if err != nil {
		return nil, newError(KindDecodeEngine, err)
	}
	return segments, nil
}

// initialize loads the asset bundle and builds the engine. On failure the
// orchestrator stays uninitialized so the next request starts over.
func (o *Orchestrator) initialize(ctx context.Context) error {
	loadCtx, span := o.tracer.Start(ctx, "stt.load_assets")
	o.log.Info("loading model assets", slog.String("model", o.manifest.Metadata.Name))
	buffers, err := o.loader.Load(loadCtx, o.manifest.Locations())
	if o.loadCount != nil {
		o.loadCount.Add(ctx, 1)
	}
	span.End()
	if err != nil {
		return newError(KindAssetFetch, err)
	}

	bundle, err := engine.NewBundle(buffers)
	if err != nil {
		return newError(KindEngineInit, err)
	}

	initCtx, span := o.tracer.Start(ctx, "stt.engine_init", trace.WithAttributes(attribute.Int("bundle.bytes", bundle.Size())))
	defer span.End()
	eng, err := o.safeConstruct(initCtx, bundle)
	if err != nil {
		return newError(KindEngineInit, err)
	}
	if eng == nil {
		return newError(KindEngineInit, errors.New("engine constructor returned no engine"))
	}
	o.engine = eng
	o.state = stateReady
	o.log.Info("decoding engine ready",
		slog.String("model", o.manifest.Metadata.Name),
		slog.Int("bundle_bytes", bundle.Size()))
	return nil
}

func (o *Orchestrator) safeConstruct(ctx context.Context, bundle engine.Bundle) (eng engine.Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			eng = nil
			err = fmt.Errorf("engine constructor panicked: %v", r)
		}
	}()
	return o.construct(ctx, bundle, o.flags)
}

func (o *Orchestrator) fetchAudio(ctx context.Context, locator string) ([]byte, error) {
	if locator == "" {
		return nil, errors.New("audio source is empty")
	}
	if !assets.IsAudioLocator(locator) {
		return nil, fmt.Errorf("unsupported audio source %q", locator)
	}
	if o.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.fetchTimeout)
		defer cancel()
	}
	audio, err := assets.ReadAll(ctx, o.fetcher, locator)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("audio source %s is empty", locator)
	}
	return audio, nil
}

func (o *Orchestrator) decode(ctx context.Context, audio []byte) (payload []byte, err error) {
	ctx, span := o.tracer.Start(ctx, "stt.engine_decode", trace.WithAttributes(attribute.Int("audio.bytes", len(audio))))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = fmt.Errorf("engine decode panicked: %v", r)
		}
	}()
	return o.engine.Decode(ctx, audio)
}

// Close releases the engine if one was built. Requests handled after Close
// fail with ErrClosed.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	if o.engine == nil {
		return nil
	}
	err := o.engine.Close(ctx)
	o.engine = nil
	o.state = stateUninitialized
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
