package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Handler runs one decode request to a terminal result.
type Handler interface {
	Handle(ctx context.Context, req protocol.DecodeRequest) protocol.DecodeResult
}

// Journal records decode lifecycle events.
type Journal interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Service is the decode worker: it takes requests off the bus and runs them
// through a Handler strictly one at a time, in arrival order.
type Service struct {
	cfg     config.WorkerConfig
	bus     *bus.Client
	handler Handler
	journal Journal
	nodeID  string
	log     *slog.Logger

	queue  chan *nats.Msg
	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup

	mu    sync.Mutex
	ready bool
}

func NewService(parent context.Context, cfg config.WorkerConfig, busClient *bus.Client, handler Handler, journal Journal, nodeID string) *Service {
	ctx, cancel := context.WithCancel(parent)
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 1
	}
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		handler: handler,
		journal: journal,
		nodeID:  nodeID,
		log:     busClient.Logger().With(slog.String("component", "decode-worker")),
		queue:   make(chan *nats.Msg, depth),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectDecodeRequest, protocol.QueueDecoders, s.enqueue)
	if err != nil {
		return fmt.Errorf("subscribe decode requests: %w", err)
	}
	s.subs = append(s.subs, sub)
	if s.nodeID != "" {
		direct, err := s.bus.Conn().Subscribe(protocol.SubjectNodeDecodeRequest(s.nodeID), s.enqueue)
		if err != nil {
			_ = sub.Unsubscribe()
			s.subs = nil
			return fmt.Errorf("subscribe node decode requests: %w", err)
		}
		s.subs = append(s.subs, direct)
	}
	s.initMetrics()

	s.wg.Add(1)
	go s.run()

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.log.Info("decode worker listening",
		slog.String("subject", protocol.SubjectDecodeRequest),
		slog.Int("queue_depth", cap(s.queue)))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
}

// QueueLen returns the number of requests waiting for the engine.
func (s *Service) QueueLen() int {
	return len(s.queue)
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) initMetrics() {
	meter := otel.Meter(instrumentationName)
	gauge, err := meter.Int64ObservableGauge("transcribe.queue.depth", metric.WithDescription("Decode requests waiting for the engine"))
	if err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
		return
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(s.queue)))
		return nil
	}, gauge); err != nil {
		s.log.Warn("failed to register queue gauge", slogError(err))
	}
}

// enqueue runs on the NATS dispatcher and must not block on decoding.
func (s *Service) enqueue(msg *nats.Msg) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.queue <- msg:
	default:
		req, _ := parseRequest(msg.Data)
		s.log.Warn("decode queue full, rejecting request", slog.String("request_id", req.RequestID))
		s.emit(msg, failure(req.RequestID, KindQueueFull, errors.New("decode queue is full")))
	}
}

func (s *Service) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			s.process(msg)
		}
	}
}

func (s *Service) process(msg *nats.Msg) {
	req, err := parseRequest(msg.Data)
	if err != nil {
		s.log.Warn("invalid decode request", slogError(err))
		result := failure(req.RequestID, KindInvalidRequest, err)
		s.emit(msg, result)
		s.record(result)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	s.record(protocol.DecodeResult{RequestID: req.RequestID, Status: eventAccepted})

	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.RequestTimeoutMS)*time.Millisecond)
	result := s.handler.Handle(ctx, req)
	cancel()
	if result.RequestID == "" {
		result.RequestID = req.RequestID
	}

	s.emit(msg, result)
	s.record(result)
}

func parseRequest(data []byte) (protocol.DecodeRequest, error) {
	var req protocol.DecodeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return protocol.DecodeRequest{}, fmt.Errorf("decode request: %w", err)
	}
	if req.AudioSource == "" {
		return req, errors.New("decode request has no audio_source")
	}
	return req, nil
}

func failure(requestID string, kind Kind, err error) protocol.DecodeResult {
	return protocol.DecodeResult{
		RequestID: requestID,
		Status:    string(kind),
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
}

// emit replies to the requester when it asked for a reply and broadcasts the
// result on the results subject.
func (s *Service) emit(msg *nats.Msg, result protocol.DecodeResult) {
	data, err := json.Marshal(result)
	if err != nil {
		s.log.Warn("failed to marshal decode result", slogError(err))
		return
	}
	if msg.Reply != "" {
		if err := msg.Respond(data); err != nil {
			s.log.Warn("failed to reply to decode request", slog.String("request_id", result.RequestID), slogError(err))
		}
	}
	if err := s.bus.Conn().Publish(protocol.SubjectDecodeResult, data); err != nil {
		s.log.Warn("failed to publish decode result", slog.String("request_id", result.RequestID), slogError(err))
	}
}

const (
	eventAccepted = "accepted"

	EventDecodeAccepted = "decode.accepted"
	EventDecodeComplete = "decode.complete"
	EventDecodeFailed   = "decode.failed"
)

type journalPayload struct {
	RequestID  string `json:"request_id"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	TextLength int    `json:"text_length,omitempty"`
	Segments   int    `json:"segments,omitempty"`
	Error      string `json:"error,omitempty"`
}

// record journals a lifecycle event. Transcript text is never stored.
func (s *Service) record(result protocol.DecodeResult) {
	if s.journal == nil {
		return
	}
	eventType := EventDecodeFailed
	switch {
	case result.Status == eventAccepted:
		eventType = EventDecodeAccepted
	case result.Complete():
		eventType = EventDecodeComplete
	}
	payload, err := json.Marshal(journalPayload{
		RequestID:  result.RequestID,
		Status:     result.Status,
		DurationMS: result.DurationMS,
		TextLength: len(result.Text),
		Segments:   len(result.Output),
		Error:      result.Error,
	})
	if err != nil {
		return
	}
	if err := s.journal.AppendEvent(s.ctx, eventstore.Event{
		WorkerID:  s.nodeID,
		RequestID: result.RequestID,
		Type:      eventType,
		Payload:   payload,
	}); err != nil {
		s.log.Warn("failed to journal decode event", slog.String("event", eventType), slogError(err))
	}
}
