package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// Decode is announced by nodes running a decode worker.
	Decode = "stt.decode"
	// AttrModel carries the name of the model a decoder serves.
	AttrModel = "model"
)

const (
	subjectAnnounce  = "ctrl.node.announce"
	subjectDiscover  = "ctrl.node.discover"
	subjectHeartbeat = "ctrl.node.heartbeat."
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	QueueDepth   int          `json:"queue_depth"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// Model returns the model a decoding node serves. ok is false when the node
// does not decode.
func (n NodeInfo) Model() (model string, ok bool) {
	for _, c := range n.Capabilities {
		if c.Name == Decode {
			return c.Attributes[AttrModel], true
		}
	}
	return "", false
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID     string    `json:"node_id"`
	QueueDepth int       `json:"queue_depth"`
	Timestamp  time.Time `json:"timestamp"`
}

type discoverMessage struct {
	NodeID string `json:"node_id"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithQueueDepth reports the local decode backlog in every heartbeat.
func WithQueueDepth(fn func() int) Option {
	return func(r *Registry) { r.queueDepth = fn }
}

// Registry tracks which nodes on the bus can decode, and how busy they are.
// Nodes announce on start and answer discover requests from late joiners;
// a node whose heartbeats stop is marked unhealthy after the timeout.
type Registry struct {
	cfg        config.NodeConfig
	log        *slog.Logger
	bus        *bus.Client
	queueDepth func() int

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger, opts ...Option) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "decoder-presence")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.run(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	if err := r.publish(subjectDiscover, discoverMessage{NodeID: cfg.ID}); err != nil {
		r.log.Warn("failed to request peer announcements", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	for subject, handler := range map[string]nats.MsgHandler{
		subjectAnnounce:        r.handleAnnounce,
		subjectDiscover:        r.handleDiscover,
		subjectHeartbeat + "*": r.handleHeartbeat,
	} {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			for _, s := range r.subs {
				_ = s.Unsubscribe()
			}
			r.subs = nil
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Registry) run(ctx context.Context) {
	health := time.NewTicker(time.Second)
	defer health.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.expire(time.Now())
		}
	}
}

func (r *Registry) publish(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(subject, payload)
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: fromConfig(r.cfg.Capabilities),
		Timestamp:    time.Now().UTC(),
	}
	if err := r.publish(subjectAnnounce, msg); err != nil {
		return err
	}
	r.observe(msg.NodeID, func(n *NodeInfo) {
		n.Role = msg.Role
		n.Capabilities = msg.Capabilities
	}, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()}
	if r.queueDepth != nil {
		msg.QueueDepth = r.queueDepth()
	}
	return r.publish(subjectHeartbeat+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announceMessage
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	r.observe(a.NodeID, func(n *NodeInfo) {
		n.Role = a.Role
		n.Capabilities = a.Capabilities
	}, a.Timestamp)
}

func (r *Registry) handleDiscover(msg *nats.Msg) {
	var d discoverMessage
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		r.log.Warn("invalid discover message", slog.String("error", err.Error()))
		return
	}
	if d.NodeID == r.cfg.ID {
		return
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to answer discover", slog.String("peer", d.NodeID), slog.String("error", err.Error()))
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.observe(hb.NodeID, func(n *NodeInfo) {
		n.QueueDepth = hb.QueueDepth
	}, hb.Timestamp)
}

func (r *Registry) observe(nodeID string, update func(*NodeInfo), seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	update(node)
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) expire(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Info("node lost", slog.String("node_id", node.ID))
		}
	}
}

// Healthy reports whether this node's own announcements are being seen.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Decoders returns the healthy decoding nodes serving model, least loaded
// first. An empty model matches any decoder.
func (r *Registry) Decoders(model string) []NodeInfo {
	r.mu.RLock()
	var out []NodeInfo
	for _, node := range r.nodes {
		if !node.Healthy {
			continue
		}
		served, ok := node.Model()
		if !ok || (model != "" && served != model) {
			continue
		}
		out = append(out, *node)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].QueueDepth != out[j].QueueDepth {
			return out[i].QueueDepth < out[j].QueueDepth
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DecoderAvailable reports whether a healthy node can decode with model.
func (r *Registry) DecoderAvailable(model string) bool {
	return len(r.Decoders(model)) > 0
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-transcribe/capability")
	decoders, err := meter.Int64ObservableGauge("transcribe.decoders.healthy", metric.WithDescription("Healthy decoding nodes per model"))
	if err != nil {
		return err
	}
	queued, err := meter.Int64ObservableGauge("transcribe.decoders.queued", metric.WithDescription("Decode requests queued across healthy nodes"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		perModel := make(map[string]int64)
		var backlog int64
		for _, node := range r.Decoders("") {
			model, _ := node.Model()
			perModel[model]++
			backlog += int64(node.QueueDepth)
		}
		for model, n := range perModel {
			obs.ObserveInt64(decoders, n, metric.WithAttributes(attribute.String(AttrModel, model)))
		}
		obs.ObserveInt64(queued, backlog)
		return nil
	}, decoders, queued)
	return err
}

func fromConfig(source []config.NodeCapability) []Capability {
	if len(source) == 0 {
		return nil
	}
	out := make([]Capability, 0, len(source))
	for _, c := range source {
		out = append(out, Capability{Name: c.Name, Attributes: c.Attributes})
	}
	return out
}
