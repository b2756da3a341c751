package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/voicereader/internal/bus"
	"github.com/loqalabs/voicereader/internal/config"
	"github.com/loqalabs/voicereader/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	CapabilityStream     = "tts.stream"
	CapabilityVoiceClone = "tts.voice_clone"
	CapabilityCancel     = "tts.cancel"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ReaderCapabilities describes what a reader node offers to its peers.
func ReaderCapabilities(backend string, sampleRate int, voiceClone, tempo bool) []Capability {
	return []Capability{
		{
			Name: CapabilityStream,
			Tier: backend,
			Attributes: map[string]string{
				"sample_rate": strconv.Itoa(sampleRate),
				"format":      "pcm_s16le",
				"channels":    "1",
				"tempo":       strconv.FormatBool(tempo),
			},
		},
		{
			Name:       CapabilityVoiceClone,
			Tier:       backend,
			Attributes: map[string]string{"enabled": strconv.FormatBool(voiceClone)},
		},
		{Name: CapabilityCancel, Tier: backend},
	}
}

// Table tracks known nodes. It has no bus dependency; Registry feeds it.
type Table struct {
	timeout time.Duration
	clock   func() time.Time

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

func NewTable(timeout time.Duration) *Table {
	return &Table{timeout: timeout, clock: time.Now, nodes: make(map[string]*NodeInfo)}
}

// Update records that nodeID was seen at ts. Empty role or capabilities keep
// the previously announced values.
func (t *Table) Update(nodeID, role string, capabilities []Capability, ts time.Time) {
	if nodeID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		t.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	if ts.After(node.LastSeen) {
		node.LastSeen = ts
	}
	node.Healthy = true
}

// Expire marks nodes unhealthy once their last heartbeat is older than the
// timeout.
func (t *Table) Expire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	for _, node := range t.nodes {
		if now.Sub(node.LastSeen) > t.timeout {
			node.Healthy = false
		}
	}
}

func (t *Table) Healthy(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[nodeID]
	return ok && node.Healthy
}

// Query returns matching nodes ordered by id.
func (t *Table) Query(filter func(NodeInfo) bool) []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var results []NodeInfo
	for _, node := range t.nodes {
		snapshot := *node
		if filter == nil || filter(snapshot) {
			results = append(results, snapshot)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (t *Table) counts() (nodes, caps int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, node := range t.nodes {
		nodes++
		caps += int64(len(node.Capabilities))
	}
	return nodes, caps
}

// Registry announces this node's capabilities over the bus, heartbeats, and
// tracks peers in a Table.
type Registry struct {
	cfg       config.NodeConfig
	local     []Capability
	log       *slog.Logger
	bus       *bus.Client
	table     *Table
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, local []Capability, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		table:  NewTable(time.Duration(cfg.HeartbeatTimeout) * time.Millisecond),
		cancel: cancel,
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
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	expire := time.NewTicker(time.Second)
	defer expire.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-expire.C:
			r.table.Expire()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Timestamp:    time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(protocol.SubjectNodeAnnounce, payload); err != nil {
		return err
	}
	r.table.Update(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	payload, err := json.Marshal(heartbeatMessage{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(protocol.SubjectNodeHeartbeatPrefix+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	if announcement.NodeID != r.cfg.ID {
		r.log.Debug("peer announced", slog.String("node_id", announcement.NodeID), slog.String("role", announcement.Role))
	}
	r.table.Update(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		hb.NodeID = strings.TrimPrefix(msg.Subject, protocol.SubjectNodeHeartbeatPrefix+".")
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.table.Update(hb.NodeID, "", nil, hb.Timestamp)
}

// Healthy reports whether this node still sees its own heartbeats.
func (r *Registry) Healthy() bool {
	return r.table.Healthy(r.cfg.ID)
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	return r.table.Query(filter)
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/voicereader/runtime")
	nodeGauge, err := meter.Int64ObservableGauge("voicereader.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	capGauge, err := meter.Int64ObservableGauge("voicereader.capabilities.total", metric.WithDescription("Total advertised capabilities"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, caps := r.table.counts()
		obs.ObserveInt64(nodeGauge, nodes)
		obs.ObserveInt64(capGauge, caps)
		return nil
	}, nodeGauge, capGauge)
	return err
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// WithAttributeFilter matches nodes advertising capability name with
// attribute key set to value.
func WithAttributeFilter(name, key, value string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name && c.Attributes[key] == value {
				return true
			}
		}
		return false
	}
}
