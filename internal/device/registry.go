package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/parlolabs/parlo-core/internal/bus"
	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/protocol"
)

// Info is the registry's view of one edge device.
type Info struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	Healthy      bool      `json:"healthy"`
}

// Registry tracks which edge devices (microphones and speakers) are alive on
// the bus. Capture refuses to start when no healthy microphone is present.
type Registry struct {
	cfg    config.DeviceConfig
	log    *slog.Logger
	bus    *bus.Client
	mu     sync.RWMutex
	items  map[string]*Info
	cancel context.CancelFunc
	subs   []*nats.Subscription
	meter  metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.DeviceConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "device-registry")),
		bus:    busClient,
		items:  make(map[string]*Info),
		meter:  otel.Meter("github.com/parlolabs/parlo-core/device"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorHealth(ctx)

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectDeviceAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectDeviceHeartbeatPfx+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var ann protocol.Announce
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if ann.DeviceID == "" {
		r.log.Warn("announce missing device id")
		return
	}
	if ann.Timestamp.IsZero() {
		ann.Timestamp = time.Now().UTC()
	}
	r.update(ann.DeviceID, ann.Role, ann.Capabilities, ann.Timestamp)
	r.log.Info("device announced",
		slog.String("device_id", ann.DeviceID),
		slog.String("role", ann.Role))
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.DeviceID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.update(hb.DeviceID, "", nil, hb.Timestamp)
}

func (r *Registry) update(id, role string, capabilities []string, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		item = &Info{ID: id}
		r.items[id] = item
	}
	if role != "" {
		item.Role = role
	}
	if len(capabilities) > 0 {
		item.Capabilities = capabilities
	}
	item.LastSeen = timestamp
	item.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := time.Now()
	for _, item := range r.items {
		if now.Sub(item.LastSeen) > timeout {
			item.Healthy = false
		}
	}
}

// Query returns the devices matching the filter, or all devices when the
// filter is nil.
func (r *Registry) Query(filter func(Info) bool) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Info
	for _, item := range r.items {
		snapshot := *item
		if filter == nil || filter(snapshot) {
			results = append(results, snapshot)
		}
	}
	return results
}

// HasHealthyRole reports whether at least one healthy device fills the role.
// Duplex devices count for both microphone and speaker.
func (r *Registry) HasHealthyRole(role string) bool {
	matches := r.Query(func(info Info) bool {
		if !info.Healthy {
			return false
		}
		return info.Role == role || info.Role == protocol.RoleDuplex
	})
	return len(matches) > 0
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	deviceGauge, err := r.meter.Int64ObservableGauge("parlo.devices.known",
		metric.WithDescription("Number of known edge devices"))
	if err != nil {
		return err
	}
	healthyGauge, err := r.meter.Int64ObservableGauge("parlo.devices.healthy",
		metric.WithDescription("Number of healthy edge devices"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		known, healthy := r.counts()
		obs.ObserveInt64(deviceGauge, known)
		obs.ObserveInt64(healthyGauge, healthy)
		return nil
	}, deviceGauge, healthyGauge)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var known, healthy int64
	for _, item := range r.items {
		known++
		if item.Healthy {
			healthy++
		}
	}
	return known, healthy
}
