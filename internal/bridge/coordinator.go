package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"shelfsync/internal/domain"
	"shelfsync/internal/infra/config"
	"shelfsync/internal/transport"
	"shelfsync/internal/usecase/eventbus"
)

// Coordinator owns the device roster: it runs the discovery loop,
// creates and destroys one session per device, registers new devices
// upstream, and relays each session's deltas to the backend in
// per-device sequence order. Cross-device ordering does not exist;
// idempotency comes from the backend's (device, sequence) dedup key.
type Coordinator struct {
	cfg     config.BridgeConfig
	backend domain.Backend
	browser transport.Browser
	dialers map[transport.LinkKind]transport.Dialer
	bus     *eventbus.Bus
	logger  *slog.Logger

	// untagged logger handed to sessions so they carry their own
	// component attribute
	baseLogger *slog.Logger

	mu      sync.Mutex
	devices map[string]*deviceEntry

	wg sync.WaitGroup
}

type deviceEntry struct {
	dev      domain.Device
	endpoint transport.Endpoint
	session  *Session
	cancel   context.CancelFunc

	snap     domain.ConfigSnapshot
	hasSnap  bool
	snapHash string
}

// DeviceStatus is one roster row for the status API.
type DeviceStatus struct {
	Device     domain.Device    `json:"device"`
	Endpoint   string           `json:"endpoint"`
	Session    domain.ConnState `json:"session"`
	ConfigHash string           `json:"config_hash,omitempty"`
}

// NewCoordinator builds the coordinator. browser may be nil when mDNS
// discovery is disabled.
func NewCoordinator(cfg config.BridgeConfig, backend domain.Backend, browser transport.Browser, dialers map[transport.LinkKind]transport.Dialer, bus *eventbus.Bus, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		backend:    backend,
		browser:    browser,
		dialers:    dialers,
		bus:        bus,
		logger:     logger.With("component", "coordinator"),
		baseLogger: logger,
		devices:    map[string]*deviceEntry{},
	}
}

// Run scans for devices until ctx is cancelled, then tears every
// session down and waits for them to finish.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.cfg.Discovery.ScanInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
			c.scan(ctx)
		}
	}
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	for _, entry := range c.devices {
		entry.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.logger.Info("all sessions stopped")
}

// scan runs one discovery sweep: an mDNS browse plus the statically
// configured serial links.
func (c *Coordinator) scan(ctx context.Context) {
	var endpoints []transport.Endpoint
	if c.browser != nil {
		found, err := c.browser.Scan(ctx)
		if err != nil {
			c.logger.Warn("discovery scan failed", "error", err)
		} else {
			endpoints = append(endpoints, found...)
		}
	}
	endpoints = append(endpoints, transport.SerialEndpoints(c.cfg.Discovery.SerialPorts)...)

	for _, ep := range endpoints {
		c.ensureDevice(ctx, ep)
	}
}

// ensureDevice adds a newly seen endpoint to the roster and starts its
// session. Known devices only get their last-seen time refreshed; the
// session owns everything else about them.
func (c *Coordinator) ensureDevice(ctx context.Context, ep transport.Endpoint) {
	c.mu.Lock()
	if entry, ok := c.devices[ep.DeviceID]; ok {
		entry.dev.LastSeen = time.Now()
		c.mu.Unlock()
		return
	}

	if _, ok := c.dialers[ep.Kind]; !ok {
		c.mu.Unlock()
		c.logger.Warn("no dialer for endpoint", "endpoint", ep.String())
		return
	}

	entry := &deviceEntry{
		dev: domain.Device{
			ID:       ep.DeviceID,
			Name:     ep.Name,
			State:    domain.ConnDiscovered,
			LastSeen: time.Now(),
		},
		endpoint: ep,
	}
	c.devices[ep.DeviceID] = entry
	c.mu.Unlock()

	c.logger.Info("device discovered", "endpoint", ep.String())
	c.publish(domain.EventDeviceDiscovered, ep.DeviceID, ep.String())

	// First sight: announce the device upstream and cache its initial
	// snapshot. A failed registration is retried by the config sweep.
	c.register(ctx, entry.dev)

	c.startSession(entry)
}

func (c *Coordinator) startSession(entry *deviceEntry) {
	sessionCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	dialer := c.dialers[entry.endpoint.Kind]
	session := NewSession(entry.endpoint, dialer, c, c.cfg.Session, c.baseLogger)
	entry.session = session
	entry.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		session.Run(sessionCtx)
	}()
}

// RemoveDevice stops a device's session and drops it from the roster.
func (c *Coordinator) RemoveDevice(deviceID string) {
	c.mu.Lock()
	entry, ok := c.devices[deviceID]
	if ok {
		delete(c.devices, deviceID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	entry.cancel()
	c.logger.Info("device removed", "device_id", deviceID)
	c.publish(domain.EventDeviceRemoved, deviceID, nil)
}

// ReapStale drops devices that have not been seen for the configured
// window. Wired to the scheduler.
func (c *Coordinator) ReapStale(ctx context.Context) error {
	staleAfter := c.cfg.Jobs.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}

	c.mu.Lock()
	var stale []string
	for id, entry := range c.devices {
		if entry.dev.State != domain.ConnConnected && time.Since(entry.dev.LastSeen) > staleAfter {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		c.logger.Info("reaping stale device", "device_id", id)
		c.RemoveDevice(id)
	}
	return nil
}

// RefreshConfigs fetches every device's snapshot and pushes the ones
// that changed. Change detection is by content hash, so a sweep over
// an unchanged backend is free of device traffic. Wired to the
// scheduler; also serves as the registration retry path.
func (c *Coordinator) RefreshConfigs(ctx context.Context) error {
	type target struct {
		dev        domain.Device
		registered bool
	}
	c.mu.Lock()
	targets := make([]target, 0, len(c.devices))
	for _, entry := range c.devices {
		targets = append(targets, target{dev: entry.dev, registered: entry.hasSnap})
	}
	c.mu.Unlock()

	for _, tg := range targets {
		id := tg.dev.ID
		if !tg.registered {
			// First-sight registration failed; retry it here instead
			// of fetching a config the backend does not have yet.
			c.register(ctx, tg.dev)
			continue
		}
		snap, err := c.backend.FetchConfig(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			// The backend lost or never created the device.
			c.register(ctx, tg.dev)
		case err != nil:
			c.logger.Warn("config fetch failed", "device_id", id, "error", err)
			c.publish(domain.EventConfigFetchFailed, id, err.Error())
		default:
			c.storeSnapshot(id, snap)
		}
	}
	return nil
}

// register announces a device upstream and caches the snapshot the
// backend answers with.
func (c *Coordinator) register(ctx context.Context, dev domain.Device) {
	snap, err := c.backend.Register(ctx, dev)
	if err != nil {
		c.logger.Warn("device registration failed", "device_id", dev.ID, "error", err)
		c.publish(domain.EventConfigFetchFailed, dev.ID, err.Error())
		return
	}
	c.storeSnapshot(dev.ID, snap)
}

// storeSnapshot caches a snapshot and pushes it to the device when the
// content actually changed.
func (c *Coordinator) storeSnapshot(deviceID string, snap domain.ConfigSnapshot) {
	hash := SnapshotHash(snap)

	c.mu.Lock()
	entry, ok := c.devices[deviceID]
	if !ok {
		c.mu.Unlock()
		return
	}
	changed := !entry.hasSnap || entry.snapHash != hash
	entry.snap = snap
	entry.hasSnap = true
	entry.snapHash = hash
	entry.dev.Footprint = snap.Footprint
	session := entry.session
	c.mu.Unlock()

	if changed && session != nil {
		session.PushConfig(snap)
		c.publish(domain.EventConfigPushed, deviceID, map[string]any{
			"hash":  hash,
			"items": len(snap.Items),
		})
	}
}

// --- Relay ---

// SubmitDelta relays one delta upstream. Deltas arrive here already in
// per-device sequence order because each session processes its frames
// sequentially; duplicates answer as durable so the session acks them.
func (c *Coordinator) SubmitDelta(ctx context.Context, delta domain.StockDelta) (domain.SubmitResult, error) {
	c.publish(domain.EventDeltaReceived, delta.DeviceID, delta)

	result, err := c.backend.SubmitStockUpdate(ctx, delta)
	if err != nil {
		c.publish(domain.EventDeltaRejected, delta.DeviceID, map[string]any{
			"sequence": delta.Sequence,
			"error":    err.Error(),
		})
		return domain.SubmitError, err
	}

	c.DeviceSeen(delta.DeviceID, delta.Battery, 0)
	switch result {
	case domain.SubmitDuplicate:
		c.publish(domain.EventDeltaDuplicate, delta.DeviceID, delta)
	default:
		c.publish(domain.EventDeltaAccepted, delta.DeviceID, delta)
	}
	return result, nil
}

// CurrentConfig implements Relay.
func (c *Coordinator) CurrentConfig(deviceID string) (domain.ConfigSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.devices[deviceID]
	if !ok || !entry.hasSnap {
		return domain.ConfigSnapshot{}, false
	}
	return entry.snap, true
}

// DeviceSeen implements Relay.
func (c *Coordinator) DeviceSeen(deviceID string, battery uint8, firmware uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.devices[deviceID]
	if !ok {
		return
	}
	entry.dev.LastSeen = time.Now()
	if battery > 0 {
		entry.dev.Battery = battery
	}
	_ = firmware // reported version; surfaced via status only when needed
}

// SessionStateChanged implements Relay.
func (c *Coordinator) SessionStateChanged(deviceID string, state domain.ConnState) {
	c.mu.Lock()
	if entry, ok := c.devices[deviceID]; ok {
		entry.dev.State = state
		if state == domain.ConnConnected {
			entry.dev.LastSeen = time.Now()
		}
	}
	c.mu.Unlock()

	c.publish(domain.EventSessionStateChanged, deviceID, string(state))
	switch state {
	case domain.ConnConnected:
		c.publish(domain.EventDeviceConnected, deviceID, nil)
	case domain.ConnDisconnected:
		c.publish(domain.EventDeviceDisconnected, deviceID, nil)
	}
}

// HeartbeatMissed implements Relay.
func (c *Coordinator) HeartbeatMissed(deviceID string) {
	c.logger.Warn("heartbeat missed", "device_id", deviceID)
	c.publish(domain.EventHeartbeatMissed, deviceID, nil)
}

// Status returns a roster snapshot for the gateway.
func (c *Coordinator) Status() []DeviceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeviceStatus, 0, len(c.devices))
	for _, entry := range c.devices {
		st := DeviceStatus{
			Device:     entry.dev,
			Endpoint:   entry.endpoint.String(),
			ConfigHash: entry.snapHash,
		}
		if entry.session != nil {
			st.Session = entry.session.State()
		}
		out = append(out, st)
	}
	return out
}

func (c *Coordinator) publish(eventType domain.EventType, deviceID string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(context.Background(), c.bus.NewEvent(eventType, deviceID, payload))
}

var _ Relay = (*Coordinator)(nil)
