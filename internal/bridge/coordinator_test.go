package bridge

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfsync/internal/codec"
	"shelfsync/internal/domain"
	"shelfsync/internal/infra/config"
	"shelfsync/internal/transport"
	"shelfsync/internal/usecase/eventbus"
)

type fakeBackend struct {
	mu          sync.Mutex
	registered  []string
	applied     map[string]map[uint64]uint16
	snaps       map[string]domain.ConfigSnapshot
	submitErr   error
	registerErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		applied: map[string]map[uint64]uint16{},
		snaps:   map[string]domain.ConfigSnapshot{},
	}
}

func (b *fakeBackend) Register(_ context.Context, dev domain.Device) (domain.ConfigSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.registerErr != nil {
		return domain.ConfigSnapshot{}, b.registerErr
	}
	b.registered = append(b.registered, dev.ID)
	return b.snaps[dev.ID], nil
}

func (b *fakeBackend) setRegisterErr(err error) {
	b.mu.Lock()
	b.registerErr = err
	b.mu.Unlock()
}

func (b *fakeBackend) SubmitStockUpdate(_ context.Context, d domain.StockDelta) (domain.SubmitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return domain.SubmitError, b.submitErr
	}
	if b.applied[d.DeviceID] == nil {
		b.applied[d.DeviceID] = map[uint64]uint16{}
	}
	if _, seen := b.applied[d.DeviceID][d.Sequence]; seen {
		return domain.SubmitDuplicate, nil
	}
	b.applied[d.DeviceID][d.Sequence] = d.Count
	return domain.SubmitAccepted, nil
}

func (b *fakeBackend) FetchConfig(_ context.Context, deviceID string) (domain.ConfigSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.snaps[deviceID]
	if !ok {
		return snap, domain.NewDomainError("fake.FetchConfig", domain.ErrNotFound, deviceID)
	}
	return snap, nil
}

func (b *fakeBackend) registeredCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.registered)
}

func (b *fakeBackend) appliedCount(deviceID string, seq uint64) (uint16, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	count, ok := b.applied[deviceID][seq]
	return count, ok
}

type fakeBrowser struct {
	mu  sync.Mutex
	eps []transport.Endpoint
}

func (f *fakeBrowser) Scan(context.Context) ([]transport.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Endpoint(nil), f.eps...), nil
}

func testBridgeConfig() config.BridgeConfig {
	return config.BridgeConfig{
		Discovery: config.DiscoveryConfig{ScanInterval: 20 * time.Millisecond},
		Session:   testSessionConfig(),
		Jobs:      config.JobsConfig{StaleAfter: time.Hour},
	}
}

func startCoordinator(t *testing.T, backend domain.Backend, browser transport.Browser, dialer transport.Dialer) *Coordinator {
	t.Helper()
	bus := eventbus.New(testLogger())
	t.Cleanup(bus.Close)

	c := NewCoordinator(testBridgeConfig(), backend, browser,
		map[transport.LinkKind]transport.Dialer{transport.LinkTCP: dialer}, bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	return c
}

func TestCoordinatorRegistersOnceAndPushesInitialConfig(t *testing.T) {
	backend := newFakeBackend()
	backend.snaps["shelf-01"] = *snapV(1)
	browser := &fakeBrowser{eps: []transport.Endpoint{testEndpoint()}}
	dialer := newPipeDialer(0)

	c := startCoordinator(t, backend, browser, dialer)

	remote := <-dialer.remotes
	defer remote.Close()
	msgs := collect(remote)

	msg := nextNonHeartbeat(t, msgs, 2*time.Second)
	push, ok := msg.(codec.ConfigPush)
	require.True(t, ok, "expected initial ConfigPush, got %T", msg)
	assert.Equal(t, "shelf-01", push.Snapshot.DeviceID)

	// Several more scan sweeps happen; the device is registered once.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, backend.registeredCount())

	require.Eventually(t, func() bool {
		for _, st := range c.Status() {
			if st.Device.ID == "shelf-01" && st.Session == domain.ConnConnected {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *logSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestSessionLogsCarrySingleComponent(t *testing.T) {
	backend := newFakeBackend()
	backend.snaps["shelf-01"] = *snapV(1)
	browser := &fakeBrowser{eps: []transport.Endpoint{testEndpoint()}}
	dialer := newPipeDialer(0)

	sink := &logSink{}
	log := slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{Level: slog.LevelInfo}))
	bus := eventbus.New(testLogger())
	t.Cleanup(bus.Close)

	c := NewCoordinator(testBridgeConfig(), backend, browser,
		map[transport.LinkKind]transport.Dialer{transport.LinkTCP: dialer}, bus, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	remote := <-dialer.remotes
	defer remote.Close()
	collect(remote)

	// The initial config push logs at info with the session's tag.
	require.Eventually(t, func() bool {
		return strings.Contains(sink.String(), "component=session")
	}, 2*time.Second, 10*time.Millisecond)

	for _, line := range strings.Split(sink.String(), "\n") {
		if strings.Contains(line, "component=session") {
			assert.NotContains(t, line, "component=coordinator",
				"session log line carries two component attributes: %s", line)
		}
	}
}

func TestConfigSweepRetriesFailedRegistration(t *testing.T) {
	backend := newFakeBackend()
	backend.snaps["shelf-01"] = *snapV(1)
	backend.setRegisterErr(domain.NewDomainError("fake.Register", domain.ErrUpstream, "outage"))
	browser := &fakeBrowser{eps: []transport.Endpoint{testEndpoint()}}
	dialer := newPipeDialer(0)

	c := startCoordinator(t, backend, browser, dialer)

	remote := <-dialer.remotes
	defer remote.Close()
	msgs := collect(remote)

	// First-sight registration hit the outage and the sweep cannot
	// get through either.
	require.NoError(t, c.RefreshConfigs(context.Background()))
	assert.Equal(t, 0, backend.registeredCount())

	// Outage over: the next sweep registers the device and pushes its
	// initial config.
	backend.setRegisterErr(nil)
	require.NoError(t, c.RefreshConfigs(context.Background()))
	assert.Equal(t, 1, backend.registeredCount())

	msg := nextNonHeartbeat(t, msgs, 2*time.Second)
	push, ok := msg.(codec.ConfigPush)
	require.True(t, ok, "expected ConfigPush after retried registration, got %T", msg)
	assert.Equal(t, uint32(1), push.Snapshot.FirmwareVersion)
}

func TestReplayedDeltaAppliesOnceButAcksBoth(t *testing.T) {
	backend := newFakeBackend()
	backend.snaps["shelf-01"] = *snapV(1)
	browser := &fakeBrowser{eps: []transport.Endpoint{testEndpoint()}}
	dialer := newPipeDialer(0)

	startCoordinator(t, backend, browser, dialer)

	remote := <-dialer.remotes
	defer remote.Close()
	msgs := collect(remote)
	nextNonHeartbeat(t, msgs, 2*time.Second) // initial ConfigPush

	delta := domain.StockDelta{
		DeviceID: "shelf-01",
		Slot:     domain.Slot{Row: 1, Level: 1, Box: 1},
		Count:    7, Sequence: 42, Timestamp: time.Now(),
	}

	// First delivery: accepted and acked.
	require.NoError(t, codec.WriteMessage(remote, codec.StockUpdate{Delta: delta}))
	ack, ok := nextNonHeartbeat(t, msgs, 2*time.Second).(codec.Ack)
	require.True(t, ok)
	assert.Equal(t, uint64(42), ack.Sequence)

	// Replay after a simulated reconnect: duplicate upstream, still acked.
	require.NoError(t, codec.WriteMessage(remote, codec.StockUpdate{Delta: delta}))
	ack, ok = nextNonHeartbeat(t, msgs, 2*time.Second).(codec.Ack)
	require.True(t, ok)
	assert.Equal(t, uint64(42), ack.Sequence)

	count, applied := backend.appliedCount("shelf-01", 42)
	require.True(t, applied)
	assert.Equal(t, uint16(7), count, "replay must not double-apply")
}

func TestRefreshConfigsPushesOnlyOnChange(t *testing.T) {
	backend := newFakeBackend()
	backend.snaps["shelf-01"] = *snapV(1)
	browser := &fakeBrowser{eps: []transport.Endpoint{testEndpoint()}}
	dialer := newPipeDialer(0)

	c := startCoordinator(t, backend, browser, dialer)

	remote := <-dialer.remotes
	defer remote.Close()
	msgs := collect(remote)
	nextNonHeartbeat(t, msgs, 2*time.Second) // initial push

	// Unchanged snapshot: the sweep stays silent on the wire.
	require.NoError(t, c.RefreshConfigs(context.Background()))
	select {
	case msg := <-msgs:
		if _, isHB := msg.(codec.Heartbeat); !isHB {
			t.Fatalf("unexpected frame for unchanged config: %T", msg)
		}
	case <-time.After(150 * time.Millisecond):
	}

	// Footprint swap upstream: the sweep pushes the new snapshot.
	changed := *snapV(1)
	changed.Items = []domain.Item{
		{ID: "itm-9", Name: "washers", Slot: domain.Slot{Row: 1, Level: 1, Box: 1}, Count: 50},
	}
	backend.mu.Lock()
	backend.snaps["shelf-01"] = changed
	backend.mu.Unlock()

	require.NoError(t, c.RefreshConfigs(context.Background()))
	push, ok := nextNonHeartbeat(t, msgs, 2*time.Second).(codec.ConfigPush)
	require.True(t, ok)
	require.Len(t, push.Snapshot.Items, 1)
	assert.Equal(t, "itm-9", push.Snapshot.Items[0].ID)
}

func TestReapStaleRemovesSilentDevices(t *testing.T) {
	backend := newFakeBackend()
	bus := eventbus.New(testLogger())
	t.Cleanup(bus.Close)

	cfg := testBridgeConfig()
	cfg.Jobs.StaleAfter = time.Minute
	c := NewCoordinator(cfg, backend, nil, nil, bus, testLogger())

	c.mu.Lock()
	c.devices["shelf-old"] = &deviceEntry{
		dev: domain.Device{
			ID:       "shelf-old",
			State:    domain.ConnDisconnected,
			LastSeen: time.Now().Add(-2 * time.Hour),
		},
		cancel: func() {},
	}
	c.devices["shelf-live"] = &deviceEntry{
		dev: domain.Device{
			ID:       "shelf-live",
			State:    domain.ConnConnected,
			LastSeen: time.Now().Add(-2 * time.Hour), // connected devices are never reaped
		},
		cancel: func() {},
	}
	c.mu.Unlock()

	require.NoError(t, c.ReapStale(context.Background()))

	status := c.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "shelf-live", status[0].Device.ID)
}

func TestSubmitDeltaPropagatesUpstreamFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.submitErr = domain.NewDomainError("fake.Submit", domain.ErrUpstream, "down")
	bus := eventbus.New(testLogger())
	t.Cleanup(bus.Close)

	c := NewCoordinator(testBridgeConfig(), backend, nil, nil, bus, testLogger())
	result, err := c.SubmitDelta(context.Background(), domain.StockDelta{DeviceID: "shelf-01", Sequence: 1})
	require.Error(t, err)
	assert.Equal(t, domain.SubmitError, result)
}
