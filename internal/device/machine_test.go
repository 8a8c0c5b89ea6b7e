package device

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shelfsync/internal/codec"
	"shelfsync/internal/device/store"
	"shelfsync/internal/domain"
	"shelfsync/internal/infra/config"
	"shelfsync/internal/infra/logger"
	"shelfsync/internal/transport"
)

var (
	slotA = domain.Slot{Row: 1, Level: 1, Box: 1}
	slotB = domain.Slot{Row: 1, Level: 1, Box: 2}
)

func testSnapshot() domain.ConfigSnapshot {
	return domain.ConfigSnapshot{
		DeviceID:  "shelf-01",
		Footprint: domain.Footprint{Row: 1, Level: 1, Box: 1, Height: 2, Width: 2},
		Items: []domain.Item{
			{ID: "itm-1", Name: "M4 bolts", Slot: slotA, Count: 5, MinStock: 2},
			{ID: "itm-2", Name: "M5 nuts", Slot: slotB, Count: 0, MinStock: 1},
		},
		FirmwareVersion: 1,
	}
}

func testDeviceConfig() config.DeviceConfig {
	return config.DeviceConfig{
		ID:              "shelf-01",
		Name:            "shelf-display-01",
		Debounce:        40 * time.Millisecond,
		Inactivity:      400 * time.Millisecond,
		SyncTimeout:     100 * time.Millisecond,
		FirmwareVersion: 1,
	}
}

func startMachine(t *testing.T, st *store.Store) *Machine {
	t.Helper()
	log, closer, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	t.Cleanup(func() { closer() })

	m, err := New(testDeviceConfig(), st, nil, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m
}

func openSeededStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.SaveSnapshot(testSnapshot()))
	return st
}

// bridgeEnd reads frames off the test side of a pipe and collects the
// stock updates, acking each one when ack is true.
func bridgeEnd(t *testing.T, s transport.Stream, ack bool) <-chan domain.StockDelta {
	t.Helper()
	out := make(chan domain.StockDelta, 16)
	go func() {
		defer close(out)
		for {
			msg, err := codec.ReadMessage(s)
			if err != nil {
				return
			}
			if su, ok := msg.(codec.StockUpdate); ok {
				out <- su.Delta
				if ack {
					codec.WriteMessage(s, codec.Ack{Sequence: su.Delta.Sequence})
				}
			}
		}
	}()
	return out
}

func TestTapsCoalesceIntoOneUpdate(t *testing.T) {
	st := openSeededStore(t)
	m := startMachine(t, st)

	local, remote := transport.Pipe("shelf-01")
	m.Attach(local)
	deltas := bridgeEnd(t, remote, true)

	// A burst of taps inside the debounce window nets +3.
	m.Tap(slotA, +1)
	m.Tap(slotA, +1)
	m.Tap(slotA, -1)
	m.Tap(slotA, +1)
	m.Tap(slotA, +1)

	select {
	case d := <-deltas:
		require.Equal(t, uint16(8), d.Count)
		require.Equal(t, slotA, d.Slot)
		require.Equal(t, uint64(1), d.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("no stock update within deadline")
	}

	// Nothing else was produced for the burst.
	select {
	case d, ok := <-deltas:
		if ok {
			t.Fatalf("unexpected second update: %+v", d)
		}
	case <-time.After(150 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		n, err := m.PendingCount()
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCountNeverNegativeAndClamped(t *testing.T) {
	st := openSeededStore(t)
	m := startMachine(t, st)

	for i := 0; i < 5; i++ {
		m.Tap(slotB, -1) // starts at 0
	}
	require.Eventually(t, func() bool {
		return m.State() != StateSleep
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, uint16(0), m.Count(slotB))

	for i := 0; i < 120; i++ {
		m.Tap(slotB, +1)
		time.Sleep(time.Millisecond)
	}
	require.Eventually(t, func() bool {
		return m.Count(slotB) == uint16(domain.MaxSlotCount)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNetZeroEditProducesNoUpdate(t *testing.T) {
	st := openSeededStore(t)
	m := startMachine(t, st)

	local, remote := transport.Pipe("shelf-01")
	m.Attach(local)
	deltas := bridgeEnd(t, remote, true)

	m.Tap(slotA, +1)
	m.Tap(slotA, -1)

	select {
	case d := <-deltas:
		t.Fatalf("unexpected update for net-zero edit: %+v", d)
	case <-time.After(200 * time.Millisecond):
	}
	n, err := m.PendingCount()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestQueuedDeltaSurvivesRestartAndResends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.db")

	st, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.SaveSnapshot(testSnapshot()))

	m := startMachine(t, st)
	// No link attached: the delta is persisted but never acked.
	m.Tap(slotA, +1)
	require.Eventually(t, func() bool {
		n, err := m.PendingCount()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	st.Close()

	// Power cycle: fresh store handle, fresh machine.
	st2, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st2.Close() })
	m2 := startMachine(t, st2)
	require.Equal(t, uint16(6), m2.Count(slotA))

	local, remote := transport.Pipe("shelf-01")
	deltas := bridgeEnd(t, remote, true)
	m2.Attach(local)

	select {
	case d := <-deltas:
		require.Equal(t, uint16(6), d.Count)
		require.Equal(t, uint64(1), d.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("queued delta was not resent after restart")
	}
	require.Eventually(t, func() bool {
		n, err := m2.PendingCount()
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnackedDeltaStaysQueued(t *testing.T) {
	st := openSeededStore(t)
	m := startMachine(t, st)

	local, remote := transport.Pipe("shelf-01")
	m.Attach(local)
	deltas := bridgeEnd(t, remote, false) // never acks

	m.Tap(slotA, +1)

	select {
	case <-deltas:
	case <-time.After(2 * time.Second):
		t.Fatal("no stock update within deadline")
	}

	// The sync attempt times out and the queue keeps the delta.
	require.Eventually(t, func() bool {
		return m.State() != StateSyncing
	}, 2*time.Second, 10*time.Millisecond)
	n, err := m.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestConfigDeferredWhilePendingEdits(t *testing.T) {
	st := openSeededStore(t)
	m := startMachine(t, st)

	local, remote := transport.Pipe("shelf-01")
	m.Attach(local)
	deltas := bridgeEnd(t, remote, false)

	m.Tap(slotA, +1)
	select {
	case <-deltas:
	case <-time.After(2 * time.Second):
		t.Fatal("no stock update within deadline")
	}

	// New mapping arrives while the delta is still unacked.
	newSnap := testSnapshot()
	newSnap.Items = []domain.Item{
		{ID: "itm-9", Name: "washers", Slot: slotA, Count: 50, MinStock: 10},
	}
	require.NoError(t, codec.WriteMessage(remote, codec.ConfigPush{Snapshot: newSnap}))

	// The old counts stay visible until the queue drains.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, uint16(6), m.Count(slotA))

	// Ack the pending delta; the deferred snapshot then applies.
	require.NoError(t, codec.WriteMessage(remote, codec.Ack{Sequence: 1}))
	require.Eventually(t, func() bool {
		return m.Count(slotA) == 50
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConfigAppliesImmediatelyWhenIdle(t *testing.T) {
	st := openSeededStore(t)
	m := startMachine(t, st)

	local, remote := transport.Pipe("shelf-01")
	m.Attach(local)

	newSnap := testSnapshot()
	newSnap.Items[0].Count = 33
	require.NoError(t, codec.WriteMessage(remote, codec.ConfigPush{Snapshot: newSnap}))

	require.Eventually(t, func() bool {
		return m.Count(slotA) == 33
	}, 2*time.Second, 10*time.Millisecond)

	// Persisted: a rebuilt machine sees the new snapshot.
	snap, err := st.Snapshot()
	require.NoError(t, err)
	require.Equal(t, uint16(33), snap.Items[0].Count)
}

type countingStager struct {
	calls atomic.Int32
}

func (c *countingStager) Stage(context.Context, domain.ConfigSnapshot) error {
	c.calls.Add(1)
	return nil
}

func TestFirmwareCheckedOncePerWake(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	snap := testSnapshot()
	snap.FirmwareVersion = 2
	snap.FirmwareURL = "http://backend/firmware/2.bin"
	require.NoError(t, st.SaveSnapshot(snap))

	log, closer, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	t.Cleanup(func() { closer() })

	stager := &countingStager{}
	m, err := New(testDeviceConfig(), st, stager, log)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	local, remote := transport.Pipe("shelf-01")
	m.Attach(local)
	bridgeEnd(t, remote, true)

	// Waking with a newer advertised firmware stages it once.
	m.Tap(slotA, +1)
	require.Eventually(t, func() bool {
		return stager.calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Further bridge traffic in the same wake does not re-stage.
	require.NoError(t, codec.WriteMessage(remote, codec.Heartbeat{FirmwareVersion: 2}))
	require.NoError(t, codec.WriteMessage(remote, codec.Heartbeat{FirmwareVersion: 2}))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), stager.calls.Load())
}

func TestFootprintSwapDropsStaleSlots(t *testing.T) {
	st := openSeededStore(t)
	m := startMachine(t, st)

	local, remote := transport.Pipe("shelf-01")
	m.Attach(local)

	// The device is reassigned to a different shelf block; none of the
	// old slots survive the swap.
	moved := domain.Slot{Row: 2, Level: 1, Box: 1}
	newSnap := domain.ConfigSnapshot{
		DeviceID:        "shelf-01",
		Footprint:       domain.Footprint{Row: 2, Level: 1, Box: 1, Height: 1, Width: 1},
		Items:           []domain.Item{{ID: "itm-7", Name: "hex keys", Slot: moved, Count: 12, MinStock: 3}},
		FirmwareVersion: 1,
	}
	require.NoError(t, codec.WriteMessage(remote, codec.ConfigPush{Snapshot: newSnap}))

	require.Eventually(t, func() bool {
		return m.Count(moved) == 12
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint16(0), m.Count(slotA))
	require.Equal(t, uint16(0), m.Count(slotB))
}

func TestDisconnectMidSyncResendsOnReconnect(t *testing.T) {
	st := openSeededStore(t)
	m := startMachine(t, st)

	local, remote := transport.Pipe("shelf-01")
	m.Attach(local)
	deltas := bridgeEnd(t, remote, false) // never acks

	m.Tap(slotA, +1)
	var first domain.StockDelta
	select {
	case first = <-deltas:
	case <-time.After(2 * time.Second):
		t.Fatal("no stock update within deadline")
	}

	// Link drops with the delta unacknowledged.
	remote.Close()
	require.Eventually(t, func() bool {
		return m.State() != StateSyncing
	}, 2*time.Second, 10*time.Millisecond)

	local2, remote2 := transport.Pipe("shelf-01")
	m.Attach(local2)
	resent := bridgeEnd(t, remote2, true)

	select {
	case d := <-resent:
		require.Equal(t, first.Sequence, d.Sequence)
		require.Equal(t, first.Count, d.Count)
	case <-time.After(2 * time.Second):
		t.Fatal("queued delta not resent on reconnect")
	}
	require.Eventually(t, func() bool {
		n, err := m.PendingCount()
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatReplyCarriesBattery(t *testing.T) {
	st := openSeededStore(t)
	m := startMachine(t, st)
	m.SetBattery(61)

	local, remote := transport.Pipe("shelf-01")
	m.Attach(local)

	require.NoError(t, codec.WriteMessage(remote, codec.Heartbeat{FirmwareVersion: 1}))
	msg, err := codec.ReadMessage(remote)
	require.NoError(t, err)
	hb, ok := msg.(codec.Heartbeat)
	require.True(t, ok, "expected heartbeat reply, got %T", msg)
	require.Equal(t, uint8(61), hb.Battery)
	require.Equal(t, uint32(1), hb.FirmwareVersion)
}

func TestInactivityReturnsToSleep(t *testing.T) {
	st := openSeededStore(t)
	m := startMachine(t, st)

	local, remote := transport.Pipe("shelf-01")
	m.Attach(local)
	bridgeEnd(t, remote, true)

	m.Tap(slotA, +1)
	require.Eventually(t, func() bool {
		return m.State() == StateSleep
	}, 3*time.Second, 10*time.Millisecond)
}
