// Package device implements the shelf unit's firmware state machine:
// wake/sleep, tap debouncing, the durable pending-update queue, the
// sync client, and the staged firmware self-update.
package device

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"shelfsync/internal/codec"
	"shelfsync/internal/device/store"
	"shelfsync/internal/domain"
	"shelfsync/internal/infra/config"
	"shelfsync/internal/transport"
)

// State is the machine's lifecycle state.
type State int

const (
	StateSleep State = iota
	StateWake
	StateActive
	StateDebounce
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateSleep:
		return "sleep"
	case StateWake:
		return "wake"
	case StateActive:
		return "active"
	case StateDebounce:
		return "debounce"
	case StateSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

type timerKind int

const (
	timerDebounce timerKind = iota
	timerInactivity
	timerSync
)

// Every input reaches the machine as one of these events on a single
// channel. Timers enqueue synthetic expiry events; interrupts only
// post, they never touch machine state.
type event interface{ isEvent() }

type tapEvent struct {
	slot  domain.Slot
	delta int
}

type timerEvent struct {
	kind timerKind
	gen  uint64
}

type frameEvent struct {
	msg codec.Message
}

type linkUpEvent struct {
	stream transport.Stream
}

type linkDownEvent struct {
	stream transport.Stream
	err    error
}

type firmwareEvent struct {
	version uint32
	err     error
}

func (tapEvent) isEvent()      {}
func (timerEvent) isEvent()    {}
func (frameEvent) isEvent()    {}
func (linkUpEvent) isEvent()   {}
func (linkDownEvent) isEvent() {}
func (firmwareEvent) isEvent() {}

// firmwareStager stages a new firmware image for activation on next
// boot. Nil disables the update check.
type firmwareStager interface {
	Stage(ctx context.Context, snap domain.ConfigSnapshot) error
}

// Machine runs the device state machine. All mutable state is owned by
// the Run loop; external callers interact only through posted events
// and the read accessors.
type Machine struct {
	cfg    config.DeviceConfig
	store  *store.Store
	fw     firmwareStager
	logger *slog.Logger

	events chan event
	runCtx context.Context

	mu     sync.RWMutex
	state  State
	counts map[domain.Slot]uint16

	snap         domain.ConfigSnapshot
	hasSnap      bool
	synced       map[domain.Slot]uint16
	deferredSnap *domain.ConfigSnapshot

	battery      uint8
	advertisedFW uint32
	fwChecked    bool
	sleepPending bool

	link   transport.Stream
	sendCh chan codec.Message

	timers map[timerKind]*time.Timer
	gens   map[timerKind]uint64

	awaitingSeq uint64
}

// New builds a Machine over the device store. The cached snapshot and
// any queued deltas from a previous power cycle are loaded so the
// display and the sync client resume where they left off.
func New(cfg config.DeviceConfig, st *store.Store, fw firmwareStager, logger *slog.Logger) (*Machine, error) {
	m := &Machine{
		cfg:     cfg,
		store:   st,
		fw:      fw,
		logger:  logger.With("component", "device", "device_id", cfg.ID),
		events:  make(chan event, 64),
		state:   StateSleep,
		counts:  map[domain.Slot]uint16{},
		synced:  map[domain.Slot]uint16{},
		battery: 100,
		timers:  map[timerKind]*time.Timer{},
		gens:    map[timerKind]uint64{},
	}

	snap, err := st.Snapshot()
	switch {
	case err == nil:
		m.snap = snap
		m.hasSnap = true
		for _, item := range snap.Items {
			m.counts[item.Slot] = item.Count
			m.synced[item.Slot] = item.Count
		}
		m.advertisedFW = snap.FirmwareVersion
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	// Queued deltas already carry persisted counts; they must not be
	// re-produced by the next debounce.
	pending, err := st.Pending(cfg.ID)
	if err != nil {
		return nil, err
	}
	for _, d := range pending {
		m.counts[d.Slot] = d.Count
		m.synced[d.Slot] = d.Count
	}

	return m, nil
}

// Tap records one +1/-1 touch on a slot. Safe to call from any
// goroutine; drops the tap if the machine is saturated.
func (m *Machine) Tap(slot domain.Slot, delta int) {
	select {
	case m.events <- tapEvent{slot: slot, delta: delta}:
	default:
		m.logger.Warn("tap dropped, event queue full", "slot", slot.Location())
	}
}

// Attach hands the machine a freshly accepted bridge stream. The
// machine owns the stream from this point on.
func (m *Machine) Attach(s transport.Stream) {
	m.post(linkUpEvent{stream: s})
}

// SetBattery updates the reported battery percentage.
func (m *Machine) SetBattery(pct uint8) {
	m.mu.Lock()
	m.battery = pct
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Count returns the in-memory count for a slot.
func (m *Machine) Count(slot domain.Slot) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[slot]
}

// PendingCount reports the durable queue depth.
func (m *Machine) PendingCount() (int, error) {
	return m.store.PendingCount()
}

// Run consumes events until ctx is cancelled. It is the only goroutine
// that mutates machine state.
func (m *Machine) Run(ctx context.Context) error {
	m.runCtx = ctx
	m.logger.Info("device state machine started", "state", m.state.String())
	for {
		select {
		case <-ctx.Done():
			m.detachLink()
			return ctx.Err()
		case ev := <-m.events:
			m.dispatch(ev)
		}
	}
}

func (m *Machine) post(ev event) {
	if m.runCtx != nil {
		select {
		case m.events <- ev:
		case <-m.runCtx.Done():
		}
		return
	}
	m.events <- ev
}

func (m *Machine) dispatch(ev event) {
	switch ev := ev.(type) {
	case tapEvent:
		m.onTap(ev)
	case timerEvent:
		m.onTimer(ev)
	case frameEvent:
		m.onFrame(ev.msg)
	case linkUpEvent:
		m.onLinkUp(ev.stream)
	case linkDownEvent:
		m.onLinkDown(ev)
	case firmwareEvent:
		m.onFirmwareResult(ev)
	}
}

// --- input ---

func (m *Machine) onTap(ev tapEvent) {
	if m.state == StateSleep {
		m.wake()
	}
	if !m.slotHasItem(ev.slot) {
		m.logger.Debug("tap on unassigned slot ignored", "slot", ev.slot.Location())
		return
	}

	cur := int(m.countOf(ev.slot))
	next := cur + ev.delta
	if next < 0 {
		next = 0
	}
	if next > domain.MaxSlotCount {
		next = domain.MaxSlotCount
	}
	m.setCount(ev.slot, uint16(next))
	m.setState(StateActive)

	m.logger.Debug("tap", "slot", ev.slot.Location(), "count", next)
	m.arm(timerDebounce, m.cfg.Debounce)
	m.arm(timerInactivity, m.cfg.Inactivity)
}

func (m *Machine) wake() {
	m.setState(StateWake)
	m.render()
	m.arm(timerInactivity, m.cfg.Inactivity)
	m.fwChecked = false
	m.maybeCheckFirmware()
}

func (m *Machine) sleep() {
	m.setState(StateSleep)
	m.sleepPending = false
	m.stopTimer(timerDebounce)
	m.stopTimer(timerInactivity)
	m.stopTimer(timerSync)
	// The display holds its last image; nothing to redraw.
	m.logger.Info("entering sleep")
}

// render logs the grid the e-paper panel would show.
func (m *Machine) render() {
	if !m.hasSnap {
		m.logger.Info("render: no config snapshot, showing setup screen")
		return
	}
	for _, item := range m.snap.Items {
		m.logger.Debug("render slot",
			"slot", item.Slot.Location(),
			"item", item.Name,
			"count", m.countOf(item.Slot),
			"min", item.MinStock)
	}
}

// --- timers ---

func (m *Machine) arm(kind timerKind, d time.Duration) {
	if t := m.timers[kind]; t != nil {
		t.Stop()
	}
	m.gens[kind]++
	gen := m.gens[kind]
	m.timers[kind] = time.AfterFunc(d, func() {
		m.post(timerEvent{kind: kind, gen: gen})
	})
}

func (m *Machine) stopTimer(kind timerKind) {
	if t := m.timers[kind]; t != nil {
		t.Stop()
		m.timers[kind] = nil
	}
	m.gens[kind]++
}

func (m *Machine) onTimer(ev timerEvent) {
	if ev.gen != m.gens[ev.kind] {
		return // stale expiry from a reset timer
	}
	switch ev.kind {
	case timerDebounce:
		m.onDebounce()
	case timerInactivity:
		m.onInactivity()
	case timerSync:
		m.onSyncTimeout()
	}
}

func (m *Machine) onDebounce() {
	if m.state != StateActive {
		return
	}
	m.setState(StateDebounce)
	m.flushEdits()
	m.startSync()
}

func (m *Machine) onInactivity() {
	if m.state == StateSyncing {
		// Let the in-flight sync finish or time out before sleeping.
		m.sleepPending = true
		return
	}
	m.sleep()
}

func (m *Machine) onSyncTimeout() {
	if m.state != StateSyncing {
		return
	}
	m.logger.Warn("sync timed out, deltas stay queued", "awaiting_seq", m.awaitingSeq)
	m.awaitingSeq = 0
	if m.sleepPending {
		m.sleep()
		return
	}
	m.setState(StateActive)
}

// flushEdits turns every slot whose count diverged from the last
// confirmed sync into a queued StockUpdate. Durability precedes
// transmission: a delta that cannot be persisted keeps its slot dirty
// so the next debounce retries it.
func (m *Machine) flushEdits() {
	now := time.Now()
	for _, item := range m.snap.Items {
		slot := item.Slot
		cur := m.countOf(slot)
		if cur == m.synced[slot] {
			continue
		}
		seq, err := m.store.NextSequence()
		if err != nil {
			m.logger.Error("sequence allocation failed, edit kept in memory", "error", err)
			m.setState(StateActive)
			m.arm(timerDebounce, m.cfg.Debounce)
			return
		}
		delta := domain.StockDelta{
			DeviceID:  m.cfg.ID,
			Slot:      slot,
			Count:     cur,
			Sequence:  seq,
			Battery:   m.batteryLevel(),
			Timestamp: now,
		}
		if err := m.store.Enqueue(delta); err != nil {
			m.logger.Error("pending queue write failed, edit kept in memory", "error", err)
			m.setState(StateActive)
			m.arm(timerDebounce, m.cfg.Debounce)
			return
		}
		m.synced[slot] = cur
		m.logger.Info("stock update queued",
			"slot", slot.Location(), "count", cur, "sequence", seq)
	}
}

// --- sync ---

// startSync drains the pending queue over the attached link, one delta
// at a time in sequence order. Without a link the queue simply waits
// for the next connection.
func (m *Machine) startSync() {
	if m.link == nil {
		m.logger.Debug("no bridge link, sync deferred")
		m.setState(StateActive)
		return
	}
	pending, err := m.store.Pending(m.cfg.ID)
	if err != nil {
		m.logger.Error("pending queue read failed", "error", err)
		m.setState(StateActive)
		return
	}
	if len(pending) == 0 {
		m.finishSync()
		return
	}
	m.setState(StateSyncing)
	m.sendDelta(pending[0])
}

func (m *Machine) sendDelta(d domain.StockDelta) {
	m.awaitingSeq = d.Sequence
	m.send(codec.StockUpdate{Delta: d})
	m.arm(timerSync, m.cfg.SyncTimeout)
}

func (m *Machine) finishSync() {
	m.awaitingSeq = 0
	m.stopTimer(timerSync)
	m.applyDeferredConfig()
	if m.sleepPending {
		m.sleep()
		return
	}
	if m.state != StateSleep {
		m.setState(StateActive)
	}
}

func (m *Machine) abortSync() {
	if m.state != StateSyncing {
		return
	}
	m.awaitingSeq = 0
	m.stopTimer(timerSync)
	if m.sleepPending {
		m.sleep()
		return
	}
	m.setState(StateActive)
}

// --- frames ---

func (m *Machine) onFrame(msg codec.Message) {
	switch msg := msg.(type) {
	case codec.Ack:
		m.onAck(msg.Sequence)
	case codec.Nack:
		m.logger.Warn("delta refused, kept queued",
			"sequence", msg.Sequence, "reason", msg.Reason)
		m.abortSync()
	case codec.ConfigPush:
		m.onConfigPush(msg.Snapshot)
	case codec.Heartbeat:
		m.onHeartbeat(msg)
	default:
		m.logger.Warn("unexpected frame from bridge")
	}
}

func (m *Machine) onAck(seq uint64) {
	if err := m.store.Ack(seq); err != nil {
		m.logger.Error("pending queue remove failed", "error", err, "sequence", seq)
		m.abortSync()
		return
	}
	m.logger.Info("delta acknowledged", "sequence", seq)

	if m.state == StateSyncing && seq == m.awaitingSeq {
		pending, err := m.store.Pending(m.cfg.ID)
		if err != nil {
			m.logger.Error("pending queue read failed", "error", err)
			m.abortSync()
			return
		}
		if len(pending) == 0 {
			m.finishSync()
			return
		}
		m.sendDelta(pending[0])
		return
	}

	// A late ack after a timed-out attempt still empties the queue.
	if n, err := m.store.PendingCount(); err == nil && n == 0 && !m.hasUnflushedEdits() {
		m.applyDeferredConfig()
	}
}

// onConfigPush applies a full replacement snapshot, unless unsynced
// local edits exist; then it is held until the queue drains so a
// half-applied footprint change cannot shadow queued deltas.
func (m *Machine) onConfigPush(snap domain.ConfigSnapshot) {
	if snap.FirmwareVersion > m.advertisedFW {
		m.advertisedFW = snap.FirmwareVersion
	}
	if err := snap.Validate(); err != nil {
		m.logger.Warn("config snapshot rejected", "error", err)
		return
	}
	n, err := m.store.PendingCount()
	if err != nil {
		m.logger.Error("pending queue read failed", "error", err)
		return
	}
	if n > 0 || m.hasUnflushedEdits() {
		m.logger.Info("config deferred until pending edits drain")
		m.deferredSnap = &snap
		return
	}
	m.applyConfig(snap)
}

func (m *Machine) applyDeferredConfig() {
	if m.deferredSnap == nil {
		return
	}
	snap := *m.deferredSnap
	m.deferredSnap = nil
	m.applyConfig(snap)
}

func (m *Machine) applyConfig(snap domain.ConfigSnapshot) {
	if err := m.store.SaveSnapshot(snap); err != nil {
		m.logger.Error("config snapshot persist failed", "error", err)
		return
	}
	m.snap = snap
	m.hasSnap = true

	// Full replacement: counts outside the new mapping are dropped.
	counts := map[domain.Slot]uint16{}
	synced := map[domain.Slot]uint16{}
	for _, item := range snap.Items {
		counts[item.Slot] = item.Count
		synced[item.Slot] = item.Count
	}
	m.mu.Lock()
	m.counts = counts
	m.mu.Unlock()
	m.synced = synced

	m.logger.Info("config snapshot applied",
		"items", len(snap.Items), "firmware_version", snap.FirmwareVersion)
	if m.state != StateSleep {
		m.render()
	}
	m.maybeCheckFirmware()
}

func (m *Machine) onHeartbeat(hb codec.Heartbeat) {
	if hb.FirmwareVersion > m.advertisedFW {
		m.advertisedFW = hb.FirmwareVersion
	}
	m.send(codec.Heartbeat{
		FirmwareVersion: m.cfg.FirmwareVersion,
		Battery:         m.batteryLevel(),
	})
	if m.state != StateSleep {
		m.maybeCheckFirmware()
	}
}

// --- link ---

func (m *Machine) onLinkUp(s transport.Stream) {
	m.detachLink()
	m.link = s
	m.sendCh = make(chan codec.Message, 16)
	m.logger.Info("bridge link attached", "remote", s.RemoteID())

	go m.writeLoop(s, m.sendCh)
	go m.readLoop(s)

	// Queued deltas from a previous session retry on reconnect, even
	// from sleep.
	if n, err := m.store.PendingCount(); err == nil && n > 0 {
		if m.state == StateSleep {
			m.sleepPending = true
		}
		m.startSync()
	}
}

func (m *Machine) onLinkDown(ev linkDownEvent) {
	if ev.stream != m.link {
		return // a stale link already replaced
	}
	m.logger.Info("bridge link lost", "error", ev.err)
	m.detachLink()
	m.abortSync()
}

func (m *Machine) detachLink() {
	if m.link == nil {
		return
	}
	m.link.Close()
	m.link = nil
	close(m.sendCh)
	m.sendCh = nil
}

func (m *Machine) writeLoop(s transport.Stream, ch <-chan codec.Message) {
	for msg := range ch {
		if err := codec.WriteMessage(s, msg); err != nil {
			m.post(linkDownEvent{stream: s, err: err})
			return
		}
	}
}

func (m *Machine) readLoop(s transport.Stream) {
	for {
		msg, err := codec.ReadMessage(s)
		if err != nil {
			m.post(linkDownEvent{stream: s, err: err})
			return
		}
		m.post(frameEvent{msg: msg})
	}
}

func (m *Machine) send(msg codec.Message) {
	if m.sendCh == nil {
		return
	}
	select {
	case m.sendCh <- msg:
	default:
		m.logger.Warn("outbound frame dropped, link saturated")
	}
}

// --- firmware ---

// maybeCheckFirmware runs the update check at most once per wake.
func (m *Machine) maybeCheckFirmware() {
	if m.fwChecked || m.fw == nil || m.state == StateSleep {
		return
	}
	m.fwChecked = true
	if m.advertisedFW <= m.cfg.FirmwareVersion {
		return
	}
	if !m.hasSnap || m.snap.FirmwareURL == "" {
		return
	}
	snap := m.snap
	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		err := m.fw.Stage(ctx, snap)
		m.post(firmwareEvent{version: snap.FirmwareVersion, err: err})
	}()
	m.logger.Info("firmware update check started",
		"current", m.cfg.FirmwareVersion, "available", snap.FirmwareVersion)
}

func (m *Machine) onFirmwareResult(ev firmwareEvent) {
	if ev.err != nil {
		m.logger.Warn("firmware staging failed, keeping running image",
			"version", ev.version, "error", ev.err)
		return
	}
	m.logger.Info("firmware staged for activation on next boot", "version", ev.version)
}

// --- small helpers ---

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Machine) setCount(slot domain.Slot, v uint16) {
	m.mu.Lock()
	m.counts[slot] = v
	m.mu.Unlock()
}

func (m *Machine) countOf(slot domain.Slot) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[slot]
}

func (m *Machine) batteryLevel() uint8 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.battery
}

func (m *Machine) slotHasItem(slot domain.Slot) bool {
	for _, item := range m.snap.Items {
		if item.Slot == slot {
			return true
		}
	}
	return false
}

func (m *Machine) hasUnflushedEdits() bool {
	for _, item := range m.snap.Items {
		if m.countOf(item.Slot) != m.synced[item.Slot] {
			return true
		}
	}
	return false
}
