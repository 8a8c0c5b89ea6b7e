// Package bridge implements the host side of the sync protocol: one
// session manager per discovered device and the coordinator that owns
// the roster and relays deltas upstream.
package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"shelfsync/internal/codec"
	"shelfsync/internal/domain"
	"shelfsync/internal/infra/config"
	"shelfsync/internal/transport"
)

// Relay is the coordinator surface a session talks to. Submissions are
// durable-or-error: a nil error with an accepted or duplicate result
// means the delta is persisted upstream and may be acked.
type Relay interface {
	SubmitDelta(ctx context.Context, delta domain.StockDelta) (domain.SubmitResult, error)
	CurrentConfig(deviceID string) (domain.ConfigSnapshot, bool)
	DeviceSeen(deviceID string, battery uint8, firmware uint32)
	SessionStateChanged(deviceID string, state domain.ConnState)
	HeartbeatMissed(deviceID string)
}

// Session owns one device's connection lifecycle: dialing with bounded
// exponential backoff, the heartbeat watchdog, config pushes, and
// ack-after-durable relaying. All connection state is exclusively
// owned by the session's Run goroutine.
type Session struct {
	ep     transport.Endpoint
	dialer transport.Dialer
	relay  Relay
	cfg    config.SessionConfig
	logger *slog.Logger

	configCh chan domain.ConfigSnapshot
	limiter  *rate.Limiter

	mu             sync.RWMutex
	state          domain.ConnState
	lastPushedHash string
	lastSnap       domain.ConfigSnapshot
}

// NewSession builds a session for one endpoint. Run starts it.
func NewSession(ep transport.Endpoint, dialer transport.Dialer, relay Relay, cfg config.SessionConfig, logger *slog.Logger) *Session {
	sendRate := cfg.SendRate
	if sendRate <= 0 {
		sendRate = 20
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 5
	}
	return &Session{
		ep:       ep,
		dialer:   dialer,
		relay:    relay,
		cfg:      cfg,
		logger:   logger.With("component", "session", "device_id", ep.DeviceID),
		configCh: make(chan domain.ConfigSnapshot, 1),
		limiter:  rate.NewLimiter(rate.Limit(sendRate), burst),
		state:    domain.ConnDiscovered,
	}
}

// State returns the current connection state.
func (s *Session) State() domain.ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// PushConfig hands the session a new snapshot to push. Latest wins; an
// unsent older snapshot is replaced, never queued behind.
func (s *Session) PushConfig(snap domain.ConfigSnapshot) {
	for {
		select {
		case s.configCh <- snap:
			return
		default:
			select {
			case <-s.configCh:
			default:
			}
		}
	}
}

// Run drives the connect/reconnect loop until ctx is cancelled.
// Cancellation aborts an in-flight dial or send promptly and leaves no
// retry timers behind.
func (s *Session) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	if s.cfg.BackoffInitial > 0 {
		bo.InitialInterval = s.cfg.BackoffInitial
	}
	if s.cfg.BackoffMax > 0 {
		bo.MaxInterval = s.cfg.BackoffMax
	}
	bo.MaxElapsedTime = 0 // retry for as long as the device is known
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(domain.ConnConnecting)

		stream, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			s.logger.Debug("connect failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		s.setState(domain.ConnConnected)
		err = s.runConnected(ctx, stream)
		stream.Close()
		s.setState(domain.ConnDisconnected)
		if ctx.Err() != nil {
			return
		}
		s.logger.Info("session disconnected", "error", err)
	}
}

func (s *Session) dial(ctx context.Context) (transport.Stream, error) {
	timeout := s.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.dialer.Dial(dctx, s.ep)
}

type inbound struct {
	msg codec.Message
	err error
}

// runConnected services one connection until it breaks, the heartbeat
// watchdog fires, or ctx is cancelled. In-flight unacknowledged sends
// are simply dropped on return; the device's pending queue is the
// durable source of truth.
func (s *Session) runConnected(ctx context.Context, stream transport.Stream) error {
	// The reader lives exactly as long as this connection: on any exit
	// path below the cancel unblocks its channel send so it can drain
	// off the closed stream and return.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan inbound)
	go func() {
		for {
			msg, err := codec.ReadMessage(stream)
			select {
			case frames <- inbound{msg: msg, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	// Resync on every connect: the device may have missed any number
	// of config changes while unreachable.
	if snap, ok := s.relay.CurrentConfig(s.ep.DeviceID); ok {
		if err := s.sendConfig(ctx, stream, snap); err != nil {
			return err
		}
	}

	hbInterval := s.cfg.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = 15 * time.Second
	}
	hbTimeout := s.cfg.HeartbeatTimeout
	if hbTimeout <= 0 {
		hbTimeout = 3 * hbInterval
	}
	ticker := time.NewTicker(hbInterval)
	defer ticker.Stop()
	lastHeard := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case snap := <-s.configCh:
			if err := s.sendConfig(ctx, stream, snap); err != nil {
				return err
			}

		case <-ticker.C:
			if time.Since(lastHeard) > hbTimeout {
				s.relay.HeartbeatMissed(s.ep.DeviceID)
				return domain.NewDomainError("session.watchdog", domain.ErrTimeout,
					"no heartbeat within "+hbTimeout.String())
			}
			if err := s.send(ctx, stream, codec.Heartbeat{FirmwareVersion: s.snapVersion()}); err != nil {
				return err
			}

		case in := <-frames:
			if in.err != nil {
				return domain.NewDomainError("session.read", domain.ErrTransport, in.err.Error())
			}
			lastHeard = time.Now()
			if err := s.handleFrame(ctx, stream, in.msg); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, stream transport.Stream, msg codec.Message) error {
	switch msg := msg.(type) {
	case codec.StockUpdate:
		return s.relayDelta(ctx, stream, msg.Delta)
	case codec.Heartbeat:
		s.relay.DeviceSeen(s.ep.DeviceID, msg.Battery, msg.FirmwareVersion)
		return nil
	default:
		s.logger.Warn("unexpected frame from device")
		return nil
	}
}

// relayDelta submits one delta upstream and acks only once it is
// durable there. A rejected delta is nacked so the device keeps it
// queued instead of waiting out its sync timeout.
func (s *Session) relayDelta(ctx context.Context, stream transport.Stream, delta domain.StockDelta) error {
	if delta.DeviceID == "" {
		delta.DeviceID = s.ep.DeviceID
	}
	result, err := s.relay.SubmitDelta(ctx, delta)
	if err != nil || result == domain.SubmitError {
		s.logger.Warn("delta not durable upstream, nacking",
			"sequence", delta.Sequence, "error", err)
		return s.send(ctx, stream, codec.Nack{Sequence: delta.Sequence, Reason: "not durable"})
	}
	return s.send(ctx, stream, codec.Ack{Sequence: delta.Sequence})
}

func (s *Session) sendConfig(ctx context.Context, stream transport.Stream, snap domain.ConfigSnapshot) error {
	hash := SnapshotHash(snap)
	s.mu.Lock()
	if hash == s.lastPushedHash {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.send(ctx, stream, codec.ConfigPush{Snapshot: snap}); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastPushedHash = hash
	s.lastSnap = snap
	s.mu.Unlock()
	s.logger.Info("config pushed", "hash", hash[:12], "items", len(snap.Items))
	return nil
}

func (s *Session) send(ctx context.Context, stream transport.Stream, msg codec.Message) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := codec.WriteMessage(stream, msg); err != nil {
		return domain.NewDomainError("session.send", domain.ErrTransport, err.Error())
	}
	return nil
}

func (s *Session) snapVersion() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSnap.FirmwareVersion
}

func (s *Session) setState(state domain.ConnState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	if state != domain.ConnConnected {
		// A new connection must resync config from scratch.
		s.lastPushedHash = ""
	}
	s.mu.Unlock()
	if changed {
		s.relay.SessionStateChanged(s.ep.DeviceID, state)
	}
}

// SnapshotHash fingerprints a snapshot for change detection. The JSON
// encoding is deterministic for a fixed struct shape.
func SnapshotHash(snap domain.ConfigSnapshot) string {
	data, _ := json.Marshal(snap)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
