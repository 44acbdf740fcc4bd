package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/blesense/internal/ble/protocol"
)

// ReconnectPolicy controls what happens after a connected peripheral drops.
type ReconnectPolicy struct {
	// Attempts is the number of connects tried against the same peripheral
	// ID per disconnect. Values below 1 mean 1.
	Attempts int
	// MaxBackoff caps the delay between attempts (1s, 2s, 4s, ...).
	MaxBackoff time.Duration
	// RescanOnFailure falls back to a fresh scan once all attempts against
	// the stale peripheral ID have failed.
	RescanOnFailure bool
}

// DefaultReconnectPolicy makes one reconnection attempt per disconnect.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Attempts:   1,
		MaxBackoff: 30 * time.Second,
	}
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	TargetName         string // advertised name, matched exactly
	ServiceUUID        string
	CharacteristicUUID string

	Decoder  *protocol.Decoder
	Encoding protocol.Encoding // wire encoding of notifications (default raw)

	ScanTimeout time.Duration // 0 scans until a match or Stop
	Reconnect   ReconnectPolicy

	EventBuffer int // capacity of the Events channel (default 64)
	Logger      *slog.Logger
	Metrics     Metrics
}

// Supervisor drives one peripheral connection through scan, connect,
// discover, subscribe and reconnect.
//
// All state is owned by a single goroutine. Transport callbacks and
// finished operations are posted to it as messages tagged with the epoch
// of the attempt that started them; messages from a superseded attempt
// are dropped, so nothing that completes after Stop can change state.
type Supervisor struct {
	adapter Adapter
	opts    SupervisorOptions
	log     *slog.Logger
	metrics Metrics

	inbox    chan any
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once

	// postMu guards closed. Posters hold the read lock while sending so
	// that seal can wait them out before draining the inbox.
	postMu   sync.RWMutex
	closed   bool
	stopping chan struct{}

	enableMu sync.Mutex
	enabled  bool

	mu         sync.RWMutex
	status     Status
	peripheral *Peripheral

	// Owned by the run goroutine.
	state   State
	epoch   uint64
	ctx     context.Context
	cancel  context.CancelFunc
	target  *Peripheral
	conn    Connection
	char    Characteristic
	attempt int
}

type (
	startMsg     struct{ reply chan error }
	stopMsg      struct{}
	scanMatchMsg struct {
		epoch uint64
		adv   Advertisement
	}
	scanDoneMsg struct {
		epoch uint64
		err   error
	}
	connectMsg struct {
		epoch uint64
		conn  Connection
		err   error
	}
	discoverMsg struct {
		epoch uint64
		char  Characteristic
		err   error
	}
	subscribeMsg struct {
		epoch uint64
		err   error
	}
	notifyMsg struct {
		epoch uint64
		data  []byte
		at    time.Time
	}
	disconnectMsg struct{ epoch uint64 }
	retryMsg      struct{ epoch uint64 }
)

// NewSupervisor creates an idle Supervisor. Call Start to begin scanning
// and drain Events until it is closed.
func NewSupervisor(adapter Adapter, opts SupervisorOptions) (*Supervisor, error) {
	if adapter == nil {
		return nil, errors.New("ble: adapter must not be nil")
	}
	if opts.TargetName == "" {
		return nil, errors.New("ble: target name must not be empty")
	}
	if opts.ServiceUUID == "" || opts.CharacteristicUUID == "" {
		return nil, errors.New("ble: service and characteristic UUIDs must not be empty")
	}
	if opts.Decoder == nil {
		return nil, errors.New("ble: decoder must not be nil")
	}
	if _, err := protocol.ParseEncoding(string(opts.Encoding)); err != nil {
		return nil, fmt.Errorf("ble: %w", err)
	}
	if opts.Reconnect.Attempts < 1 {
		opts.Reconnect.Attempts = 1
	}
	if opts.Reconnect.MaxBackoff <= 0 {
		opts.Reconnect.MaxBackoff = 30 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}

	s := &Supervisor{
		adapter: adapter,
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
		inbox:   make(chan any, 64),
		events:  make(chan Event, opts.EventBuffer),
		done:    make(chan struct{}),
		status:  Status{State: StateIdle},

		stopping: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Events returns the event stream. It is closed after the Stopped event.
// The consumer must keep draining it; the supervisor blocks on a full
// channel rather than drop state transitions.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Peripheral returns the peripheral matched by the last scan.
func (s *Supervisor) Peripheral() (Peripheral, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.peripheral == nil {
		return Peripheral{}, false
	}
	return *s.peripheral, true
}

// Start begins scanning. It is valid from Idle and Failed; otherwise it
// returns ErrAlreadyStarted, or ErrStopped once Stop has been called.
func (s *Supervisor) Start() error {
	reply := make(chan error, 1)
	if !s.post(startMsg{reply: reply}) {
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrStopped
	}
}

// Stop cancels any in-flight operation, releases the subscription and
// connection, and moves to the terminal Stopped state. It is safe to call
// from any state and more than once; it returns once the supervisor has
// shut down.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.post(stopMsg{})
	})
	<-s.done
}

// post delivers a message to the run goroutine. It reports false once
// shutdown has begun; a message it accepts is either handled or, if Stop
// wins the race, discarded by seal.
func (s *Supervisor) post(m any) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.stopping:
		return false
	}
}

// seal refuses further posts and discards whatever is still queued,
// releasing connections that completed after Stop.
func (s *Supervisor) seal() {
	s.postMu.Lock()
	s.closed = true
	s.postMu.Unlock()

	for {
		select {
		case m := <-s.inbox:
			s.discard(m)
		default:
			return
		}
	}
}

func (s *Supervisor) discard(m any) {
	switch m := m.(type) {
	case connectMsg:
		if m.conn != nil {
			s.log.Debug("[BLE] releasing connection completed after stop")
			_ = m.conn.Disconnect()
		}
	case startMsg:
		m.reply <- ErrStopped
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer close(s.events)

	for {
		m := <-s.inbox
		if !s.handle(m) {
			return
		}
	}
}

// handle applies one message. It returns false when the loop must exit.
func (s *Supervisor) handle(m any) bool {
	switch m := m.(type) {
	case startMsg:
		m.reply <- s.onStart()
	case stopMsg:
		s.onStop()
		return false
	case scanMatchMsg:
		s.onScanMatch(m)
	case scanDoneMsg:
		s.onScanDone(m)
	case connectMsg:
		s.onConnect(m)
	case discoverMsg:
		s.onDiscover(m)
	case subscribeMsg:
		s.onSubscribe(m)
	case notifyMsg:
		s.onNotify(m)
	case disconnectMsg:
		s.onDisconnect(m)
	case retryMsg:
		s.onRetry(m)
	default:
		s.log.Error("[BLE] unknown supervisor message", "type", fmt.Sprintf("%T", m))
	}
	return true
}

func (s *Supervisor) onStart() error {
	switch s.state {
	case StateIdle, StateFailed:
		s.beginScan()
		return nil
	default:
		return ErrAlreadyStarted
	}
}

func (s *Supervisor) onStop() {
	// Unblock posters waiting on a full inbox before touching the
	// transport, whose callbacks may post synchronously.
	close(s.stopping)
	s.epoch++
	if s.cancel != nil {
		s.cancel()
	}
	s.release()
	s.transition(StateStopped, nil)
	s.seal()
	s.log.Info("[BLE] supervisor stopped")
}

// newAttempt supersedes every in-flight operation and returns the context
// for the next one.
func (s *Supervisor) newAttempt() context.Context {
	if s.cancel != nil {
		s.cancel()
	}
	s.epoch++
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s.ctx
}

func (s *Supervisor) beginScan() {
	ctx := s.newAttempt()
	epoch := s.epoch
	s.target = nil
	s.transition(StateScanning, nil)
	s.log.Info("[BLE] scanning", "name", s.opts.TargetName)

	go func() {
		if err := s.enable(); err != nil {
			s.post(scanDoneMsg{epoch: epoch, err: &TransportError{Op: "enable adapter", Err: err}})
			return
		}

		scanCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.opts.ScanTimeout > 0 {
			scanCtx, cancel = context.WithTimeout(ctx, s.opts.ScanTimeout)
		}
		defer cancel()

		var matched atomic.Bool
		err := s.adapter.Scan(scanCtx, func(adv Advertisement) bool {
			if matched.Load() {
				return true
			}
			if adv.Name != s.opts.TargetName {
				return false
			}
			// First match wins; the scan stops right here.
			matched.Store(true)
			s.post(scanMatchMsg{epoch: epoch, adv: adv})
			return true
		})
		if err != nil {
			err = &TransportError{Op: "scan", Err: err}
		}
		s.post(scanDoneMsg{epoch: epoch, err: err})
	}()
}

func (s *Supervisor) enable() error {
	s.enableMu.Lock()
	defer s.enableMu.Unlock()
	if s.enabled {
		return nil
	}
	if err := s.adapter.Enable(); err != nil {
		return err
	}
	s.enabled = true
	return nil
}

func (s *Supervisor) onScanMatch(m scanMatchMsg) {
	if m.epoch != s.epoch || s.state != StateScanning {
		return
	}
	p := Peripheral{Name: m.adv.Name, ID: m.adv.ID}
	s.target = &p
	s.mu.Lock()
	s.peripheral = &p
	s.mu.Unlock()

	s.log.Info("[BLE] found peripheral", "name", p.Name, "id", p.ID, "rssi", m.adv.RSSI)
	s.transition(StateConnecting, nil)
	s.beginConnect()
}

func (s *Supervisor) onScanDone(m scanDoneMsg) {
	if m.epoch != s.epoch || s.state != StateScanning {
		return
	}
	if m.err != nil {
		s.fail(m.err)
		return
	}
	s.fail(ErrDeviceNotFound)
}

func (s *Supervisor) beginConnect() {
	ctx, epoch, id := s.ctx, s.epoch, s.target.ID
	go func() {
		conn, err := s.adapter.Connect(ctx, id)
		if !s.post(connectMsg{epoch: epoch, conn: conn, err: err}) && conn != nil {
			_ = conn.Disconnect()
		}
	}()
}

func (s *Supervisor) onConnect(m connectMsg) {
	if m.epoch != s.epoch || (s.state != StateConnecting && s.state != StateReconnecting) {
		// A superseded connect that still succeeded must not leak.
		if m.conn != nil {
			s.log.Debug("[BLE] dropping stale connection")
			_ = m.conn.Disconnect()
		}
		return
	}

	if m.err != nil {
		s.log.Warn("[BLE] connect failed", "id", s.target.ID, "error", m.err, "attempt", s.attempt)
		if s.state == StateReconnecting {
			s.retryOrFail(m.err)
			return
		}
		s.fail(&TransportError{Op: "connect to " + s.target.ID, Err: m.err})
		return
	}

	s.conn = m.conn
	epoch := s.epoch
	m.conn.OnDisconnect(func() {
		s.post(disconnectMsg{epoch: epoch})
	})
	s.transition(StateDiscovering, nil)

	conn := m.conn
	svc, chr := s.opts.ServiceUUID, s.opts.CharacteristicUUID
	go func() {
		char, err := conn.DiscoverCharacteristic(svc, chr)
		s.post(discoverMsg{epoch: epoch, char: char, err: err})
	}()
}

func (s *Supervisor) onDiscover(m discoverMsg) {
	if m.epoch != s.epoch || s.state != StateDiscovering {
		return
	}
	if m.err != nil {
		reason := m.err
		if !errors.Is(m.err, ErrServiceNotFound) && !errors.Is(m.err, ErrCharacteristicNotFound) {
			reason = &TransportError{Op: "discover", Err: m.err}
		}
		s.fail(reason)
		return
	}

	s.char = m.char
	s.transition(StateSubscribing, nil)

	epoch, char := s.epoch, m.char
	go func() {
		err := char.Subscribe(func(data []byte) {
			// The transport may reuse its buffer after the callback returns.
			cp := make([]byte, len(data))
			copy(cp, data)
			s.post(notifyMsg{epoch: epoch, data: cp, at: time.Now()})
		})
		s.post(subscribeMsg{epoch: epoch, err: err})
	}()
}

func (s *Supervisor) onSubscribe(m subscribeMsg) {
	if m.epoch != s.epoch || s.state != StateSubscribing {
		return
	}
	if m.err != nil {
		s.fail(&TransportError{Op: "subscribe", Err: m.err})
		return
	}
	s.attempt = 0
	s.transition(StateConnected, nil)
	s.log.Info("[BLE] connected", "name", s.target.Name, "id", s.target.ID)
}

func (s *Supervisor) onNotify(m notifyMsg) {
	// The subscription can deliver before Subscribe has returned.
	if m.epoch != s.epoch || (s.state != StateConnected && s.state != StateSubscribing) {
		return
	}
	s.metrics.NotificationReceived(len(m.data))

	payload, err := s.opts.Encoding.Decode(m.data)
	if err != nil {
		s.decodeFailed(err, nil, m.at)
		return
	}

	decoded, err := s.opts.Decoder.Decode(payload)
	if err != nil {
		s.decodeFailed(err, decoded.Warnings, m.at)
		return
	}

	for _, w := range decoded.Warnings {
		s.log.Warn("[BLE] partial sample", "label", w.Label, "value", w.Value, "error", w.Err)
	}
	s.metrics.SampleDecoded(len(decoded.Warnings))
	s.emit(Event{
		Kind:     EventSample,
		Status:   Status{State: s.state},
		Sample:   decoded.Sample,
		Warnings: decoded.Warnings,
		Time:     m.at,
	})
}

func (s *Supervisor) decodeFailed(err error, warnings []*protocol.FieldError, at time.Time) {
	s.log.Warn("[BLE] dropping notification", "error", err)
	s.metrics.DecodeFailed()
	s.emit(Event{
		Kind:     EventDecodeFailure,
		Status:   Status{State: s.state},
		Warnings: warnings,
		Err:      err,
		Time:     at,
	})
}

func (s *Supervisor) onDisconnect(m disconnectMsg) {
	if m.epoch != s.epoch {
		return
	}
	switch s.state {
	case StateDiscovering, StateSubscribing, StateConnected:
	default:
		return
	}

	s.log.Warn("[BLE] disconnected, reconnecting...", "id", s.target.ID)
	// The link is already gone; only drop our references.
	s.conn, s.char = nil, nil
	s.transition(StateDisconnected, nil)

	s.attempt = 0
	s.beginReconnect()
}

func (s *Supervisor) beginReconnect() {
	s.newAttempt()
	s.attempt++
	s.metrics.ReconnectAttempted()
	s.transition(StateReconnecting, nil)
	s.beginConnect()
}

func (s *Supervisor) retryOrFail(err error) {
	policy := s.opts.Reconnect
	if s.attempt < policy.Attempts {
		delay := backoffDelay(s.attempt-1, policy.MaxBackoff)
		s.log.Info("[BLE] reconnect backoff", "attempt", s.attempt+1, "delay", delay)
		ctx, epoch := s.ctx, s.epoch
		go func() {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
				s.post(retryMsg{epoch: epoch})
			}
		}()
		return
	}

	if policy.RescanOnFailure {
		s.log.Warn("[BLE] reconnect attempts exhausted, rescanning", "id", s.target.ID)
		s.beginScan()
		return
	}
	s.fail(&TransportError{Op: "reconnect to " + s.target.ID, Err: err})
}

func (s *Supervisor) onRetry(m retryMsg) {
	if m.epoch != s.epoch || s.state != StateReconnecting {
		return
	}
	s.attempt++
	s.metrics.ReconnectAttempted()
	s.beginConnect()
}

func (s *Supervisor) fail(reason error) {
	if s.cancel != nil {
		s.cancel()
	}
	s.release()
	s.transition(StateFailed, reason)
}

// release drops the subscription and connection, if held.
func (s *Supervisor) release() {
	if s.char != nil {
		if err := s.char.Unsubscribe(); err != nil {
			s.log.Debug("[BLE] unsubscribe", "error", err)
		}
		s.char = nil
	}
	if s.conn != nil {
		if err := s.conn.Disconnect(); err != nil {
			s.log.Debug("[BLE] disconnect", "error", err)
		}
		s.conn = nil
	}
}

func (s *Supervisor) transition(state State, reason error) {
	prev := s.state
	s.state = state
	st := Status{State: state, Reason: reason}

	s.mu.Lock()
	s.status = st
	s.mu.Unlock()

	s.metrics.StateChanged(state)
	if reason != nil {
		s.log.Warn("[BLE] state change", "from", prev, "to", state, "reason", reason)
	} else {
		s.log.Debug("[BLE] state change", "from", prev, "to", state)
	}
	s.emit(Event{Kind: EventState, Status: st, Time: time.Now()})
}

func (s *Supervisor) emit(ev Event) {
	s.events <- ev
}

// backoffDelay returns the delay before reconnection attempt n (0-based),
// capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
