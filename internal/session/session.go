// Package session is the entry point for presentation code. A Handle wraps
// one connection supervisor and publishes its status, the latest sample
// and a rolling history per tracked field.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/blesense/internal/ble"
	"github.com/chaz8081/blesense/internal/ble/protocol"
)

// ErrInvalidOptions is wrapped by Start when Options fail validation.
var ErrInvalidOptions = errors.New("session: invalid options")

// Record is one decoded sample with its arrival sequence number and
// elapsed time. Seq starts at 1 and increases by one per sample.
type Record struct {
	Seq     uint64
	Elapsed float64
	Sample  protocol.Sample
}

// sampleLogCapacity bounds the records kept for SamplesSince.
const sampleLogCapacity = 256

// Options configures a session.
type Options struct {
	TargetName         string
	ServiceUUID        string
	CharacteristicUUID string
	Labels             protocol.LabelTable
	Encoding           protocol.Encoding

	HistoryCapacity int      // points per field (default 20)
	Track           []string // fields to keep history for; empty means every label

	ScanTimeout time.Duration
	Reconnect   ble.ReconnectPolicy

	Logger  *slog.Logger
	Metrics ble.Metrics
}

func (o Options) validate() error {
	switch {
	case o.TargetName == "":
		return fmt.Errorf("%w: target name is empty", ErrInvalidOptions)
	case o.ServiceUUID == "":
		return fmt.Errorf("%w: service UUID is empty", ErrInvalidOptions)
	case o.CharacteristicUUID == "":
		return fmt.Errorf("%w: characteristic UUID is empty", ErrInvalidOptions)
	case len(o.Labels) == 0:
		return fmt.Errorf("%w: label table is empty", ErrInvalidOptions)
	}
	for _, f := range o.Track {
		if _, ok := o.Labels[f]; !ok {
			return fmt.Errorf("%w: tracked field %q is not in the label table", ErrInvalidOptions, f)
		}
	}
	return nil
}

// Handle is a running session. All methods are safe for concurrent use.
type Handle struct {
	sup       *ble.Supervisor
	startedAt time.Time
	log       *slog.Logger

	mu          sync.RWMutex
	status      ble.Status
	latest      protocol.Sample
	hasLatest   bool
	lastElapsed float64
	decodeErr   error
	samples     int
	failures    int
	histories   map[string]*History
	records     []Record

	updates chan struct{}
	done    chan struct{}
}

// Start validates opts, starts a supervisor on adapter and returns its
// handle. History timestamps are relative to the moment Start is called.
func Start(adapter ble.Adapter, opts Options) (*Handle, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dec, err := protocol.NewDecoder(opts.Labels)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	sup, err := ble.NewSupervisor(adapter, ble.SupervisorOptions{
		TargetName:         opts.TargetName,
		ServiceUUID:        opts.ServiceUUID,
		CharacteristicUUID: opts.CharacteristicUUID,
		Decoder:            dec,
		Encoding:           opts.Encoding,
		ScanTimeout:        opts.ScanTimeout,
		Reconnect:          opts.Reconnect,
		Logger:             opts.Logger,
		Metrics:            opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	track := opts.Track
	if len(track) == 0 {
		track = opts.Labels.Labels()
	}
	histories := make(map[string]*History, len(track))
	for _, f := range track {
		histories[f] = NewHistory(opts.HistoryCapacity)
	}

	h := &Handle{
		sup:       sup,
		startedAt: time.Now(),
		log:       opts.Logger,
		status:    ble.Status{State: ble.StateIdle},
		histories: histories,
		updates:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go h.consume()

	if err := sup.Start(); err != nil {
		sup.Stop()
		<-h.done
		return nil, fmt.Errorf("session: start: %w", err)
	}
	h.log.Info("[session] started", "target", opts.TargetName, "fields", track)
	return h, nil
}

func (h *Handle) consume() {
	defer close(h.done)
	defer close(h.updates)
	for ev := range h.sup.Events() {
		h.apply(ev)
		select {
		case h.updates <- struct{}{}:
		default:
		}
	}
}

func (h *Handle) apply(ev ble.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch ev.Kind {
	case ble.EventState:
		h.status = ev.Status

	case ble.EventSample:
		h.latest = ev.Sample
		h.hasLatest = true
		h.samples++
		if len(ev.Warnings) > 0 {
			h.decodeErr = ev.Warnings[0]
		}

		elapsed := ev.Time.Sub(h.startedAt).Seconds()
		if elapsed < h.lastElapsed {
			elapsed = h.lastElapsed
		}
		h.lastElapsed = elapsed
		for field, hist := range h.histories {
			if v, ok := ev.Sample.Value(field); ok {
				hist.Push(Point{Elapsed: elapsed, Value: v})
			}
		}

		if len(h.records) == sampleLogCapacity {
			copy(h.records, h.records[1:])
			h.records = h.records[:sampleLogCapacity-1]
		}
		h.records = append(h.records, Record{Seq: uint64(h.samples), Elapsed: elapsed, Sample: ev.Sample})

	case ble.EventDecodeFailure:
		h.decodeErr = ev.Err
		h.failures++
	}
}

// Status returns the current connection status.
func (h *Handle) Status() ble.Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Latest returns the most recent sample, if any has arrived.
func (h *Handle) Latest() (protocol.Sample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.hasLatest
}

// History returns a copy of the history for field, oldest first. It
// returns nil for fields that are not tracked.
func (h *Handle) History(field string) []Point {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hist, ok := h.histories[field]
	if !ok {
		return nil
	}
	return hist.Points()
}

// Fields returns the tracked field names in sorted order.
func (h *Handle) Fields() []string {
	fields := make([]string, 0, len(h.histories))
	for f := range h.histories {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// LastDecodeError returns the most recent decode failure or field warning.
func (h *Handle) LastDecodeError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.decodeErr
}

// Counts returns the number of samples and rejected notifications seen.
func (h *Handle) Counts() (samples, failures int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.samples, h.failures
}

// SamplesSince returns the retained samples with Seq greater than after,
// oldest first. Only the most recent samples are retained, so a reader
// that falls far behind sees a gap in Seq.
func (h *Handle) SamplesSince(after uint64) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	i := sort.Search(len(h.records), func(i int) bool { return h.records[i].Seq > after })
	return append([]Record(nil), h.records[i:]...)
}

// Peripheral returns the matched peripheral once a scan has found it.
func (h *Handle) Peripheral() (ble.Peripheral, bool) {
	return h.sup.Peripheral()
}

// StartedAt returns the instant history timestamps are measured from.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Updates delivers a signal after every applied event. Signals coalesce,
// so a slow reader sees the latest state, not every change. The channel
// is closed when the session ends.
func (h *Handle) Updates() <-chan struct{} { return h.updates }

// Done is closed once the session has stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Restart starts a new scan after the session has failed.
func (h *Handle) Restart() error {
	if err := h.sup.Start(); err != nil {
		return fmt.Errorf("session: restart: %w", err)
	}
	h.log.Info("[session] restarted")
	return nil
}

// Stop releases all transport resources. It is idempotent.
func (h *Handle) Stop() {
	h.sup.Stop()
	<-h.done
}
