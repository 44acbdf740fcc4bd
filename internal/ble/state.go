package ble

import (
	"errors"
	"fmt"
	"time"

	"github.com/chaz8081/blesense/internal/ble/protocol"
)

// State is the lifecycle state of a supervised connection.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateDiscovering
	StateSubscribing
	StateConnected
	StateDisconnected
	StateReconnecting
	StateFailed
	StateStopped
)

var stateNames = [...]string{
	StateIdle:         "Idle",
	StateScanning:     "Scanning",
	StateConnecting:   "Connecting",
	StateDiscovering:  "Discovering",
	StateSubscribing:  "Subscribing",
	StateConnected:    "Connected",
	StateDisconnected: "Disconnected",
	StateReconnecting: "Reconnecting",
	StateFailed:       "Failed",
	StateStopped:      "Stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Status is a State plus, for StateFailed, the reason.
type Status struct {
	State  State
	Reason error
}

func (s Status) String() string {
	if s.State == StateFailed && s.Reason != nil {
		return fmt.Sprintf("Failed(%v)", s.Reason)
	}
	return s.State.String()
}

var (
	// ErrDeviceNotFound is the failure reason when a scan ends without an
	// advertisement matching the target name.
	ErrDeviceNotFound = errors.New("ble: device not found")
	// ErrAlreadyStarted is returned by Start while a session is active.
	ErrAlreadyStarted = errors.New("ble: supervisor already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("ble: supervisor stopped")
)

// TransportError wraps a failed scan, connect, discover or subscribe.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ble: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EventKind distinguishes supervisor events.
type EventKind int

const (
	// EventState reports a state transition.
	EventState EventKind = iota
	// EventSample carries a decoded sample, possibly with field warnings.
	EventSample
	// EventDecodeFailure reports a notification that yielded no sample.
	EventDecodeFailure
)

// Event is one item of the supervisor's event stream.
type Event struct {
	Kind     EventKind
	Status   Status
	Sample   protocol.Sample
	Warnings []*protocol.FieldError
	Err      error
	// Time is when the event was produced, read from the monotonic clock.
	Time time.Time
}
