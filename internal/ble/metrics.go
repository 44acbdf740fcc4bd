package ble

// Metrics receives supervisor counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	NotificationReceived(bytes int)
	SampleDecoded(warnings int)
	DecodeFailed()
	ReconnectAttempted()
	StateChanged(state State)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) NotificationReceived(int) {}
func (NopMetrics) SampleDecoded(int)        {}
func (NopMetrics) DecodeFailed()            {}
func (NopMetrics) ReconnectAttempted()      {}
func (NopMetrics) StateChanged(State)       {}
