package session

import (
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/blesense/internal/ble"
	"github.com/chaz8081/blesense/internal/ble/protocol"
)

const waitFor = 2 * time.Second

func testOptions() Options {
	return Options{
		TargetName:         testName,
		ServiceUUID:        testService,
		CharacteristicUUID: testChar,
		Labels:             protocol.StepLabels,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func startSession(t *testing.T, adapter *fakeAdapter, opts Options) *Handle {
	t.Helper()
	h, err := Start(adapter, opts)
	require.NoError(t, err)
	t.Cleanup(h.Stop)
	return h
}

func waitState(t *testing.T, h *Handle, want ble.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Status().State == want },
		waitFor, time.Millisecond, "state never reached %s (now %s)", want, h.Status())
}

func waitSamples(t *testing.T, h *Handle, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, f := h.Counts()
		return s+f >= n
	}, waitFor, time.Millisecond)
}

func TestStartValidatesOptions(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"empty target", func(o *Options) { o.TargetName = "" }},
		{"empty service", func(o *Options) { o.ServiceUUID = "" }},
		{"empty characteristic", func(o *Options) { o.CharacteristicUUID = "" }},
		{"empty labels", func(o *Options) { o.Labels = nil }},
		{"untracked field", func(o *Options) { o.Track = []string{"BPM"} }},
		{"bad encoding", func(o *Options) { o.Encoding = "hex" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.modify(&opts)
			_, err := Start(&fakeAdapter{}, opts)
			assert.ErrorIs(t, err, ErrInvalidOptions)
		})
	}
}

func TestSessionPublishesSamples(t *testing.T) {
	adapter := &fakeAdapter{}
	h := startSession(t, adapter, testOptions())
	waitState(t, h, ble.StateConnected)

	_, ok := h.Latest()
	assert.False(t, ok)

	adapter.latest().char.notify("Analog:512,Avg:733.25")
	waitSamples(t, h, 1)

	s, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, map[string]float64{"Analog": 512, "Avg": 733.25}, s.Values())

	assert.Equal(t, []string{"Analog", "Avg"}, h.Fields())
	analog := h.History("Analog")
	require.Len(t, analog, 1)
	assert.Equal(t, 512.0, analog[0].Value)
	assert.GreaterOrEqual(t, analog[0].Elapsed, 0.0)
	assert.Nil(t, h.History("BPM"))

	p, ok := h.Peripheral()
	require.True(t, ok)
	assert.Equal(t, testName, p.Name)
}

func TestSessionHistoryKeepsLastTwenty(t *testing.T) {
	adapter := &fakeAdapter{}
	h := startSession(t, adapter, testOptions())
	waitState(t, h, ble.StateConnected)

	char := adapter.latest().char
	for i := 0; i < 25; i++ {
		char.notify("Analog:" + strconv.Itoa(i))
	}
	waitSamples(t, h, 25)

	pts := h.History("Analog")
	require.Len(t, pts, 20)
	for i, p := range pts {
		assert.Equal(t, float64(i+5), p.Value)
		if i > 0 {
			assert.GreaterOrEqual(t, p.Elapsed, pts[i-1].Elapsed, "timestamps must not decrease")
		}
	}
	assert.Empty(t, h.History("Avg"), "Avg never arrived")
}

func TestSessionHistoryCapacityOption(t *testing.T) {
	adapter := &fakeAdapter{}
	opts := testOptions()
	opts.HistoryCapacity = 5
	opts.Track = []string{"Avg"}
	h := startSession(t, adapter, opts)
	waitState(t, h, ble.StateConnected)

	char := adapter.latest().char
	for i := 0; i < 8; i++ {
		char.notify("Analog:1,Avg:" + strconv.Itoa(i))
	}
	waitSamples(t, h, 8)

	assert.Len(t, h.History("Avg"), 5)
	assert.Nil(t, h.History("Analog"))
	assert.Equal(t, []string{"Avg"}, h.Fields())
}

func TestSessionIgnoresUndecodableNotifications(t *testing.T) {
	adapter := &fakeAdapter{}
	h := startSession(t, adapter, testOptions())
	waitState(t, h, ble.StateConnected)

	char := adapter.latest().char
	char.notify("Analog:7")
	char.notify("Foo:bar")
	waitSamples(t, h, 2)

	s, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, map[string]float64{"Analog": 7}, s.Values())
	assert.Len(t, h.History("Analog"), 1)
	assert.ErrorIs(t, h.LastDecodeError(), protocol.ErrNoRecognizedFields)
	assert.Equal(t, ble.StateConnected, h.Status().State)

	samples, failures := h.Counts()
	assert.Equal(t, 1, samples)
	assert.Equal(t, 1, failures)
}

func TestSessionPartialSampleSurfacesWarning(t *testing.T) {
	adapter := &fakeAdapter{}
	h := startSession(t, adapter, testOptions())
	waitState(t, h, ble.StateConnected)

	adapter.latest().char.notify("Analog:notanumber,Avg:1.0")
	waitSamples(t, h, 1)

	s, _ := h.Latest()
	assert.Equal(t, map[string]float64{"Avg": 1.0}, s.Values())

	var fe *protocol.FieldError
	require.ErrorAs(t, h.LastDecodeError(), &fe)
	assert.Equal(t, "Analog", fe.Label)
}

func TestSessionRestartAfterFailure(t *testing.T) {
	adapter := &fakeAdapter{connectErrs: []error{errConnect}}
	h := startSession(t, adapter, testOptions())
	waitState(t, h, ble.StateFailed)
	assert.ErrorIs(t, h.Status().Reason, errConnect)

	require.NoError(t, h.Restart())
	waitState(t, h, ble.StateConnected)
	assert.Error(t, h.Restart(), "restart while connected")
}

func TestSessionStop(t *testing.T) {
	adapter := &fakeAdapter{}
	h := startSession(t, adapter, testOptions())
	waitState(t, h, ble.StateConnected)
	conn := adapter.latest()

	h.Stop()
	h.Stop()

	assert.Equal(t, ble.StateStopped, h.Status().State)
	assert.True(t, conn.isDisconnected())

	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	// Updates drains to closed.
	for range h.Updates() {
	}
	assert.ErrorIs(t, h.Restart(), ble.ErrStopped)
}

func TestSessionUpdatesSignal(t *testing.T) {
	adapter := &fakeAdapter{}
	h := startSession(t, adapter, testOptions())

	select {
	case _, ok := <-h.Updates():
		assert.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("no update signal")
	}
}

func TestSessionSamplesSince(t *testing.T) {
	adapter := &fakeAdapter{}
	h := startSession(t, adapter, testOptions())
	waitState(t, h, ble.StateConnected)

	char := adapter.latest().char
	for i := 1; i <= 5; i++ {
		char.notify("Analog:" + strconv.Itoa(i))
	}
	char.notify("Foo:bar")
	waitSamples(t, h, 6)

	all := h.SamplesSince(0)
	require.Len(t, all, 5, "rejected notifications are not logged")
	for i, rec := range all {
		assert.Equal(t, uint64(i+1), rec.Seq)
		v, _ := rec.Sample.Value("Analog")
		assert.Equal(t, float64(i+1), v)
		if i > 0 {
			assert.GreaterOrEqual(t, rec.Elapsed, all[i-1].Elapsed)
		}
	}

	tail := h.SamplesSince(3)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].Seq)
	assert.Empty(t, h.SamplesSince(5))
}

func TestSessionSampleLogIsBounded(t *testing.T) {
	adapter := &fakeAdapter{}
	h := startSession(t, adapter, testOptions())
	waitState(t, h, ble.StateConnected)

	char := adapter.latest().char
	total := sampleLogCapacity + 44
	for i := 1; i <= total; i++ {
		char.notify("Analog:" + strconv.Itoa(i))
	}
	waitSamples(t, h, total)

	recs := h.SamplesSince(0)
	require.Len(t, recs, sampleLogCapacity)
	assert.Equal(t, uint64(45), recs[0].Seq)
	assert.Equal(t, uint64(total), recs[len(recs)-1].Seq)
}
