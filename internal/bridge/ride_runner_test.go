package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/config"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/cycling"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	reading sensor.Reading
	err     error
	reads   []time.Duration
	closed  bool
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Read(_ context.Context, elapsed time.Duration) (sensor.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, elapsed)
	return f.reading, f.err
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	writes []cycling.Handle
	fail   bool
}

func (s *recordingSink) SetCharacteristic(handle cycling.Handle, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, handle)
	return !s.fail && handle.Valid()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func testHandles() *cycling.Handles {
	return &cycling.Handles{CPMeasurement: 3, CSCMeasurement: 7, SCControlPoint: 9}
}

func newTestRunner(t *testing.T, source sensor.Source, sink cycling.Sink) *RideRunner {
	t.Helper()
	return newRideRunner(RideRunnerArg{
		Source:     source,
		Integrator: sensor.NewIntegrator(sensor.DefaultWheelCircumferenceMm, sensor.NewSpeedModel(80)),
		Updater:    cycling.NewUpdater(sink, testHandles(), cycling.NewControlPoint(4)),
		Tick:       time.Second,
		Logger:     log.New(&bytes.Buffer{}, "", 0),
	})
}

func TestNewRideRunner_NilArguments(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	integrator := sensor.NewIntegrator(0, sensor.NewSpeedModel(80))
	updater := cycling.NewUpdater(&recordingSink{}, testHandles(), nil)

	assert.PanicsWithValue(t, "RideRunner: source cannot be nil", func() {
		newRideRunner(RideRunnerArg{Integrator: integrator, Updater: updater, Logger: logger})
	})
	assert.PanicsWithValue(t, "RideRunner: integrator cannot be nil", func() {
		newRideRunner(RideRunnerArg{Source: &fakeSource{}, Updater: updater, Logger: logger})
	})
	assert.PanicsWithValue(t, "RideRunner: updater cannot be nil", func() {
		newRideRunner(RideRunnerArg{Source: &fakeSource{}, Integrator: integrator, Logger: logger})
	})
	assert.PanicsWithValue(t, "RideRunner: logger cannot be nil", func() {
		newRideRunner(RideRunnerArg{Source: &fakeSource{}, Integrator: integrator, Updater: updater})
	})

	r := newRideRunner(RideRunnerArg{Source: &fakeSource{}, Integrator: integrator, Updater: updater, Logger: logger})
	assert.Equal(t, DefaultTick, r.tick)
}

func TestRideRunner_IdleSendsNothing(t *testing.T) {
	sink := &recordingSink{}
	source := &fakeSource{reading: sensor.Reading{CadenceRPM: 60, PowerW: 200}}
	r := newTestRunner(t, source, sink)

	ch := make(chan RideStatus, 4)
	defer r.ListenToRideStatus(ch)()

	r.step(t0)
	assert.Equal(t, 0, sink.count())
	assert.Empty(t, source.reads)

	status := <-ch
	assert.Equal(t, RideIdle, status.State)
	assert.Equal(t, "fake", status.Source)
	assert.Nil(t, status.Progress)
}

func TestRideRunner_RunningIntegratesAndSends(t *testing.T) {
	sink := &recordingSink{}
	source := &fakeSource{reading: sensor.Reading{CadenceRPM: 60, PowerW: 200}}
	r := newTestRunner(t, source, sink)

	r.start(t0)
	for i := 1; i <= 3; i++ {
		r.step(t0.Add(time.Duration(i) * time.Second))
	}

	// one CP and one CSC write per tick
	assert.Equal(t, 6, sink.count())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, source.reads)

	status := r.Status()
	assert.Equal(t, RideRunning, status.State)
	assert.Equal(t, 3*time.Second, status.Elapsed)
	assert.Equal(t, uint64(3), status.Updates)
	assert.Zero(t, status.FailedUpdates)
	// first sample is the baseline, then one crank revolution per second
	assert.Equal(t, uint16(2), status.Snapshot.CrankRevs)
	assert.Equal(t, uint16(200), status.Snapshot.PowerW)
	assert.Greater(t, status.Reading.SpeedKmh, 0.0)
	assert.True(t, status.Frames.CPOK)
	assert.True(t, status.Frames.CSCOK)

	m, err := cycling.ParseCSCMeasurement(status.Frames.CSC)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), m.CrankRevs)
}

func TestRideRunner_PauseFreezesCounters(t *testing.T) {
	sink := &recordingSink{}
	source := &fakeSource{reading: sensor.Reading{CadenceRPM: 60, PowerW: 200}}
	r := newTestRunner(t, source, sink)

	r.start(t0)
	r.step(t0.Add(1 * time.Second))
	r.step(t0.Add(2 * time.Second))
	r.pause(t0.Add(2 * time.Second))

	r.step(t0.Add(10 * time.Second))
	status := r.Status()
	assert.Equal(t, RidePaused, status.State)
	assert.Equal(t, 2*time.Second, status.Elapsed)
	assert.Equal(t, uint16(1), status.Snapshot.CrankRevs)
	assert.Zero(t, status.Snapshot.PowerW)
	assert.Len(t, source.reads, 2, "paused ticks do not sample the source")
	assert.Equal(t, 6, sink.count(), "paused ticks still send frames")

	// resuming restarts integration instead of integrating across the pause
	r.start(t0.Add(20 * time.Second))
	r.step(t0.Add(21 * time.Second))
	status = r.Status()
	assert.Equal(t, RideRunning, status.State)
	assert.Equal(t, 3*time.Second, status.Elapsed)
	assert.Equal(t, uint16(1), status.Snapshot.CrankRevs)

	r.step(t0.Add(22 * time.Second))
	assert.Equal(t, uint16(2), r.Status().Snapshot.CrankRevs)
}

func TestRideRunner_StopResets(t *testing.T) {
	source := &fakeSource{reading: sensor.Reading{CadenceRPM: 60, PowerW: 200}}
	r := newTestRunner(t, source, &recordingSink{})

	r.start(t0)
	r.step(t0.Add(1 * time.Second))
	r.step(t0.Add(3 * time.Second))
	require.Equal(t, uint16(2), r.Status().Snapshot.CrankRevs)

	r.stop(t0.Add(4 * time.Second))
	status := r.Status()
	assert.Equal(t, RideIdle, status.State)
	assert.Zero(t, status.Elapsed)
	assert.Zero(t, status.Snapshot.CrankRevs)
}

func TestRideRunner_ReadErrorKeepsSending(t *testing.T) {
	sink := &recordingSink{}
	source := &fakeSource{err: errors.New("bike did not respond")}
	r := newTestRunner(t, source, sink)

	r.start(t0)
	r.step(t0.Add(1 * time.Second))
	r.step(t0.Add(2 * time.Second))

	status := r.Status()
	assert.Equal(t, uint64(2), status.ReadErrors)
	assert.Equal(t, "bike did not respond", status.LastReadError)
	assert.Equal(t, uint64(2), status.Updates)
	assert.Equal(t, 4, sink.count())
	assert.Zero(t, status.Snapshot.CrankRevs)
}

func TestRideRunner_FailedSendsAreCounted(t *testing.T) {
	var buf bytes.Buffer
	sink := &recordingSink{fail: true}
	r := newTestRunner(t, &fakeSource{reading: sensor.Reading{CadenceRPM: 80, PowerW: 150}}, sink)
	r.logger = log.New(&buf, "", 0)

	r.start(t0)
	r.step(t0.Add(1 * time.Second))
	r.step(t0.Add(2 * time.Second))

	status := r.Status()
	assert.Equal(t, uint64(2), status.Updates)
	assert.Equal(t, uint64(2), status.FailedUpdates)
	assert.False(t, status.Frames.CPOK)
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("Measurement send failed")), "failure is logged once")

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	r.step(t0.Add(3 * time.Second))
	assert.Equal(t, uint64(2), r.Status().FailedUpdates)
	assert.Contains(t, buf.String(), "Measurement sends recovered")
}

func TestRideRunner_ControlPointPolledWhileIdle(t *testing.T) {
	r := newTestRunner(t, &fakeSource{}, &recordingSink{})
	cp := r.updater.ControlPoint()
	require.True(t, cp.Write([]byte{0x01}))

	r.step(t0)
	stats := r.Status().ControlPoint
	assert.Equal(t, uint64(1), stats.Acknowledged)
	assert.Equal(t, cycling.ControlPointIdle, stats.State)
}

func TestRideRunner_ProgressFromSimulator(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	profile, err := sensor.FindProfile(sensor.BuiltinProfiles, "Ramp Test")
	require.NoError(t, err)
	r := newTestRunner(t, sensor.NewSimulator(profile, 250, logger), &recordingSink{})

	r.start(t0)
	r.step(t0.Add(30 * time.Second))

	status := r.Status()
	require.NotNil(t, status.Progress)
	assert.Equal(t, "Ramp Test", status.Progress.Name)
	assert.Equal(t, 30*time.Second, status.Progress.Elapsed)
	assert.Equal(t, status.Progress.TargetPowerW, status.Reading.PowerW)
}

func TestRideRunner_Loop(t *testing.T) {
	sink := &recordingSink{}
	source := &fakeSource{reading: sensor.Reading{CadenceRPM: 90, PowerW: 180}}
	r := NewRideRunner(RideRunnerArg{
		Source:     source,
		Integrator: sensor.NewIntegrator(sensor.DefaultWheelCircumferenceMm, sensor.NewSpeedModel(80)),
		Updater:    cycling.NewUpdater(sink, testHandles(), nil),
		Tick:       5 * time.Millisecond,
		Logger:     log.New(&bytes.Buffer{}, "", 0),
	})

	r.Pause() // ignored while idle
	r.Start()
	assert.Eventually(t, func() bool {
		s := r.Status()
		return s.State == RideRunning && s.Updates >= 3
	}, time.Second, 5*time.Millisecond)

	r.Pause()
	assert.Eventually(t, func() bool { return r.Status().State == RidePaused }, time.Second, 5*time.Millisecond)

	r.Stop()
	assert.Eventually(t, func() bool { return r.Status().State == RideIdle }, time.Second, 5*time.Millisecond)

	r.Shutdown()
	r.Shutdown()
	source.mu.Lock()
	assert.True(t, source.closed)
	source.mu.Unlock()
}

// stuckPort never answers; Read returns only once the port is closed
type stuckPort struct {
	reading   chan struct{}
	readOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func (p *stuckPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *stuckPort) Read([]byte) (int, error) {
	p.readOnce.Do(func() { close(p.reading) })
	<-p.closed
	return 0, io.ErrClosedPipe
}

func (p *stuckPort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func TestRideRunner_ShutdownReleasesBlockedSerialRead(t *testing.T) {
	port := &stuckPort{reading: make(chan struct{}), closed: make(chan struct{})}
	logger := log.New(&bytes.Buffer{}, "", 0)
	source, err := sensor.NewBikeSerialSource(config.SerialConfig{Port: "/dev/ttyFAKE"},
		func(config.SerialConfig) (io.ReadWriteCloser, error) { return port, nil }, nil, logger)
	require.NoError(t, err)

	r := NewRideRunner(RideRunnerArg{
		Source:     source,
		Integrator: sensor.NewIntegrator(sensor.DefaultWheelCircumferenceMm, sensor.NewSpeedModel(80)),
		Updater:    cycling.NewUpdater(&recordingSink{}, testHandles(), nil),
		Tick:       5 * time.Millisecond,
		Logger:     logger,
	})
	r.Start()

	select {
	case <-port.reading:
	case <-time.After(time.Second):
		t.Fatal("ride loop never read from the port")
	}

	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return while a read was blocked")
	}
}
