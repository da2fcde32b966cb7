package bridge

import (
	"bytes"
	"log"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/bt"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/cycling"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRides struct {
	feed *events.Feed[RideStatus]
}

func newFakeRides() *fakeRides {
	return &fakeRides{feed: events.NewFeed[RideStatus](true)}
}

func (f *fakeRides) ListenToRideStatus(ch chan<- RideStatus) func() {
	return f.feed.Listen(ch)
}

type modelFixture struct {
	model      *UIModel
	rides      *fakeRides
	peripheral *bt.MockPeripheral
	logLines   chan string
	handles    cycling.Handles
}

func newModelFixture(t *testing.T) *modelFixture {
	t.Helper()
	logger := log.New(&bytes.Buffer{}, "", 0)
	peripheral := bt.NewMockPeripheral(logger, bt.MockPeripheralConfig{})
	require.NoError(t, peripheral.Enable())
	handles, err := peripheral.Register(cycling.GattTable(), nil)
	require.NoError(t, err)

	f := &modelFixture{
		rides:      newFakeRides(),
		peripheral: peripheral,
		logLines:   make(chan string, 16),
		handles:    handles,
	}
	f.model = NewUIModel(NewUIModelArg{
		Rides:      f.rides,
		Peripheral: peripheral,
		Gatt: GattStatus{
			LocalName: "PeloMon",
			Table:     cycling.GattTable(),
			Handles:   handles,
		},
		WheelCircumferenceMm: 2096,
		Logger:               logger,
		LogLines:             f.logLines,
	})
	t.Cleanup(f.model.Shutdown)
	return f
}

func runningStatus(updates uint64, crankRevs uint16, crankMs uint32, wheelRevs uint32, wheelMs uint32) RideStatus {
	return RideStatus{
		State:   RideRunning,
		Updates: updates,
		Frames: cycling.Frames{
			CP:    cycling.EncodeCPMeasurement(210, 4),
			CSC:   cycling.EncodeCSCMeasurement(crankRevs, crankMs, wheelRevs, wheelMs),
			CPOK:  true,
			CSCOK: true,
		},
	}
}

func TestNewUIModel_NilArguments(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	peripheral := bt.NewMockPeripheral(logger, bt.MockPeripheralConfig{})
	lines := make(chan string)

	assert.PanicsWithValue(t, "UIModel: logger cannot be nil", func() {
		NewUIModel(NewUIModelArg{Rides: newFakeRides(), Peripheral: peripheral, LogLines: lines})
	})
	assert.PanicsWithValue(t, "UIModel: log line channel cannot be nil", func() {
		NewUIModel(NewUIModelArg{Rides: newFakeRides(), Peripheral: peripheral, Logger: logger})
	})
	assert.PanicsWithValue(t, "UIModel: ride status feed cannot be nil", func() {
		NewUIModel(NewUIModelArg{Peripheral: peripheral, Logger: logger, LogLines: lines})
	})
	assert.PanicsWithValue(t, "UIModel: peripheral cannot be nil", func() {
		NewUIModel(NewUIModelArg{Rides: newFakeRides(), Logger: logger, LogLines: lines})
	})
}

func TestUIModel_LogTail(t *testing.T) {
	f := newModelFixture(t)
	ch := make(chan string, 4)
	defer f.model.ListenToLog(ch)()

	f.logLines <- "one\n"
	f.logLines <- "two\n"
	f.logLines <- "three\n"
	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for log line")
		}
	}

	assert.Equal(t, []string{"two\n", "three\n"}, f.model.GetLogTail(2))
	assert.Equal(t, []string{"one\n", "two\n", "three\n"}, f.model.GetLogTail(10))
	assert.Empty(t, f.model.GetLogTail(0))
}

func TestUIModel_SetMode(t *testing.T) {
	f := newModelFixture(t)
	assert.Equal(t, UIModeRide, f.model.GetUIState().Mode)

	ch := make(chan UIState, 2)
	defer f.model.ListenToUIState(ch)()

	f.model.SetMode(UIModeGATT)
	f.model.SetMode(UIModeGATT)
	assert.Equal(t, UIState{Mode: UIModeGATT}, <-ch)
	assert.Len(t, ch, 0, "unchanged mode is not re-published")
}

func TestUIModel_CloseApplication(t *testing.T) {
	f := newModelFixture(t)
	ch := make(chan struct{}, 1)
	defer f.model.ListenToCloseApplication(ch)()

	f.model.RequestCloseApplication()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("close request not delivered")
	}
}

func TestUIModel_ReceiverViewDecodesFrames(t *testing.T) {
	f := newModelFixture(t)
	ch := make(chan RideView, 4)
	defer f.model.ListenToRideView(ch)()

	f.rides.feed.Notify(runningStatus(1, 10, 1000, 100, 1000))
	first := <-ch
	assert.Equal(t, int16(210), first.Receiver.CP.PowerW)
	assert.Equal(t, uint16(4), first.Receiver.CP.AccumulatedEnergyKJ)
	assert.Zero(t, first.Receiver.CadenceRPM, "first frame only sets the baseline")

	f.rides.feed.Notify(runningStatus(2, 11, 2000, 104, 2000))
	second := <-ch
	assert.InDelta(t, 60.0, second.Receiver.CadenceRPM, 0.5)
	assert.InDelta(t, 240.0, second.Receiver.WheelRPM, 1)
	assert.InDelta(t, 240*2.096*60/1000, second.Receiver.SpeedKmh, 0.2)
	assert.Empty(t, second.Receiver.DecodeErr)

	// no new crank event: the previous rate is kept
	f.rides.feed.Notify(runningStatus(3, 11, 2000, 104, 2000))
	third := <-ch
	assert.InDelta(t, 60.0, third.Receiver.CadenceRPM, 0.5)

	assert.Equal(t, third, f.model.GetRideView())
}

func TestUIModel_ReceiverViewGoesStale(t *testing.T) {
	f := newModelFixture(t)
	ch := make(chan RideView, 1)
	defer f.model.ListenToRideView(ch)()

	f.rides.feed.Notify(runningStatus(1, 10, 1000, 100, 1000))
	<-ch
	f.rides.feed.Notify(runningStatus(2, 11, 2000, 104, 2000))
	require.InDelta(t, 60.0, (<-ch).Receiver.CadenceRPM, 0.5)

	var last RideView
	for i := 0; i < receiverStaleFrames; i++ {
		f.rides.feed.Notify(runningStatus(uint64(3+i), 11, 2000, 104, 2000))
		last = <-ch
	}
	assert.Zero(t, last.Receiver.CadenceRPM)
	assert.Zero(t, last.Receiver.SpeedKmh)
}

func TestUIModel_IdleResetsReceiver(t *testing.T) {
	f := newModelFixture(t)
	ch := make(chan RideView, 1)
	defer f.model.ListenToRideView(ch)()

	f.rides.feed.Notify(runningStatus(1, 10, 1000, 100, 1000))
	<-ch
	f.rides.feed.Notify(runningStatus(2, 11, 2000, 104, 2000))
	<-ch

	f.rides.feed.Notify(RideStatus{State: RideIdle})
	idle := <-ch
	assert.Equal(t, ReceiverView{}, idle.Receiver)

	// baseline again after the reset
	f.rides.feed.Notify(runningStatus(1, 0, 0, 0, 0))
	assert.Zero(t, (<-ch).Receiver.CadenceRPM)
}

func TestUIModel_DecodeError(t *testing.T) {
	f := newModelFixture(t)
	ch := make(chan RideView, 1)
	defer f.model.ListenToRideView(ch)()

	status := runningStatus(1, 0, 0, 0, 0)
	status.Frames.CSC = []byte{0x03, 0x01}
	f.rides.feed.Notify(status)
	assert.NotEmpty(t, (<-ch).Receiver.DecodeErr)
}

func TestUIModel_GattStatusTracksPeripheral(t *testing.T) {
	f := newModelFixture(t)
	ch := make(chan GattStatus, 8)
	defer f.model.ListenToGattStatus(ch)()

	initial := f.model.GetGattStatus()
	assert.Equal(t, "PeloMon", initial.LocalName)
	assert.Equal(t, f.handles, initial.Handles)

	f.peripheral.SetCentralConnected("AA:BB:CC:DD:EE:FF", true)
	assert.Eventually(t, func() bool {
		return len(f.model.GetGattStatus().Centrals) == 1
	}, time.Second, 5*time.Millisecond)

	f.peripheral.SetCharacteristic(f.handles.CPMeasurement, cycling.EncodeCPMeasurement(100, 0))
	f.peripheral.SetCharacteristic(cycling.Handle(0), []byte{0, 0, 0, 0})
	f.rides.feed.Notify(runningStatus(1, 0, 0, 0, 0))
	assert.Eventually(t, func() bool {
		sink := f.model.GetGattStatus().Sink
		return sink.Sent == 1 && sink.Failed == 1
	}, time.Second, 5*time.Millisecond)
}
