package bridge

import (
	"context"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/bt"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/cycling"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/events"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/sensor"
)

// UIState holds the current state of the UI that views need to render
type UIState struct {
	Mode UIMode
}

// RideStatusFeed is implemented by the ride loop
type RideStatusFeed interface {
	ListenToRideStatus(ch chan<- RideStatus) func()
}

// NewUIModelArg holds the arguments for creating a new UIModel
type NewUIModelArg struct {
	Rides      RideStatusFeed
	Peripheral bt.Peripheral
	// Gatt seeds the GATT page with the registration result
	Gatt                 GattStatus
	WheelCircumferenceMm float64
	Logger               *log.Logger
	LogLines             <-chan string
}

type UIModel struct {
	logEvent              *events.Feed[string]
	closeApplicationEvent *events.Feed[struct{}]
	uiStateEvent          *events.Feed[UIState]
	uiState               UIState
	rideViewEvent         *events.Feed[RideView]
	rideView              RideView
	gattStatusEvent       *events.Feed[GattStatus]
	gattStatus            GattStatus
	peripheral            bt.Peripheral
	receiver              *receiverDecoder
	logLines              []string
	logMu                 sync.RWMutex
	mu                    sync.RWMutex
	ctx                   context.Context
	cancel                context.CancelFunc
	wg                    sync.WaitGroup
	logger                *log.Logger
}

const maxLogLines = 1000

func NewUIModel(args NewUIModelArg) *UIModel {
	if args.Logger == nil {
		panic("UIModel: logger cannot be nil")
	}
	if args.LogLines == nil {
		panic("UIModel: log line channel cannot be nil")
	}
	if args.Rides == nil {
		panic("UIModel: ride status feed cannot be nil")
	}
	if args.Peripheral == nil {
		panic("UIModel: peripheral cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	model := &UIModel{
		logEvent:              events.NewFeed[string](false),
		closeApplicationEvent: events.NewFeed[struct{}](true),
		uiStateEvent:          events.NewFeed[UIState](true),
		uiState:               UIState{Mode: UIModeRide},
		rideViewEvent:         events.NewFeed[RideView](true),
		gattStatusEvent:       events.NewFeed[GattStatus](true),
		gattStatus:            args.Gatt,
		peripheral:            args.Peripheral,
		receiver:              newReceiverDecoder(args.WheelCircumferenceMm),
		logLines:              make([]string, 0, maxLogLines),
		ctx:                   ctx,
		cancel:                cancel,
		logger:                args.Logger,
	}

	go_func_utils.SafeGoWG(model.logger, &model.wg, func() { model.listenToRideStatus(ctx, args.Rides) })
	go_func_utils.SafeGoWG(model.logger, &model.wg, func() { model.listenToCentrals(ctx) })
	go_func_utils.SafeGoWG(model.logger, &model.wg, func() { model.readFromLogChannel(ctx, args.LogLines) })

	return model
}

// Shutdown stops all goroutines and waits for them to finish
func (m *UIModel) Shutdown() {
	m.logger.Println("UIModel: Shutting down")
	m.cancel()
	m.wg.Wait()
	m.logger.Println("UIModel: Shutdown complete")
}

// ListenToLog registers a channel to receive log messages
// Returns a deregistration function that can be called to remove the listener
func (m *UIModel) ListenToLog(ch chan<- string) func() {
	return m.logEvent.Listen(ch)
}

// ListenToCloseApplication registers a channel to receive close application signals
// Returns a deregistration function that can be called to remove the listener
func (m *UIModel) ListenToCloseApplication(ch chan<- struct{}) func() {
	return m.closeApplicationEvent.Listen(ch)
}

// RequestCloseApplication signals that the application should close
func (m *UIModel) RequestCloseApplication() {
	m.closeApplicationEvent.Notify(struct{}{})
}

// ListenToUIState registers a channel to receive UI state changes
// Returns a deregistration function that can be called to remove the listener
func (m *UIModel) ListenToUIState(ch chan<- UIState) func() {
	return m.uiStateEvent.Listen(ch)
}

// GetUIState returns the current UI state
func (m *UIModel) GetUIState() UIState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uiState
}

// SetMode updates the current UI mode and notifies listeners
func (m *UIModel) SetMode(mode UIMode) {
	m.mu.Lock()
	if m.uiState.Mode == mode {
		m.mu.Unlock()
		return
	}
	m.uiState.Mode = mode
	state := m.uiState
	m.mu.Unlock()

	m.uiStateEvent.Notify(state)
}

// ListenToRideView registers a channel to receive ride updates
// Returns a deregistration function that can be called to remove the listener
func (m *UIModel) ListenToRideView(ch chan<- RideView) func() {
	return m.rideViewEvent.Listen(ch)
}

// GetRideView returns the latest ride update
func (m *UIModel) GetRideView() RideView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rideView
}

// ListenToGattStatus registers a channel to receive GATT page updates
// Returns a deregistration function that can be called to remove the listener
func (m *UIModel) ListenToGattStatus(ch chan<- GattStatus) func() {
	return m.gattStatusEvent.Listen(ch)
}

// GetGattStatus returns the current GATT page state
func (m *UIModel) GetGattStatus() GattStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gattStatus
}

// listenToRideStatus decodes each status the way a central would and refreshes the sink
// counters shown on the GATT page
func (m *UIModel) listenToRideStatus(ctx context.Context, rides RideStatusFeed) {
	ch := make(chan RideStatus, 1)
	unregister := rides.ListenToRideStatus(ch)
	defer unregister()

	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-ch:
			if !ok {
				return
			}

			view := RideView{Status: status}
			if status.State == RideIdle {
				m.receiver.reset()
			} else if status.Updates > 0 {
				view.Receiver = m.receiver.decode(status.Frames)
			}
			stats := m.peripheral.Stats()

			m.mu.Lock()
			m.rideView = view
			m.gattStatus.Sink = stats
			gatt := m.gattStatus
			m.mu.Unlock()

			m.rideViewEvent.Notify(view)
			m.gattStatusEvent.Notify(gatt)
		}
	}
}

// listenToCentrals tracks centrals connecting to the peripheral
func (m *UIModel) listenToCentrals(ctx context.Context) {
	ch := make(chan []string, 1)
	unregister := m.peripheral.ListenToCentrals(ch)
	defer unregister()

	for {
		select {
		case <-ctx.Done():
			return
		case centrals, ok := <-ch:
			if !ok {
				return
			}

			m.mu.Lock()
			m.gattStatus.Centrals = centrals
			gatt := m.gattStatus
			m.mu.Unlock()

			m.gattStatusEvent.Notify(gatt)
		}
	}
}

// readFromLogChannel reads log lines from the channel and populates logLines
func (m *UIModel) readFromLogChannel(ctx context.Context, logChan <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-logChan:
			if !ok {
				return
			}

			m.logMu.Lock()
			m.logLines = append(m.logLines, line)
			if len(m.logLines) > maxLogLines {
				m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
			}
			m.logMu.Unlock()

			m.logEvent.Notify(line)
		}
	}
}

// GetLogTail returns the last n lines of logs
func (m *UIModel) GetLogTail(n int) []string {
	m.logMu.RLock()
	defer m.logMu.RUnlock()

	if n <= 0 {
		return []string{}
	}
	if n >= len(m.logLines) {
		result := make([]string, len(m.logLines))
		copy(result, m.logLines)
		return result
	}
	result := make([]string, n)
	copy(result, m.logLines[len(m.logLines)-n:])
	return result
}

// receiverStaleFrames is how many frames without a new revolution event zero a rate
const receiverStaleFrames = 12

// receiverDecoder turns sent frames back into rates, as a head unit would
type receiverDecoder struct {
	wheelCircumferenceM float64
	cadence             *cycling.RevolutionRateCalculator
	wheel               *cycling.RevolutionRateCalculator
	cadenceStale        int
	wheelStale          int
	last                ReceiverView
}

func newReceiverDecoder(wheelCircumferenceMm float64) *receiverDecoder {
	if wheelCircumferenceMm <= 0 {
		wheelCircumferenceMm = sensor.DefaultWheelCircumferenceMm
	}
	return &receiverDecoder{
		wheelCircumferenceM: wheelCircumferenceMm / 1000,
		cadence:             cycling.NewCadenceCalculator(),
		wheel:               cycling.NewWheelRateCalculator(),
	}
}

func (d *receiverDecoder) reset() {
	d.cadence.Reset()
	d.wheel.Reset()
	d.cadenceStale = 0
	d.wheelStale = 0
	d.last = ReceiverView{}
}

// decode parses the frames. Rates are kept from the previous frame when no new
// revolution event arrived.
func (d *receiverDecoder) decode(frames cycling.Frames) ReceiverView {
	view := d.last
	view.DecodeErr = ""

	cp, err := cycling.ParseCPMeasurement(frames.CP)
	if err != nil {
		view.DecodeErr = err.Error()
		return view
	}
	view.CP = cp

	csc, err := cycling.ParseCSCMeasurement(frames.CSC)
	if err != nil {
		view.DecodeErr = err.Error()
		return view
	}
	view.CSC = csc

	if csc.HasCrankData {
		if rpm, ok := d.cadence.Add(csc.CrankRevs, csc.CrankEventTime); ok {
			view.CadenceRPM = rpm
			d.cadenceStale = 0
		} else if d.cadenceStale++; d.cadenceStale >= receiverStaleFrames {
			view.CadenceRPM = 0
		}
	}
	if csc.HasWheelData {
		if rpm, ok := d.wheel.Add(uint16(csc.WheelRevs), csc.WheelEventTime); ok {
			view.WheelRPM = rpm
			view.SpeedKmh = rpm * d.wheelCircumferenceM * 60 / 1000
			d.wheelStale = 0
		} else if d.wheelStale++; d.wheelStale >= receiverStaleFrames {
			view.WheelRPM = 0
			view.SpeedKmh = 0
		}
	}

	d.last = view
	return view
}
