package bridge

import (
	"time"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/bt"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/cycling"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/sensor"
)

// UIMode represents the current UI mode/screen
type UIMode int

const (
	UIModeRide UIMode = iota // Live measurements and profile progress
	UIModeGATT               // Handle table, transport counters, centrals
)

// UIModeInfo contains display information for a UI mode
type UIModeInfo struct {
	Mode        UIMode
	DisplayName string
	KeyBinding  rune // The number key to activate this mode (1-9)
}

// AllUIModes defines all available UI modes in order
var AllUIModes = []UIModeInfo{
	{Mode: UIModeRide, DisplayName: "Ride", KeyBinding: '1'},
	{Mode: UIModeGATT, DisplayName: "GATT", KeyBinding: '2'},
}

// GetUIModeByKey returns the mode for a given key binding
func GetUIModeByKey(key rune) (UIMode, bool) {
	for _, info := range AllUIModes {
		if info.KeyBinding == key {
			return info.Mode, true
		}
	}
	return 0, false
}

// GetUIModeInfo returns the info for a given mode
func GetUIModeInfo(mode UIMode) (UIModeInfo, bool) {
	for _, info := range AllUIModes {
		if info.Mode == mode {
			return info, true
		}
	}
	return UIModeInfo{}, false
}

// RideState is the state of the ride loop
type RideState int

const (
	RideIdle    RideState = iota // Not sending measurements
	RideRunning                  // Sampling and sending every tick
	RidePaused                   // Sending frozen counters with zero power
)

func (s RideState) String() string {
	switch s {
	case RideIdle:
		return "Idle"
	case RideRunning:
		return "Running"
	case RidePaused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// RideStatus is published by the ride loop after every tick and state change
type RideStatus struct {
	State     RideState
	Source    string
	Timestamp time.Time
	Elapsed   time.Duration

	Reading  sensor.Reading
	Snapshot cycling.Snapshot
	Frames   cycling.Frames

	// Updates counts ticks that sent frames; FailedUpdates those where a send failed
	Updates       uint64
	FailedUpdates uint64
	ReadErrors    uint64
	LastReadError string

	ControlPoint cycling.ControlPointStats
	// Progress is nil for sources that do not follow a profile
	Progress *sensor.ProfileProgress
}

// ReceiverView is what a central computes from the frames it was sent
type ReceiverView struct {
	CP         cycling.CPMeasurement
	CSC        cycling.CSCMeasurement
	DecodeErr  string
	CadenceRPM float64
	WheelRPM   float64
	SpeedKmh   float64
}

// RideView pairs the ride status with the receiver side decoding of its frames
type RideView struct {
	Status   RideStatus
	Receiver ReceiverView
}

// GattStatus is the registration result and transport state shown on the GATT page
type GattStatus struct {
	LocalName string
	Table     []cycling.ServiceSpec
	Handles   cycling.Handles
	Sink      bt.SinkStats
	Centrals  []string
}
