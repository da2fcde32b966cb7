package cycling

import "fmt"

// Handle is the opaque identifier a BLE stack assigns to a registered service or characteristic.
// Zero means registration failed.
type Handle uint16

// InvalidHandle is the "registration failed" sentinel
const InvalidHandle Handle = 0

// Valid reports whether the handle was assigned by a successful registration
func (h Handle) Valid() bool {
	return h != InvalidHandle
}

// HandleID names a slot in Handles
type HandleID string

const (
	HandleCPService         HandleID = "cp_service"
	HandleCPFeature         HandleID = "cp_feature"
	HandleCPMeasurement     HandleID = "cp_measurement"
	HandleCPSensorLocation  HandleID = "cp_sensor_location"
	HandleCSCService        HandleID = "csc_service"
	HandleCSCFeature        HandleID = "csc_feature"
	HandleCSCMeasurement    HandleID = "csc_measurement"
	HandleCSCSensorLocation HandleID = "csc_sensor_location"
	HandleSCControlPoint    HandleID = "sc_control_point"
)

// AllHandleIDs lists every slot in registration order
var AllHandleIDs = []HandleID{
	HandleCPService,
	HandleCPFeature,
	HandleCPMeasurement,
	HandleCPSensorLocation,
	HandleCSCService,
	HandleCSCFeature,
	HandleCSCMeasurement,
	HandleCSCSensorLocation,
	HandleSCControlPoint,
}

// Handles is the result of the one-time GATT registration step.
// It is immutable after registration and passed by pointer into the Updater.
type Handles struct {
	CPService         Handle `json:"cpService"`
	CPFeature         Handle `json:"cpFeature"`
	CPMeasurement     Handle `json:"cpMeasurement"`
	CPSensorLocation  Handle `json:"cpSensorLocation"`
	CSCService        Handle `json:"cscService"`
	CSCFeature        Handle `json:"cscFeature"`
	CSCMeasurement    Handle `json:"cscMeasurement"`
	CSCSensorLocation Handle `json:"cscSensorLocation"`
	SCControlPoint    Handle `json:"scControlPoint"`
}

func (h *Handles) slot(id HandleID) *Handle {
	switch id {
	case HandleCPService:
		return &h.CPService
	case HandleCPFeature:
		return &h.CPFeature
	case HandleCPMeasurement:
		return &h.CPMeasurement
	case HandleCPSensorLocation:
		return &h.CPSensorLocation
	case HandleCSCService:
		return &h.CSCService
	case HandleCSCFeature:
		return &h.CSCFeature
	case HandleCSCMeasurement:
		return &h.CSCMeasurement
	case HandleCSCSensorLocation:
		return &h.CSCSensorLocation
	case HandleSCControlPoint:
		return &h.SCControlPoint
	}
	return nil
}

// Set records the handle assigned to a slot. Used by registration code only.
func (h *Handles) Set(id HandleID, handle Handle) error {
	slot := h.slot(id)
	if slot == nil {
		return fmt.Errorf("unknown handle id %q", id)
	}
	*slot = handle
	return nil
}

// Get returns the handle for a slot, or InvalidHandle for an unknown id
func (h *Handles) Get(id HandleID) Handle {
	slot := h.slot(id)
	if slot == nil {
		return InvalidHandle
	}
	return *slot
}

// Missing returns the slots whose registration failed
func (h *Handles) Missing() []HandleID {
	missing := make([]HandleID, 0)
	for _, id := range AllHandleIDs {
		if !h.Get(id).Valid() {
			missing = append(missing, id)
		}
	}
	return missing
}

// Sink is the BLE stack's per-characteristic value-set operation.
// It is synchronous and best-effort; sends to InvalidHandle must return false.
type Sink interface {
	SetCharacteristic(handle Handle, payload []byte) bool
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(handle Handle, payload []byte) bool

func (f SinkFunc) SetCharacteristic(handle Handle, payload []byte) bool {
	return f(handle, payload)
}
