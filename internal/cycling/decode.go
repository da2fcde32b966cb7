package cycling

import (
	"encoding/binary"
	"fmt"
)

// CSCMeasurement is a decoded CSC Measurement characteristic value
type CSCMeasurement struct {
	HasWheelData   bool
	WheelRevs      uint32
	WheelEventTime uint16 // 1/1024 s
	HasCrankData   bool
	CrankRevs      uint16
	CrankEventTime uint16 // 1/1024 s
}

// CPMeasurement is a decoded Cycling Power Measurement characteristic value
type CPMeasurement struct {
	Flags                uint16
	PowerW               int16
	HasAccumulatedEnergy bool
	AccumulatedEnergyKJ  uint16
}

// ParseCSCMeasurement decodes a CSC Measurement value the way a central reads it.
// See: https://www.bluetooth.com/specifications/specs/cycling-speed-and-cadence-service-1-0/
func ParseCSCMeasurement(buf []byte) (CSCMeasurement, error) {
	var m CSCMeasurement
	if len(buf) < 1 {
		return m, fmt.Errorf("CSC data too short: %d bytes", len(buf))
	}

	flags := buf[0]
	m.HasWheelData = flags&CSCFlagWheelRevolutionPresent != 0
	m.HasCrankData = flags&CSCFlagCrankRevolutionPresent != 0

	offset := 1
	if m.HasWheelData {
		if offset+6 > len(buf) {
			return m, fmt.Errorf("CSC data too short for wheel data at offset %d", offset)
		}
		m.WheelRevs = binary.LittleEndian.Uint32(buf[offset:])
		m.WheelEventTime = binary.LittleEndian.Uint16(buf[offset+4:])
		offset += 6
	}

	if m.HasCrankData {
		if offset+4 > len(buf) {
			return m, fmt.Errorf("CSC data too short for crank data at offset %d", offset)
		}
		m.CrankRevs = binary.LittleEndian.Uint16(buf[offset:])
		m.CrankEventTime = binary.LittleEndian.Uint16(buf[offset+2:])
	}

	return m, nil
}

// ParseCPMeasurement decodes the mandatory fields of a Cycling Power Measurement value and
// the accumulated energy field when its flag is set. Other optional fields are not decoded.
// See: https://www.bluetooth.com/specifications/specs/cycling-power-service-1-1/
func ParseCPMeasurement(buf []byte) (CPMeasurement, error) {
	var m CPMeasurement
	if len(buf) < 4 {
		return m, fmt.Errorf("cycling power data too short: %d bytes", len(buf))
	}

	m.Flags = binary.LittleEndian.Uint16(buf[0:])
	m.PowerW = int16(binary.LittleEndian.Uint16(buf[2:]))

	if m.Flags&CPFlagAccumulatedEnergyPresent != 0 {
		if m.Flags&^CPFlagAccumulatedEnergyPresent != 0 {
			return m, fmt.Errorf("cycling power flags 0x%04x carry fields before accumulated energy", m.Flags)
		}
		if len(buf) < 6 {
			return m, fmt.Errorf("cycling power data too short for accumulated energy: %d bytes", len(buf))
		}
		m.HasAccumulatedEnergy = true
		m.AccumulatedEnergyKJ = binary.LittleEndian.Uint16(buf[4:])
	}

	return m, nil
}

// MaxCadenceRPM bounds the cadence a RevolutionRateCalculator will report
const MaxCadenceRPM = 300

// RevolutionRateCalculator derives a revolutions-per-minute rate from successive cumulative
// counters and 1/1024 s event times. Both values are rolling uint16 counters.
// The first reading only sets the baseline.
type RevolutionRateCalculator struct {
	lastRevs      uint16
	lastEventTime uint16
	hasPrevious   bool
	maxRPM        float64
}

// NewCadenceCalculator returns a calculator bounded to plausible pedalling cadences
func NewCadenceCalculator() *RevolutionRateCalculator {
	return &RevolutionRateCalculator{maxRPM: MaxCadenceRPM}
}

// NewWheelRateCalculator returns an unbounded calculator for wheel revolutions
func NewWheelRateCalculator() *RevolutionRateCalculator {
	return &RevolutionRateCalculator{}
}

// Add feeds one reading. ok is false when no rate can be computed yet, when no event time
// elapsed, or when the rate is out of range.
func (c *RevolutionRateCalculator) Add(revs uint16, eventTime uint16) (rpm float64, ok bool) {
	if !c.hasPrevious {
		c.lastRevs = revs
		c.lastEventTime = eventTime
		c.hasPrevious = true
		return 0, false
	}

	// uint16 subtraction handles rollover
	revDiff := revs - c.lastRevs
	timeDiff := eventTime - c.lastEventTime

	c.lastRevs = revs
	c.lastEventTime = eventTime

	if timeDiff == 0 {
		return 0, false
	}

	// revolutions * 60 / (timeDiff / 1024)
	rpm = float64(revDiff) * 60.0 * 1024.0 / float64(timeDiff)
	if c.maxRPM > 0 && rpm > c.maxRPM {
		return 0, false
	}
	return rpm, true
}

// Reset drops the baseline
func (c *RevolutionRateCalculator) Reset() {
	c.hasPrevious = false
}
