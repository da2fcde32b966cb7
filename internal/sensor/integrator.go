package sensor

import (
	"math"
	"time"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/cycling"
)

// DefaultWheelCircumferenceMm is a 700x23c road wheel
const DefaultWheelCircumferenceMm = 2096

// Integrator turns instantaneous readings into the cumulative counters the measurement
// frames carry. Fractional revolutions are carried between samples, and the last event time
// is back-dated by the carried fraction so receivers compute the true rate.
// Event times are milliseconds since the first sample.
type Integrator struct {
	wheelCircumferenceM float64
	speedModel          SpeedModel

	started bool
	paused  bool
	origin  time.Time
	last    time.Time

	crankRevs      uint16
	crankRemainder float64
	lastCrankMs    uint32

	wheelRevs      uint32
	wheelRemainder float64
	lastWheelMs    uint32

	joules float64
	powerW uint16
}

func NewIntegrator(wheelCircumferenceMm float64, speedModel SpeedModel) *Integrator {
	if wheelCircumferenceMm <= 0 {
		wheelCircumferenceMm = DefaultWheelCircumferenceMm
	}
	return &Integrator{
		wheelCircumferenceM: wheelCircumferenceMm / 1000,
		speedModel:          speedModel,
	}
}

// Add integrates r over the time since the previous sample and returns the new snapshot
// together with the reading as used (speed filled in from the model when the source has none).
func (i *Integrator) Add(now time.Time, r Reading) (cycling.Snapshot, Reading) {
	if r.SpeedKmh <= 0 {
		r.SpeedKmh = i.speedModel.SpeedKmh(r.PowerW)
	}
	i.powerW = clampPowerReading(r.PowerW)

	if !i.started {
		i.started = true
		i.origin = now
		i.last = now
		return i.Snapshot(), r
	}
	if i.paused {
		i.paused = false
		i.last = now
		return i.Snapshot(), r
	}

	dt := now.Sub(i.last).Seconds()
	if dt <= 0 {
		return i.Snapshot(), r
	}
	i.last = now
	nowMs := uint32(now.Sub(i.origin).Milliseconds())

	crankRate := math.Max(r.CadenceRPM, 0) / 60
	if whole, ok := advance(&i.crankRemainder, crankRate, dt); ok {
		i.crankRevs += uint16(whole)
		i.lastCrankMs = backdate(nowMs, i.crankRemainder, crankRate)
	}

	wheelRate := math.Max(r.SpeedKmh, 0) / 3.6 / i.wheelCircumferenceM
	if whole, ok := advance(&i.wheelRemainder, wheelRate, dt); ok {
		i.wheelRevs += uint32(whole)
		i.lastWheelMs = backdate(nowMs, i.wheelRemainder, wheelRate)
	}

	i.joules += float64(i.powerW) * dt
	return i.Snapshot(), r
}

// Snapshot returns the current cumulative values without integrating
func (i *Integrator) Snapshot() cycling.Snapshot {
	return cycling.Snapshot{
		CrankRevs:   i.crankRevs,
		LastCrankMs: i.lastCrankMs,
		WheelRevs:   i.wheelRevs,
		LastWheelMs: i.lastWheelMs,
		PowerW:      i.powerW,
		EnergyKJ:    uint16(uint64(i.joules / 1000)),
	}
}

// Pause drops instantaneous power and makes the next Add restart integration instead of
// integrating across the gap. Counters and event times are kept.
func (i *Integrator) Pause() {
	if !i.started {
		return
	}
	i.powerW = 0
	i.paused = true
}

// Reset starts a new ride
func (i *Integrator) Reset() {
	model, circumference := i.speedModel, i.wheelCircumferenceM
	*i = Integrator{wheelCircumferenceM: circumference, speedModel: model}
}

// advance adds rate*dt revolutions to the carried remainder and splits off whole revolutions
func advance(remainder *float64, rate float64, dt float64) (float64, bool) {
	total := *remainder + rate*dt
	whole := math.Floor(total)
	*remainder = total - whole
	return whole, whole >= 1
}

func backdate(nowMs uint32, remainder float64, rate float64) uint32 {
	if rate <= 0 {
		return nowMs
	}
	back := uint32(remainder / rate * 1000)
	if back > nowMs {
		return 0
	}
	return nowMs - back
}

func clampPowerReading(w float64) uint16 {
	switch {
	case w <= 0 || math.IsNaN(w):
		return 0
	case w >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(math.Round(w))
}
