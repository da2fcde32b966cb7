package sensor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/cycling"
)

var t0 = time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)

func TestIntegrator_FirstSampleIsBaseline(t *testing.T) {
	i := NewIntegrator(2096, NewSpeedModel(80))
	s, _ := i.Add(t0, Reading{CadenceRPM: 90, PowerW: 200})
	assert.Equal(t, cycling.Snapshot{PowerW: 200}, s)
}

func TestIntegrator_CarriesFractionalCrankRevolutions(t *testing.T) {
	i := NewIntegrator(2096, NewSpeedModel(80))
	i.Add(t0, Reading{CadenceRPM: 90})

	s, _ := i.Add(t0.Add(time.Second), Reading{CadenceRPM: 90})
	assert.Equal(t, uint16(1), s.CrankRevs)
	// half a revolution is carried, so the last whole one happened 1/3 s earlier
	assert.Equal(t, uint32(667), s.LastCrankMs)

	s, _ = i.Add(t0.Add(2*time.Second), Reading{CadenceRPM: 90})
	assert.Equal(t, uint16(3), s.CrankRevs)
	assert.Equal(t, uint32(2000), s.LastCrankMs)
}

func TestIntegrator_EventTimeHeldWithoutNewRevolution(t *testing.T) {
	i := NewIntegrator(2096, NewSpeedModel(80))
	i.Add(t0, Reading{CadenceRPM: 60})
	s1, _ := i.Add(t0.Add(time.Second), Reading{CadenceRPM: 60})
	s2, _ := i.Add(t0.Add(1250*time.Millisecond), Reading{CadenceRPM: 60})
	assert.Equal(t, s1.CrankRevs, s2.CrankRevs)
	assert.Equal(t, s1.LastCrankMs, s2.LastCrankMs)
}

func TestIntegrator_WheelFromReportedSpeed(t *testing.T) {
	i := NewIntegrator(2000, NewSpeedModel(80))
	i.Add(t0, Reading{SpeedKmh: 36})
	// 10 m/s on a 2 m wheel is 5.5 revolutions in 1.1 s
	s, r := i.Add(t0.Add(1100*time.Millisecond), Reading{SpeedKmh: 36})
	assert.Equal(t, uint32(5), s.WheelRevs)
	assert.InDelta(t, 1000, float64(s.LastWheelMs), 1)
	assert.Equal(t, 36.0, r.SpeedKmh)
}

func TestIntegrator_WheelFromModelledSpeed(t *testing.T) {
	i := NewIntegrator(2096, NewSpeedModel(80))
	_, r := i.Add(t0, Reading{PowerW: 200})
	assert.InDelta(t, NewSpeedModel(80).SpeedKmh(200), r.SpeedKmh, 1e-9)

	s, _ := i.Add(t0.Add(10*time.Second), Reading{PowerW: 200})
	assert.Greater(t, s.WheelRevs, uint32(30))
}

func TestIntegrator_AccumulatesEnergy(t *testing.T) {
	i := NewIntegrator(2096, NewSpeedModel(80))
	i.Add(t0, Reading{PowerW: 1000})
	s, _ := i.Add(t0.Add(5*time.Second), Reading{PowerW: 1000})
	assert.Equal(t, uint16(5), s.EnergyKJ)
	assert.Equal(t, uint16(1000), s.PowerW)
}

func TestIntegrator_EnergyWrapsAtWireWidth(t *testing.T) {
	i := NewIntegrator(2096, NewSpeedModel(80))
	i.joules = 65536*1000 + 2000
	assert.Equal(t, uint16(2), i.Snapshot().EnergyKJ)
}

func TestIntegrator_PauseSkipsGap(t *testing.T) {
	i := NewIntegrator(2096, NewSpeedModel(80))
	i.Add(t0, Reading{CadenceRPM: 90, PowerW: 100})
	i.Add(t0.Add(time.Second), Reading{CadenceRPM: 90, PowerW: 100})
	i.Pause()
	assert.Zero(t, i.Snapshot().PowerW)

	s, _ := i.Add(t0.Add(100*time.Second), Reading{CadenceRPM: 90, PowerW: 100})
	assert.Equal(t, uint16(1), s.CrankRevs)
	assert.Equal(t, uint16(0), s.EnergyKJ)

	s, _ = i.Add(t0.Add(101*time.Second), Reading{CadenceRPM: 90, PowerW: 100})
	assert.Equal(t, uint16(3), s.CrankRevs)
	assert.Equal(t, uint32(101000), s.LastCrankMs)
}

func TestIntegrator_ClampsPower(t *testing.T) {
	i := NewIntegrator(2096, NewSpeedModel(80))
	s, _ := i.Add(t0, Reading{PowerW: -5})
	assert.Equal(t, uint16(0), s.PowerW)
	s, _ = i.Add(t0, Reading{PowerW: 100000})
	assert.Equal(t, uint16(65535), s.PowerW)
}

func TestIntegrator_Reset(t *testing.T) {
	i := NewIntegrator(2096, NewSpeedModel(80))
	i.Add(t0, Reading{CadenceRPM: 90, PowerW: 300})
	i.Add(t0.Add(10*time.Second), Reading{CadenceRPM: 90, PowerW: 300})
	i.Reset()
	assert.Equal(t, cycling.Snapshot{}, i.Snapshot())

	s, _ := i.Add(t0.Add(time.Hour), Reading{CadenceRPM: 90})
	assert.Equal(t, uint16(0), s.CrankRevs)
}
