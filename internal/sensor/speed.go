package sensor

import "math"

const (
	gravity             = 9.81
	defaultCrr          = 0.005
	defaultCdA          = 0.4
	defaultAirDensity   = 1.225
	speedSolveMaxIter   = 50
	speedSolveTolerance = 1e-6
)

// SpeedModel estimates the steady flat-road speed a rider would hold at a given power.
// P = v*Crr*m*g + 0.5*rho*CdA*v^3
type SpeedModel struct {
	MassKg     float64
	Crr        float64
	CdA        float64
	AirDensity float64
}

func NewSpeedModel(massKg float64) SpeedModel {
	return SpeedModel{
		MassKg:     massKg,
		Crr:        defaultCrr,
		CdA:        defaultCdA,
		AirDensity: defaultAirDensity,
	}
}

// SpeedMps solves the power equation for v with Newton's method.
// The function is strictly increasing in v, so the positive root is unique.
func (m SpeedModel) SpeedMps(powerW float64) float64 {
	if powerW <= 0 || math.IsNaN(powerW) {
		return 0
	}
	a := 0.5 * m.AirDensity * m.CdA
	b := m.Crr * m.MassKg * gravity

	v := math.Cbrt(powerW / math.Max(a, 1e-9))
	for i := 0; i < speedSolveMaxIter; i++ {
		f := a*v*v*v + b*v - powerW
		df := 3*a*v*v + b
		if df == 0 {
			break
		}
		next := v - f/df
		if next < 0 {
			next = v / 2
		}
		if math.Abs(next-v) < speedSolveTolerance {
			return next
		}
		v = next
	}
	return v
}

// SpeedKmh is SpeedMps in km/h
func (m SpeedModel) SpeedKmh(powerW float64) float64 {
	return m.SpeedMps(powerW) * 3.6
}
