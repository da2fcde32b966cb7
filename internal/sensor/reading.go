package sensor

import (
	"context"
	"time"
)

// ResistanceUnknown marks a reading without a calibrated resistance value
const ResistanceUnknown uint8 = 0xFF

// Reading is the instantaneous state of the bike
type Reading struct {
	CadenceRPM    float64 `json:"cadenceRpm"`
	PowerW        float64 `json:"powerW"`
	ResistancePct uint8   `json:"resistancePct"`
	// SpeedKmh is zero when the source does not measure speed; the integrator then models it
	SpeedKmh float64 `json:"speedKmh"`
}

// Source produces readings for the ride loop.
// elapsed is the ride time excluding pauses; sources that follow a profile use it.
type Source interface {
	Name() string
	Read(ctx context.Context, elapsed time.Duration) (Reading, error)
	Close() error
}

// ProgressReporter is implemented by sources that follow a timed profile
type ProgressReporter interface {
	Progress(elapsed time.Duration) ProfileProgress
}
