package sensor

import (
	"context"
	"log"
	"time"
)

// MaxSimulatedCadence bounds profile cadences
const MaxSimulatedCadence = 200

// Simulator rides a profile: power follows the FTP multipliers, cadence the block targets.
// After the profile ends the rider coasts to zero.
type Simulator struct {
	profile *Profile
	ftp     int
	logger  *log.Logger

	lastBlockIdx int
	completed    bool
}

var _ Source = (*Simulator)(nil)
var _ ProgressReporter = (*Simulator)(nil)

func NewSimulator(profile *Profile, ftp int, logger *log.Logger) *Simulator {
	if profile == nil {
		panic("Simulator: profile cannot be nil")
	}
	if logger == nil {
		panic("Simulator: logger cannot be nil")
	}
	logger.Printf("Simulator: Profile '%s' loaded (duration: %v, ftp: %d W)", profile.Name, profile.TotalDuration(), ftp)
	return &Simulator{
		profile:      profile,
		ftp:          ftp,
		logger:       logger,
		lastBlockIdx: -1,
	}
}

func (s *Simulator) Name() string {
	return "simulator: " + s.profile.Name
}

// Profile returns the profile being ridden
func (s *Simulator) Profile() *Profile {
	return s.profile
}

func (s *Simulator) Read(ctx context.Context, elapsed time.Duration) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	p := s.profile.ProgressAt(elapsed, s.ftp)
	if p.Complete {
		if !s.completed {
			s.completed = true
			s.logger.Printf("Simulator: Profile '%s' complete", s.profile.Name)
		}
		return Reading{ResistancePct: ResistanceUnknown}, nil
	}
	s.completed = false

	if p.BlockIdx != s.lastBlockIdx {
		s.logger.Printf("Simulator: Moved to block %d/%d (target %.0f W @ %d rpm)", p.BlockIdx+1, p.BlockCount, p.TargetPowerW, p.TargetCadence)
		s.lastBlockIdx = p.BlockIdx
	}

	return Reading{
		CadenceRPM:    float64(p.TargetCadence),
		PowerW:        p.TargetPowerW,
		ResistancePct: p.TargetResistance,
	}, nil
}

func (s *Simulator) Progress(elapsed time.Duration) ProfileProgress {
	return s.profile.ProgressAt(elapsed, s.ftp)
}

func (s *Simulator) Close() error {
	return nil
}
